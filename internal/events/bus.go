// Package events fans job snapshots out to stream subscribers.
package events

import (
	"context"
	"sync"

	"avs/internal/jobs"
	"avs/internal/pkg/logger"
)

type Type string

const (
	TypeProgress Type = "progress"
	TypeTerminal Type = "terminal"
)

// Event carries a job snapshot taken right after an update.
type Event struct {
	Type Type     `json:"type"`
	Job  jobs.Job `json:"job"`
}

// NewEvent classifies a snapshot.
func NewEvent(j jobs.Job) Event {
	t := TypeProgress
	if j.Status.Terminal() {
		t = TypeTerminal
	}
	return Event{Type: t, Job: j}
}

// Publisher accepts job events. The in-process Bus and the Redis relay
// both implement it.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	ch      chan Event
	closed  bool
	dropped int
	// highest progress delivered; later snapshots never report less.
	high int
}

// Bus delivers events per job over bounded channels. When a subscriber falls
// behind, the oldest queued event is dropped: every event is a full snapshot
// so only the latest one matters. A terminal event is always delivered and
// closes the job's subscriptions.
type Bus struct {
	log    *logger.Logger
	buffer int

	mu   sync.Mutex
	subs map[string][]*subscriber
}

const DefaultBuffer = 16

func NewBus(buffer int, log *logger.Logger) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{
		log:    log.WithComponent("events"),
		buffer: buffer,
		subs:   make(map[string][]*subscriber),
	}
}

// Subscribe returns a channel of events for jobID and a function that
// cancels the subscription. The channel is closed after a terminal event or
// on unsubscribe.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.subs[jobID] = append(b.subs[jobID], s)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(jobID, s)
		})
	}
	return s.ch, unsub
}

// Publish delivers e to every subscriber of e.Job.ID without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[e.Job.ID]
	for _, s := range subs {
		if s.closed {
			continue
		}
		ev := e
		if ev.Job.Progress < s.high {
			ev.Job.Progress = s.high
		}
		s.high = ev.Job.Progress
		if deliver(s, ev) {
			b.log.Debug("subscriber behind, dropped oldest event",
				"job_id", e.Job.ID,
				"dropped_total", s.dropped,
			)
		}
	}

	if e.Type == TypeTerminal {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(b.subs, e.Job.ID)
	}
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// deliver sends e, evicting queued events until it fits. It reports whether
// anything was dropped. Callers hold the bus lock, so the only concurrent
// actor is the reader, which can only make room.
func deliver(s *subscriber, e Event) bool {
	droppedAny := false
	for {
		select {
		case s.ch <- e:
			return droppedAny
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			droppedAny = true
		default:
		}
	}
}

func (b *Bus) remove(jobID string, s *subscriber) {
	subs := b.subs[jobID]
	for i, cur := range subs {
		if cur == s {
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NotifyingStore publishes every successful mutation of the wrapped store.
type NotifyingStore struct {
	jobs.Store
	pub Publisher
}

// Notify wraps store so that creates and updates are published to pub.
func Notify(store jobs.Store, pub Publisher) *NotifyingStore {
	return &NotifyingStore{Store: store, pub: pub}
}

func (s *NotifyingStore) Create(ctx context.Context, j jobs.Job) error {
	if err := s.Store.Create(ctx, j); err != nil {
		return err
	}
	s.pub.Publish(NewEvent(j.Clone()))
	return nil
}

func (s *NotifyingStore) Update(ctx context.Context, id string, u jobs.Update) (jobs.Job, error) {
	snap, err := s.Store.Update(ctx, id, u)
	if err != nil {
		return snap, err
	}
	s.pub.Publish(NewEvent(snap))
	return snap, nil
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}
