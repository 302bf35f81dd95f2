package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"avs/internal/events"
	"avs/internal/jobs"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/middleware"
)

// sseStream writes job snapshots as server-sent events. Progress is clamped
// so a client never sees it decrease.
type sseStream struct {
	w    http.ResponseWriter
	f    http.Flusher
	seq  int
	high int
}

func (s *sseStream) send(j jobs.Job) (terminal bool, err error) {
	if j.Progress < s.high {
		j.Progress = s.high
	}
	s.high = j.Progress
	e := events.NewEvent(j)

	b, err := json.Marshal(e.Job)
	if err != nil {
		return false, err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, e.Type, b); err != nil {
		return false, err
	}
	s.f.Flush()
	return e.Type == events.TypeTerminal, nil
}

// StreamJob streams a job until it reaches a terminal state or the client
// goes away. It subscribes before reading the first snapshot so no update
// between the two is lost, and re-reads the store every interval so a
// stream survives dropped events.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobId")
	log := h.log.FromContext(ctx).WithJobID(id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.HandleError(w, r, h.log, errors.Internal("streaming is not supported by this connection"))
		return
	}

	var (
		ch    <-chan events.Event
		unsub = func() {}
	)
	if h.bus != nil {
		ch, unsub = h.bus.Subscribe(id)
	}
	defer unsub()

	job, err := h.store.Get(ctx, id)
	if err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	s := &sseStream{w: w, f: flusher}
	if done, err := s.send(job); done || err != nil {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		var next jobs.Job
		select {
		case <-ctx.Done():
			return
		case e, open := <-ch:
			if !open {
				// Closed after a terminal event we may have missed, or by
				// unsubscribe. The store has the final word.
				ch = nil
				continue
			}
			next = e.Job
		case <-ticker.C:
			j, err := h.store.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("stream snapshot failed", "error", err.Error())
				}
				continue
			}
			next = j
		}

		done, err := s.send(next)
		if err != nil {
			log.Debug("stream client gone", "error", err.Error())
			return
		}
		if done {
			return
		}
	}
}
