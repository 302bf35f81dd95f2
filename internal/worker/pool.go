package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
)

// JobProcessor runs one job to completion. processor.Processor implements it.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Pool runs jobs on a bounded number of goroutines. Every submitted job gets
// its own cancellable context, registered before it waits for a slot, so a
// job can be cancelled while it is still waiting.
type Pool struct {
	proc     JobProcessor
	sem      *semaphore.Weighted
	capacity int64
	freed    chan struct{}
	log      *logger.Logger

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(ctx context.Context, proc JobProcessor, concurrency int64, log *logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	base, stop := context.WithCancel(ctx)
	return &Pool{
		proc:     proc,
		sem:      semaphore.NewWeighted(concurrency),
		capacity: concurrency,
		freed:    make(chan struct{}, 1),
		log:      log.WithComponent("pool"),
		base:     base,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Submit schedules jobID. Submitting a job that is already in the pool is
// an error.
func (p *Pool) Submit(jobID string) error {
	if err := p.base.Err(); err != nil {
		return errors.New(errors.CodeUnavailable, "worker pool is shutting down")
	}

	p.mu.Lock()
	if _, ok := p.cancels[jobID]; ok {
		p.mu.Unlock()
		return errors.AlreadyExists("running job", jobID)
	}
	ctx, cancel := context.WithCancel(logger.ContextWithJobID(p.base, jobID))
	p.cancels[jobID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.forget(jobID)
		p.run(ctx, jobID)
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, jobID string) {
	log := p.log.WithJobID(jobID)
	// A failed acquire means the job was cancelled while waiting. The
	// processor still runs so that the record reaches a terminal state.
	if err := p.sem.Acquire(ctx, 1); err == nil {
		defer p.sem.Release(1)
	}

	start := time.Now()
	log.Info("processing job")
	if err := p.proc.ProcessJob(ctx, jobID); err != nil {
		log.Warn("job ended with error",
			"code", string(errors.GetCode(err)),
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	log.Info("job processed", "duration_ms", time.Since(start).Milliseconds())
}

func (p *Pool) forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[jobID]; ok {
		cancel()
		delete(p.cancels, jobID)
	}
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// WaitForSlot blocks until fewer jobs than the pool's concurrency are
// active, so a queue consumer never takes more work than it can start.
func (p *Pool) WaitForSlot(ctx context.Context) error {
	for {
		if int64(p.Active()) < p.capacity {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Cancelled("pool.wait")
		case <-p.freed:
		}
	}
}

// Cancel cancels a job owned by the pool. It reports false when the pool
// does not hold jobID.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of jobs running or waiting for a slot.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown cancels every job and waits for them up to ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "pool.shutdown", "jobs did not stop in time")
	}
}
