package worker

import (
	"context"

	"avs/internal/worker/queue"
)

// InlineDispatcher runs jobs on a pool inside the calling process.
type InlineDispatcher struct {
	pool *Pool
}

func NewInlineDispatcher(pool *Pool) *InlineDispatcher {
	return &InlineDispatcher{pool: pool}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	return d.pool.Submit(jobID)
}

func (d *InlineDispatcher) Cancel(_ context.Context, jobID string) (bool, error) {
	return d.pool.Cancel(jobID), nil
}

// QueueDispatcher pushes jobs to Redis for cmd/worker.
type QueueDispatcher struct {
	q *queue.RedisQueue
}

func NewQueueDispatcher(q *queue.RedisQueue) *QueueDispatcher {
	return &QueueDispatcher{q: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return d.q.Push(ctx, jobID)
}

func (d *QueueDispatcher) Cancel(ctx context.Context, jobID string) (bool, error) {
	n, err := d.q.PublishCancel(ctx, jobID)
	return n > 0, err
}
