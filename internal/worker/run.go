package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/worker/queue"
)

// popTimeout bounds one blocking queue read so the loop notices shutdown.
const popTimeout = 5 * time.Second

// Run consumes job ids from q until ctx is done. Jobs run on a pool sized by
// the runner concurrency, and cancel requests published on q reach the jobs
// this worker owns. On shutdown running jobs are cancelled and awaited.
func Run(ctx context.Context, proc JobProcessor, q *queue.RedisQueue, concurrency int64, log *logger.Logger) error {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	pool := NewPool(ctx, proc, concurrency, log)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.SubscribeCancel(gctx, func(jobID string) {
			if pool.Cancel(jobID) {
				log.Info("cancel request honored", "job_id", jobID)
			}
		})
	})

	g.Go(func() error {
		for {
			if err := pool.WaitForSlot(gctx); err != nil {
				return nil
			}
			jobID, err := q.Pop(gctx, popTimeout)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				log.Warn("queue pop error, retrying", "error", err.Error())
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}
			if jobID == "" {
				continue
			}
			if err := pool.Submit(jobID); err != nil {
				log.Warn("job not scheduled", "job_id", jobID, "error", err.Error())
			}
		}
	})

	err := g.Wait()
	log.Info("worker stopping, waiting for running jobs", "active", pool.Active())
	pool.Wait()
	if err != nil && !errors.IsCancelled(err) {
		return err
	}
	return nil
}
