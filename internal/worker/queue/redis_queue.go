// Package queue carries job dispatch, cancel requests and job events between
// the API and workers over Redis.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"avs/internal/events"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
)

// RedisQueue is a FIFO list of job ids plus two pub/sub channels: one for
// cancel requests and one relaying job events to API replicas.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
	prefix    string
	log       *logger.Logger
}

func NewRedisQueue(rdb *redis.Client, queueName, channelPrefix string, log *logger.Logger) *RedisQueue {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisQueue{
		rdb:       rdb,
		queueName: queueName,
		prefix:    channelPrefix,
		log:       log.WithComponent("queue"),
	}
}

func (q *RedisQueue) CancelChannel() string { return q.prefix + ":cancel" }

func (q *RedisQueue) EventsChannel() string { return q.prefix + ":events" }

// Push enqueues a job id.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.queueName, jobID).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.push", "failed to enqueue job")
	}
	return nil
}

// Pop blocks for up to timeout waiting for a job id. It returns "" when the
// wait timed out.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.WrapWithCode(ctx.Err(), errors.CodeCancelled, "queue.pop", "queue wait cancelled")
		}
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "queue.pop", "failed to read queue")
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// PublishCancel asks every worker to cancel jobID. It returns the number of
// workers that received the request.
func (q *RedisQueue) PublishCancel(ctx context.Context, jobID string) (int64, error) {
	n, err := q.rdb.Publish(ctx, q.CancelChannel(), jobID).Result()
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeUnavailable, "queue.cancel", "failed to publish cancel request")
	}
	return n, nil
}

// SubscribeCancel calls fn for every cancel request until ctx is done.
func (q *RedisQueue) SubscribeCancel(ctx context.Context, fn func(jobID string)) error {
	return q.listen(ctx, q.CancelChannel(), func(payload string) {
		fn(payload)
	})
}

// Publish implements events.Publisher by relaying e to every API replica.
// Relay failures are logged: the status store remains authoritative.
func (q *RedisQueue) Publish(e events.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		q.log.Warn("failed to encode job event", "job_id", e.Job.ID, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.Publish(ctx, q.EventsChannel(), b).Err(); err != nil {
		q.log.Warn("failed to relay job event", "job_id", e.Job.ID, "error", err.Error())
	}
}

// ForwardEvents republishes relayed job events into pub until ctx is done.
func (q *RedisQueue) ForwardEvents(ctx context.Context, pub events.Publisher) error {
	return q.listen(ctx, q.EventsChannel(), func(payload string) {
		var e events.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			q.log.Warn("dropping malformed job event", "error", err.Error())
			return
		}
		pub.Publish(e)
	})
}

func (q *RedisQueue) listen(ctx context.Context, channel string, fn func(payload string)) error {
	sub := q.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.subscribe", "failed to subscribe to "+channel)
	}
	q.log.Debug("subscribed", "channel", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Ping reports whether Redis answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
