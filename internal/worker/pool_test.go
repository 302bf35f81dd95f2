package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/pkg/errors"
)

// blockingProcessor holds each job until its context ends or release is
// closed.
type blockingProcessor struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32

	mu        sync.Mutex
	cancelled []string
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{release: make(chan struct{})}
}

func (b *blockingProcessor) ProcessJob(ctx context.Context, jobID string) error {
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.cancelled = append(b.cancelled, jobID)
		b.mu.Unlock()
		return errors.Cancelled("job")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	proc := newBlockingProcessor()
	pool := NewPool(context.Background(), proc, 2, nil)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, pool.Submit(id))
	}
	require.Eventually(t, func() bool { return proc.running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, pool.Active(), "waiting jobs count as active")

	close(proc.release)
	pool.Wait()
	assert.EqualValues(t, 2, proc.peak.Load())
	assert.Zero(t, pool.Active())
}

func TestPoolRejectsDuplicate(t *testing.T) {
	proc := newBlockingProcessor()
	pool := NewPool(context.Background(), proc, 1, nil)
	require.NoError(t, pool.Submit("a"))
	assert.True(t, errors.IsCode(pool.Submit("a"), errors.CodeAlreadyExists))
	close(proc.release)
	pool.Wait()
}

func TestPoolCancel(t *testing.T) {
	proc := newBlockingProcessor()
	pool := NewPool(context.Background(), proc, 1, nil)
	require.NoError(t, pool.Submit("running"))
	require.NoError(t, pool.Submit("waiting"))
	require.Eventually(t, func() bool { return proc.running.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, pool.Cancel("waiting"), "jobs waiting for a slot can be cancelled")
	assert.True(t, pool.Cancel("running"))
	assert.False(t, pool.Cancel("unknown"))
	pool.Wait()

	assert.ElementsMatch(t, []string{"running", "waiting"}, proc.cancelled)
}

func TestPoolWaitForSlot(t *testing.T) {
	proc := newBlockingProcessor()
	pool := NewPool(context.Background(), proc, 1, nil)
	require.NoError(t, pool.WaitForSlot(context.Background()))
	require.NoError(t, pool.Submit("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.True(t, errors.IsCancelled(pool.WaitForSlot(ctx)))

	got := make(chan error, 1)
	go func() { got <- pool.WaitForSlot(context.Background()) }()
	close(proc.release)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("slot never freed")
	}
}

func TestPoolShutdown(t *testing.T) {
	proc := newBlockingProcessor()
	pool := NewPool(context.Background(), proc, 2, nil)
	require.NoError(t, pool.Submit("a"))
	require.NoError(t, pool.Submit("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.Len(t, proc.cancelled, 2)
	assert.Error(t, pool.Submit("c"))
}

func TestInlineDispatcher(t *testing.T) {
	proc := newBlockingProcessor()
	d := NewInlineDispatcher(NewPool(context.Background(), proc, 1, nil))
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "a"))
	ok, err := d.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	d.pool.Wait()
	ok, _ = d.Cancel(ctx, "a")
	assert.False(t, ok)
}
