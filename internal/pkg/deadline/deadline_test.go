package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIndependentOutlivesParentDeadline(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelParent()

	ctx, cancel := Independent(parent, time.Second)
	defer cancel()

	<-parent.Done()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, ctx.Err(), "parent deadline must not end the attempt")
	assert.Nil(t, Cause(parent, ctx))
}

func TestIndependentHonorsCancellation(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := Independent(parent, time.Minute)
	defer cancel()

	cancelParent()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancellation was not propagated")
	}
	assert.ErrorIs(t, Cause(parent, ctx), context.Canceled)
}

func TestIndependentTimesOut(t *testing.T) {
	parent := context.Background()
	ctx, cancel := Independent(parent, 5*time.Millisecond)
	defer cancel()

	<-ctx.Done()
	assert.ErrorIs(t, Cause(parent, ctx), context.DeadlineExceeded)
}

func TestIndependentKeepsValues(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "job-1")
	ctx, cancel := Independent(parent, time.Second)
	defer cancel()
	assert.Equal(t, "job-1", ctx.Value(key{}))
}
