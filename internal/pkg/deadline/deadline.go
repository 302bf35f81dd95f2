// Package deadline derives contexts whose timeout is independent of the
// caller's deadline while still honoring the caller's cancellation.
package deadline

import (
	"context"
	"errors"
	"time"
)

// Independent returns a context that expires after d regardless of any
// deadline on parent, but is cancelled as soon as parent is cancelled
// explicitly. Values from parent are preserved.
func Independent(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d)
	stop := context.AfterFunc(parent, func() {
		// A parent deadline does not shorten the attempt; only an explicit
		// cancellation does.
		if errors.Is(parent.Err(), context.Canceled) {
			cancel()
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// Cause classifies why ctx ended once an operation under it failed. It
// returns context.Canceled when parent was cancelled, context.DeadlineExceeded
// when the independent timeout fired, and nil when ctx is still live.
func Cause(parent, ctx context.Context) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return context.Canceled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return context.Canceled
	}
	return nil
}
