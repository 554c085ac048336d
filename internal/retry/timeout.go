package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is wrapped by every error returned from WithTimeout when the
// timer wins the race.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout races fn against a timer of length d. fn receives a context
// that is cancelled when the timer fires, but WithTimeout does not wait for
// fn to notice. msg, when non-empty, replaces the default error text.
func WithTimeout[T any](ctx context.Context, d time.Duration, msg string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		if msg == "" {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, fmt.Errorf("%w: %s", ErrTimeout, msg)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
