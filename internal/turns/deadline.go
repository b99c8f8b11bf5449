package turns

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline is returned by Await when the bound elapses first.
var ErrDeadline = errors.New("deadline exceeded")

// Await waits for a value on ch for at most d. It only abandons the wait:
// whatever produces ch keeps running and may still deliver later.
func Await[T any](ctx context.Context, ch <-chan T, d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return zero, ErrDeadline
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
