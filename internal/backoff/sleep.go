package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAborted is returned when a backoff sleep is cancelled before the
// timer fires.
var ErrAborted = errors.New("backoff: aborted")

// Sleep waits out the delay for the given attempt, honoring cancellation.
// Returns ErrAborted immediately when ctx is done.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	return SleepFor(ctx, Delay(p, attempt))
}

// SleepFor waits for d, honoring cancellation.
func SleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return ErrAborted
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrAborted
	case <-t.C:
		return nil
	}
}
