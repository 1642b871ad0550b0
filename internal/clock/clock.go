// Package clock abstracts the time operations the orchestrator depends on
// (deadline timers and retry delays) so tests can drive them
// deterministically.
package clock

import (
	"context"
	"time"
)

// Timer is a scheduled callback that can be disarmed.
type Timer interface {
	// Stop prevents the timer from firing. It reports false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock is injected wherever production code would call time.Now,
// time.AfterFunc or time.Sleep.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep waits for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
