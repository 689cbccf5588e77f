package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
)

// Signal is an auto-reset event: Set wakes one waiter, or the next one if
// nobody is waiting, and repeated Sets before a Wait collapse into one.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set marks the signal. It never blocks.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait consumes the signal, blocking until it is set, ctx is done or
// timeout elapses. A non-positive timeout waits on ctx alone.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-s.ch:
		return nil
	case <-expired:
		return errspkg.ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
