package locking

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned (wrapped) when a lock could not be acquired
// within the caller's timeout. The guarded function is not run.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given
	// key. It waits at most timeout for the lock (a non-positive timeout waits
	// until ctx is done) and releases the lock on every exit path.
	DoWithLock(ctx context.Context, key string, timeout time.Duration, fn func() (interface{}, error)) (v interface{}, err error)
}

// acquireContext derives the context bounding a lock wait.
func acquireContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// waitError converts the end of a lock wait into ErrLockTimeout, unless the
// parent context was cancelled, which is an interrupt and is propagated as is.
func waitError(parent context.Context, key string, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return &TimeoutError{Key: key, Timeout: timeout}
}

// TimeoutError describes a lock wait that ran out of time.
type TimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "timed out after " + e.Timeout.String() + " waiting for lock on " + e.Key
}

func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}
