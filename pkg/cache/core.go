// Package cache composes the lock, staleness, publish and executor pieces
// into the two cache instances: the job status cache and the image build
// cache. Both share one state machine:
//
//	Fresh -> AwaitingLock -> DoubleCheckFresh | Refreshing -> Published | FailedFallback
//
// and differ only in what the artifact is and how failures are answered.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/locking"
	"github.com/richardartoul/lockedcache/pkg/staleness"
	"github.com/richardartoul/lockedcache/pkg/store"
)

// Resolution is how a façade call was answered.
type Resolution int

const (
	AnsweredFromCache Resolution = iota
	AnsweredFromRefresh
	AnsweredFromFallback
	AnsweredError
)

func (r Resolution) String() string {
	switch r {
	case AnsweredFromCache:
		return "answered_from_cache"
	case AnsweredFromRefresh:
		return "answered_from_refresh"
	case AnsweredFromFallback:
		return "answered_from_fallback"
	case AnsweredError:
		return "answered_error"
	default:
		return "unknown"
	}
}

// Observer receives façade metrics. metrics.Collector implements it.
type Observer interface {
	executor.Observer
	ObserveAnswer(instance, resolution string)
	ObserveLockWait(instance string, d time.Duration)
	ObserveRefresh(instance string, d time.Duration)
	ObserveCheck(instance string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveAttempt(string, string, time.Duration) {}
func (noopObserver) ObserveAnswer(string, string)                 {}
func (noopObserver) ObserveLockWait(string, time.Duration)        {}
func (noopObserver) ObserveRefresh(string, time.Duration)         {}
func (noopObserver) ObserveCheck(string, time.Duration)           {}

// RefreshError reports a refresh that did not produce a new artifact. The
// external command's diagnostics are kept verbatim.
type RefreshError struct {
	Instance string
	Key      string
	Attempt  executor.Attempt
	// Err is the cause when the failure was not the command's (publish I/O,
	// interrupt).
	Err error
}

func (e *RefreshError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to refresh %s cache for %q: %s (exit %d) after %d attempt(s)",
		e.Instance, e.Key, e.Attempt.Outcome, e.Attempt.ExitCode, e.Attempt.Index)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimRight(string(e.Attempt.Stderr), "\n"); stderr != "" {
		b.WriteString(":\n")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// refreshFunc runs the external operation and publishes on success. The
// error is non-nil only when publishing itself failed.
type refreshFunc func(ctx context.Context) (executor.Attempt, error)

// core is the state machine shared by both cache instances.
type core struct {
	instance string
	store    store.Store
	locks    locking.Group
	clock    staleness.Clock
	policy   Policy
	logger   *slog.Logger
	observer Observer

	// Coalesces callers in this process; the file lock covers the rest.
	flight singleflight.Group
}

func newCore(instance string, st store.Store, locks locking.Group, clock staleness.Clock, policy Policy, logger *slog.Logger, observer Observer) *core {
	if locks == nil {
		locks = locking.NewFileLock(st.LockPath, locking.FileLockOptions{Logger: logger})
	}
	if clock == nil {
		clock = staleness.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &core{
		instance: instance,
		store:    st,
		locks:    locks,
		clock:    clock,
		policy:   policy,
		logger:   logger.With("instance", instance),
		observer: observer,
	}
}

// fresh consults the staleness oracle for key. A store error counts as
// stale so the caller goes on to refresh.
func (c *core) fresh(key string) bool {
	modTime, exists, err := c.store.Stat(key)
	if err != nil {
		c.logger.Warn("failed to stat artifact, treating as stale", "key", key, "error", err)
		return false
	}
	return !staleness.IsStale(modTime, exists, c.clock.Now(), c.policy.TTL)
}

// ensureFresh drives key to a fresh artifact. On nil error the artifact is
// fresh and the Resolution says whether it was already (AnsweredFromCache)
// or had to be refreshed (AnsweredFromRefresh). Errors wrap
// locking.ErrLockTimeout, are a *RefreshError, or are ctx errors.
//
// Callers joining an in-flight refresh stop waiting as soon as their own ctx
// is done. If the refresh they joined was interrupted by its leader's ctx,
// they start over rather than inherit that interrupt.
func (c *core) ensureFresh(ctx context.Context, key string, refresh refreshFunc) (Resolution, error) {
	for {
		if c.fresh(key) {
			return AnsweredFromCache, nil
		}

		ch := c.flight.DoChan(key, func() (interface{}, error) {
			return c.refreshLocked(ctx, key, refresh)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return AnsweredError, ctx.Err()
		case r = <-ch:
		}

		if r.Shared {
			c.logger.Debug("joined in-flight refresh", "key", key)
		}
		if r.Err == nil {
			return r.Val.(Resolution), nil
		}
		if ctx.Err() == nil && interrupted(r.Err) {
			c.logger.Info("joined refresh was interrupted, retrying", "key", key)
			continue
		}
		return AnsweredError, r.Err
	}
}

// interrupted reports whether err came from a cancelled ctx rather than from
// the refresh itself.
func interrupted(err error) bool {
	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) && refreshErr.Attempt.Outcome == executor.Interrupted {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *core) refreshLocked(ctx context.Context, key string, refresh refreshFunc) (Resolution, error) {
	waitStart := time.Now()
	v, err := c.locks.DoWithLock(ctx, key, c.policy.LockTimeout, func() (interface{}, error) {
		c.observer.ObserveLockWait(c.instance, time.Since(waitStart))

		// Another process may have refreshed while we waited.
		if c.fresh(key) {
			c.logger.Debug("artifact refreshed by another holder", "key", key)
			return AnsweredFromCache, nil
		}

		refreshStart := time.Now()
		attempt, err := refresh(ctx)
		c.observer.ObserveRefresh(c.instance, time.Since(refreshStart))

		if err != nil {
			return nil, &RefreshError{Instance: c.instance, Key: key, Attempt: attempt, Err: err}
		}
		if attempt.Outcome != executor.Success {
			return nil, &RefreshError{Instance: c.instance, Key: key, Attempt: attempt, Err: attempt.Err}
		}

		c.logger.Info("published refreshed artifact",
			"key", key,
			"attempts", attempt.Index,
			"duration", time.Since(refreshStart))
		return AnsweredFromRefresh, nil
	})
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			c.observer.ObserveLockWait(c.instance, time.Since(waitStart))
		}
		return AnsweredError, err
	}
	return v.(Resolution), nil
}

// invalidate stamps key stale so the next check refreshes it.
func (c *core) invalidate(key string) error {
	if err := c.store.Invalidate(key); err != nil {
		return fmt.Errorf("failed to invalidate %s cache for %q: %w", c.instance, key, err)
	}
	c.logger.Info("invalidated artifact", "key", key)
	return nil
}

func (c *core) answer(r Resolution, start time.Time) {
	c.observer.ObserveAnswer(c.instance, r.String())
	c.observer.ObserveCheck(c.instance, time.Since(start))
}
