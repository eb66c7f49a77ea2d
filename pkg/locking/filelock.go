package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is how often a contended file lock is re-polled.
const DefaultRetryDelay = 100 * time.Millisecond

// FileLock is a Group implementation backed by advisory flock(2) locks on one
// lock file per key. It serializes every process sharing the filesystem,
// including processes on other hosts when the filesystem propagates flock.
// The kernel drops the lock when the holder dies, so a crashed writer never
// wedges the cache.
//
// Lock files are never removed: deleting one while another process waits on
// it would let two holders lock different inodes for the same key.
type FileLock struct {
	pathFor    func(key string) string
	retryDelay time.Duration
	perm       os.FileMode
	logger     *slog.Logger
}

// FileLockOptions configures a FileLock.
type FileLockOptions struct {
	// RetryDelay is the poll interval while the lock is held elsewhere.
	RetryDelay time.Duration
	// Perm is the mode lock files are created with (before umask). Shared
	// multi-user caches need group/other write access.
	Perm   os.FileMode
	Logger *slog.Logger
}

// NewFileLock creates a FileLock. pathFor maps a key to its lock file.
func NewFileLock(pathFor func(key string) string, opts FileLockOptions) *FileLock {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Perm == 0 {
		opts.Perm = 0o666
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &FileLock{
		pathFor:    pathFor,
		retryDelay: opts.RetryDelay,
		perm:       opts.Perm,
		logger:     opts.Logger,
	}
}

func (l *FileLock) DoWithLock(ctx context.Context, key string, timeout time.Duration, fn func() (interface{}, error)) (v interface{}, err error) {
	path := l.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path, flock.SetPermissions(l.perm))

	waitCtx, cancel := acquireContext(ctx, timeout)
	defer cancel()

	start := time.Now()
	locked, err := fl.TryLockContext(waitCtx, l.retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		l.logger.Debug("lock wait gave up",
			"key", key,
			"path", path,
			"waited", time.Since(start))
		return nil, waitError(ctx, key, timeout)
	}
	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			l.logger.Warn("failed to release lock",
				"key", key,
				"path", path,
				"error", unlockErr)
		}
	}()

	l.logger.Debug("lock acquired",
		"key", key,
		"path", path,
		"waited", time.Since(start))

	return fn()
}
