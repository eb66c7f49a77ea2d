package cache

import (
	"fmt"
	"time"

	"github.com/richardartoul/lockedcache/pkg/executor"
)

// Disposition says what to answer when the cache cannot be refreshed.
type Disposition int

const (
	// AssumeOK answers optimistically: Unknown for membership, the stale
	// artifact (if any) for builds.
	AssumeOK Disposition = iota
	// Fail surfaces the error to the caller.
	Fail
)

func (d Disposition) String() string {
	switch d {
	case AssumeOK:
		return "assume_ok"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// ParseDisposition parses "assume_ok" or "fail".
func ParseDisposition(s string) (Disposition, error) {
	switch s {
	case "assume_ok", "":
		return AssumeOK, nil
	case "fail":
		return Fail, nil
	default:
		return 0, fmt.Errorf("unknown disposition %q (want assume_ok or fail)", s)
	}
}

// Policy is the tuning of one cache instance.
type Policy struct {
	// TTL is the max age before a refresh is attempted. Non-positive means
	// artifacts only go stale by invalidation or removal.
	TTL time.Duration
	// LockTimeout bounds the wait for the per-key writer lock.
	LockTimeout time.Duration
	// MaxAttempts is the retry ceiling for the external command.
	MaxAttempts int
	// Backoff is the wait after each transient failure.
	Backoff executor.BackoffFunc
	// OnLockTimeout applies when the lock could not be acquired in time.
	OnLockTimeout Disposition
	// OnRefreshFailure applies when the external command did not succeed.
	OnRefreshFailure Disposition
}
