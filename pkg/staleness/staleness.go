package staleness

import "time"

// Invalidated returns the timestamp stamped onto an artifact to force the
// next staleness check to report stale, regardless of TTL. It is the Unix
// epoch.
func Invalidated() time.Time {
	return time.Unix(0, 0)
}

// Clock provides the current time. It is injected so tests can move time
// without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by time.Now.
type SystemClock struct{}

// Now returns the wall clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// IsStale reports whether an artifact last modified at ts must be refreshed.
//
// An absent artifact is always stale, as is one stamped at or before
// the epoch. A non-positive ttl means the artifact never expires on age
// alone.
func IsStale(ts time.Time, exists bool, now time.Time, ttl time.Duration) bool {
	if !exists {
		return true
	}
	if !ts.After(Invalidated()) {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return now.Sub(ts) > ttl
}
