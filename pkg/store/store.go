package store

import (
	"io"
	"strings"
	"time"
)

// Store is the cache store capability: a directory of artifacts addressed by
// key. Every component takes a Store explicitly instead of reaching for global
// paths.
type Store interface {
	// Stat returns the artifact's freshness timestamp and whether it exists.
	Stat(key string) (modTime time.Time, exists bool, err error)

	// Open returns a reader for the artifact's current content.
	Open(key string) (io.ReadCloser, error)

	// Path returns where the artifact for key lives (or would live).
	// Does not check if the artifact exists.
	Path(key string) string

	// LockPath returns the lock file guarding writers of key.
	LockPath(key string) string

	// Publish atomically replaces the artifact for key with whatever write
	// leaves at tmpPath. On failure the previous artifact is untouched.
	Publish(key string, write func(tmpPath string) error) error

	// Invalidate stamps the artifact as stale so the next staleness check
	// refreshes it. Invalidating an absent artifact is a no-op.
	Invalidate(key string) error

	// Dir is the directory holding the artifacts, lock files and the
	// attempt log.
	Dir() string
}

// Canonicalize makes key safe to embed in a file name by replacing every
// character outside [A-Za-z0-9._-] with '_'.
func Canonicalize(key string) string {
	if key == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	// "." and ".." would resolve to directories.
	if out == "." || out == ".." {
		return strings.Repeat("_", len(out))
	}
	return out
}
