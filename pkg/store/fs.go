package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/richardartoul/lockedcache/pkg/publish"
	"github.com/richardartoul/lockedcache/pkg/staleness"
)

// FS is a Store backed by a directory on a (possibly shared) filesystem.
//
// Layout:
//
//	{dir}/
//	  {canonical key}{suffix}   artifact
//	  {canonical key}.lock      writer lock
//	  attempts.log              shared attempt log
type FS struct {
	dir     string // Absolute path to the cache directory
	suffix  string
	publish publish.Options
	logger  *slog.Logger
}

// FSOptions configures an FS store.
type FSOptions struct {
	// Suffix is appended to the canonical key to form the artifact name.
	Suffix string
	// Publish controls permission normalization of published artifacts.
	Publish publish.Options
	Logger  *slog.Logger
}

// NewFS creates the cache directory if needed and returns a store rooted at it.
func NewFS(dir string, opts FSOptions) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Publish.Logger == nil {
		opts.Publish.Logger = logger
	}

	return &FS{
		dir:     absDir,
		suffix:  opts.Suffix,
		publish: opts.Publish,
		logger:  logger,
	}, nil
}

func (s *FS) Dir() string {
	return s.dir
}

func (s *FS) Path(key string) string {
	return filepath.Join(s.dir, Canonicalize(key)+s.suffix)
}

func (s *FS) LockPath(key string) string {
	return filepath.Join(s.dir, Canonicalize(key)+".lock")
}

func (s *FS) Stat(key string) (time.Time, bool, error) {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Absence is equivalent to fully stale.
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.ModTime(), true, nil
}

func (s *FS) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

func (s *FS) Publish(key string, write func(tmpPath string) error) error {
	return publish.PublishWithOptions(s.Path(key), s.publish, write)
}

func (s *FS) Invalidate(key string) error {
	path := s.Path(key)
	err := os.Chtimes(path, staleness.Invalidated(), staleness.Invalidated())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to invalidate artifact: %w", err)
	}
	s.logger.Debug("invalidated artifact", "key", key, "path", path)
	return nil
}
