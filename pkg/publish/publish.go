package publish

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrPublish wraps every failure returned by Publish. The underlying cause is
// kept in the chain.
var ErrPublish = errors.New("publish failed")

// Options controls post-publish normalization of the artifact.
type Options struct {
	// Mode, if non-zero, is applied to the artifact after the rename so that
	// other users sharing the cache directory can read (and rebuild) it.
	Mode fs.FileMode
	// Group, if >= 0, is the gid the artifact is chowned to after the rename.
	Group int
	// Logger receives normalization warnings. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions performs no normalization.
func DefaultOptions() Options {
	return Options{Group: -1}
}

// Publish atomically replaces target with the content produced by write.
//
// write receives the path of a freshly created, empty temporary file in the
// same directory as target. The temporary file is renamed onto target only if
// write succeeds; otherwise it is removed and target is left untouched.
func Publish(target string, write func(tmpPath string) error) error {
	return PublishWithOptions(target, DefaultOptions(), write)
}

// PublishWithOptions is Publish with permission normalization.
func PublishWithOptions(target string, opts Options, write func(tmpPath string) error) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %w", ErrPublish, dir, err)
	}

	// Same directory as target so the rename never crosses filesystems.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", ErrPublish, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to close temp file: %w", ErrPublish, err)
	}

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmpPath); err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", ErrPublish, target, err)
	}

	if err := syncFile(tmpPath); err != nil {
		return fmt.Errorf("%w: failed to sync temp file: %w", ErrPublish, err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("%w: failed to rename into place: %w", ErrPublish, err)
	}
	committed = true

	normalize(target, opts)
	return nil
}

// PublishBytes atomically replaces target with data.
func PublishBytes(target string, data []byte, opts Options) error {
	return PublishWithOptions(target, opts, func(tmpPath string) error {
		return os.WriteFile(tmpPath, data, 0o644)
	})
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// normalize relaxes ownership so cooperating users can reuse the artifact.
// The artifact is already published, so failures only warn.
func normalize(target string, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if opts.Mode != 0 {
		if err := os.Chmod(target, opts.Mode); err != nil {
			logger.Warn("failed to normalize artifact permissions",
				"path", target,
				"mode", opts.Mode.String(),
				"error", err)
		}
	}
	if opts.Group >= 0 {
		if err := os.Lchown(target, -1, opts.Group); err != nil {
			logger.Warn("failed to normalize artifact group",
				"path", target,
				"gid", opts.Group,
				"error", err)
		}
	}
}
