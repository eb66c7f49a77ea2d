package backends

import (
	"io"
	"log/slog"
	"time"

	"github.com/richardartoul/lockedcache/pkg/store"
)

// Debug wraps any store.Store and traces every call.
// This allows any store implementation to have debug logging without
// coupling the debug logic to the store implementation.
type Debug struct {
	store  store.Store
	logger *slog.Logger
}

var _ store.Store = (*Debug)(nil)

// NewDebug creates a new debug wrapper around an existing store.
func NewDebug(s store.Store, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Debug{
		store:  s,
		logger: logger.With("store", s.Dir()),
	}
}

func (d *Debug) Dir() string {
	return d.store.Dir()
}

func (d *Debug) Path(key string) string {
	return d.store.Path(key)
}

func (d *Debug) LockPath(key string) string {
	return d.store.LockPath(key)
}

// Stat reports the artifact's timestamp with debug logging.
func (d *Debug) Stat(key string) (time.Time, bool, error) {
	modTime, exists, err := d.store.Stat(key)
	switch {
	case err != nil:
		d.logger.Debug("Stat: ERROR", "key", key, "error", err)
	case !exists:
		d.logger.Debug("Stat: MISS", "key", key)
	default:
		d.logger.Debug("Stat: HIT", "key", key, "modTime", modTime, "age", time.Since(modTime))
	}
	return modTime, exists, err
}

// Open reads the artifact with debug logging.
func (d *Debug) Open(key string) (io.ReadCloser, error) {
	r, err := d.store.Open(key)
	if err != nil {
		d.logger.Debug("Open: ERROR", "key", key, "error", err)
		return nil, err
	}
	d.logger.Debug("Open", "key", key, "path", d.store.Path(key))
	return r, nil
}

// Publish replaces the artifact with debug logging.
func (d *Debug) Publish(key string, write func(tmpPath string) error) error {
	d.logger.Debug("Publish: start", "key", key)
	start := time.Now()

	err := d.store.Publish(key, func(tmpPath string) error {
		d.logger.Debug("Publish: writing", "key", key, "tmpPath", tmpPath)
		return write(tmpPath)
	})
	if err != nil {
		d.logger.Debug("Publish: ERROR", "key", key, "error", err, "duration", time.Since(start))
		return err
	}

	d.logger.Debug("Publish: stored", "key", key, "path", d.store.Path(key), "duration", time.Since(start))
	return nil
}

// Invalidate stamps the artifact stale with debug logging.
func (d *Debug) Invalidate(key string) error {
	err := d.store.Invalidate(key)
	if err != nil {
		d.logger.Debug("Invalidate: ERROR", "key", key, "error", err)
		return err
	}
	d.logger.Debug("Invalidate", "key", key)
	return nil
}
