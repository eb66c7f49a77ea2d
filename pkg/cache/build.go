package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/richardartoul/lockedcache/pkg/attemptlog"
	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/locking"
	"github.com/richardartoul/lockedcache/pkg/staleness"
	"github.com/richardartoul/lockedcache/pkg/store"
)

// Mirror is a remote tier for built artifacts, consulted before building and
// fed after a successful build. remote.S3Mirror implements it.
type Mirror interface {
	// Fetch downloads the artifact for key to dstPath. It reports false
	// (and no error) when the mirror does not have it.
	Fetch(ctx context.Context, key, dstPath string) (bool, error)
	// Upload stores the artifact at srcPath under key.
	Upload(ctx context.Context, key, srcPath string) error
}

// BuildFunc produces the artifact for key at outputPath. It must report the
// outcome of the underlying operation; anything but executor.Success
// discards outputPath.
type BuildFunc func(ctx context.Context, key, outputPath string) executor.Attempt

// ArtifactHandle points at a built artifact.
type ArtifactHandle struct {
	Key        string
	Path       string
	ModTime    time.Time
	Resolution Resolution
	// Stale is set when a stale artifact was served as a fallback.
	Stale bool
}

// BuildConfig configures a BuildCache.
type BuildConfig struct {
	Store store.Store
	// Locks defaults to a FileLock on Store.LockPath.
	Locks  locking.Group
	Clock  staleness.Clock
	Policy Policy
	// Runner runs build commands created with CommandBuild; defaults to
	// executor.ExecRunner.
	Runner executor.Runner
	// AbsentMarkers and ErrorMarkers classify build failures; everything
	// else that fails is retried.
	AbsentMarkers []string
	ErrorMarkers  []string
	// Mirror is optional.
	Mirror Mirror

	Log      *attemptlog.Log
	Logger   *slog.Logger
	Observer Observer
}

// BuildCache prevents duplicate, concurrent and redundant builds of the
// same artifact across every process sharing the cache directory.
type BuildCache struct {
	core   *core
	exec   *executor.Executor
	mirror Mirror
}

// NewBuildCache creates a BuildCache.
func NewBuildCache(cfg BuildConfig) *BuildCache {
	c := newCore("build", cfg.Store, cfg.Locks, cfg.Clock, cfg.Policy, cfg.Logger, cfg.Observer)
	exec := executor.New(executor.Config{
		Instance:    "build",
		Runner:      cfg.Runner,
		Classifier:  executor.MarkerClassifier(cfg.AbsentMarkers, cfg.ErrorMarkers),
		MaxAttempts: cfg.Policy.MaxAttempts,
		Backoff:     cfg.Policy.Backoff,
		Log:         cfg.Log,
		Logger:      c.logger,
		Observer:    c.observer,
	})
	return &BuildCache{core: c, exec: exec, mirror: cfg.Mirror}
}

// CommandBuild returns a BuildFunc running template through the cache's
// retrying executor. Placeholders: {key}, {canonical}, {output}.
func (b *BuildCache) CommandBuild(template executor.Command) BuildFunc {
	return func(ctx context.Context, key, outputPath string) executor.Attempt {
		cmd := template.Expand(map[string]string{
			"key":       key,
			"canonical": store.Canonicalize(key),
			"output":    outputPath,
		})
		return b.exec.Run(ctx, key, cmd)
	}
}

// GetOrBuild returns the artifact for key, building it first if it is stale.
//
// Build failures always surface as a *RefreshError carrying the build's
// diagnostics. With the AssumeOK disposition a stale artifact that still
// exists is served instead of failing; an absent artifact always fails.
func (b *BuildCache) GetOrBuild(ctx context.Context, key string, build BuildFunc) (ArtifactHandle, error) {
	start := time.Now()

	res, err := b.core.ensureFresh(ctx, key, func(ctx context.Context) (executor.Attempt, error) {
		return b.rebuild(ctx, key, build)
	})
	if err == nil {
		h, statErr := b.handle(key, res)
		if statErr != nil {
			b.core.answer(AnsweredError, start)
			return ArtifactHandle{}, statErr
		}
		b.core.answer(res, start)
		return h, nil
	}

	if ctx.Err() != nil {
		b.core.answer(AnsweredError, start)
		return ArtifactHandle{}, err
	}

	d := b.core.policy.OnRefreshFailure
	if errors.Is(err, locking.ErrLockTimeout) {
		d = b.core.policy.OnLockTimeout
	}
	if d == AssumeOK {
		if h, ok := b.staleHandle(key); ok {
			b.core.logger.Warn("serving stale artifact",
				"key", key,
				"path", h.Path,
				"error", err)
			b.core.answer(AnsweredFromFallback, start)
			return h, nil
		}
	}

	b.core.logger.Error("failed to get or build artifact", "key", key, "error", err)
	b.core.answer(AnsweredError, start)
	return ArtifactHandle{}, err
}

// Invalidate forces the next GetOrBuild of key to rebuild.
func (b *BuildCache) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.core.invalidate(key)
}

func (b *BuildCache) rebuild(ctx context.Context, key string, build BuildFunc) (executor.Attempt, error) {
	var (
		attempt    executor.Attempt
		fromMirror bool
	)
	errNotBuilt := errors.New("build did not succeed")

	pubErr := b.core.store.Publish(key, func(tmpPath string) error {
		if b.mirror != nil {
			fetchStart := time.Now()
			hit, err := b.mirror.Fetch(ctx, key, tmpPath)
			switch {
			case err != nil:
				b.core.logger.Warn("failed to fetch artifact from mirror, building", "key", key, "error", err)
			case hit:
				fromMirror = true
				attempt = executor.Attempt{
					ID:       uuid.NewString(),
					Index:    1,
					Start:    fetchStart,
					Duration: time.Since(fetchStart),
					Outcome:  executor.Success,
				}
				b.exec.Record(key, attempt)
				return nil
			}
		}

		attempt = build(ctx, key, tmpPath)
		if attempt.Outcome != executor.Success {
			return errNotBuilt
		}
		return nil
	})

	if attempt.Outcome != executor.Success {
		// The command's own outcome explains the failure.
		return attempt, nil
	}
	if pubErr != nil {
		return attempt, fmt.Errorf("failed to publish artifact: %w", pubErr)
	}

	if b.mirror != nil && !fromMirror {
		if err := b.mirror.Upload(ctx, key, b.core.store.Path(key)); err != nil {
			b.core.logger.Warn("failed to upload artifact to mirror", "key", key, "error", err)
		}
	}
	if fromMirror {
		b.core.logger.Info("restored artifact from mirror", "key", key)
	}
	return attempt, nil
}

func (b *BuildCache) handle(key string, res Resolution) (ArtifactHandle, error) {
	modTime, exists, err := b.core.store.Stat(key)
	if err != nil {
		return ArtifactHandle{}, err
	}
	if !exists {
		// Pruned between publish and stat; the caller may simply retry.
		return ArtifactHandle{}, fmt.Errorf("artifact for %q vanished after publish", key)
	}
	return ArtifactHandle{
		Key:        key,
		Path:       b.core.store.Path(key),
		ModTime:    modTime,
		Resolution: res,
	}, nil
}

func (b *BuildCache) staleHandle(key string) (ArtifactHandle, bool) {
	modTime, exists, err := b.core.store.Stat(key)
	if err != nil || !exists {
		return ArtifactHandle{}, false
	}
	return ArtifactHandle{
		Key:        key,
		Path:       b.core.store.Path(key),
		ModTime:    modTime,
		Resolution: AnsweredFromFallback,
		Stale:      true,
	}, true
}
