package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/richardartoul/lockedcache/backends"
	"github.com/richardartoul/lockedcache/pkg/attemptlog"
	"github.com/richardartoul/lockedcache/pkg/cache"
	"github.com/richardartoul/lockedcache/pkg/config"
	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/metrics"
	"github.com/richardartoul/lockedcache/pkg/remote"
	"github.com/richardartoul/lockedcache/pkg/store"
)

// Backend is everything the command surface can ask of the caches.
// The serve loop and the one-shot commands both drive it.
type Backend interface {
	// CheckMembership answers whether jobID is live.
	CheckMembership(ctx context.Context, jobID string) (cache.Membership, error)

	// Build returns the artifact for image, building it if needed.
	Build(ctx context.Context, image string) (cache.ArtifactHandle, error)

	// Invalidate marks key stale in the named instance ("status" or "build").
	Invalidate(ctx context.Context, instance, key string) error

	// Submit runs the scheduler submit command with args appended.
	Submit(ctx context.Context, args []string) executor.Attempt

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

type backendOptions struct {
	debug  bool
	logger *slog.Logger
}

// caches is the Backend over a status and a build cache sharing one root
// directory.
type caches struct {
	status    *cache.StatusCache
	build     *cache.BuildCache
	buildFn   cache.BuildFunc
	collector *metrics.Collector
	logger    *slog.Logger
}

var _ Backend = (*caches)(nil)

func newCaches(ctx context.Context, cfg config.Config, opts backendOptions) (*caches, error) {
	logger := opts.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	publishOpts, err := cfg.PublishOptions()
	if err != nil {
		return nil, err
	}
	publishOpts.Logger = logger

	statusPolicy, err := cfg.Status.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid status policy: %w", err)
	}
	buildPolicy, err := cfg.Build.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid build policy: %w", err)
	}

	openStore := func(dir string) (store.Store, *attemptlog.Log, error) {
		fs, err := store.NewFS(dir, store.FSOptions{Publish: publishOpts, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open cache directory: %w", err)
		}
		var log *attemptlog.Log
		if !cfg.AttemptLog.Disabled {
			log = attemptlog.New(dir, attemptlog.Options{LockWait: cfg.AttemptLog.LockWait, Logger: logger})
		}
		if opts.debug {
			return backends.NewDebug(fs, logger), log, nil
		}
		return fs, log, nil
	}

	statusStore, statusLog, err := openStore(cfg.StatusDir())
	if err != nil {
		return nil, err
	}
	buildStore, buildLog, err := openStore(cfg.BuildDir())
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	var mirror cache.Mirror
	if s3Opts, ok := cfg.S3Options(); ok {
		s3Opts.Logger = logger
		m, err := remote.NewS3Mirror(ctx, s3Opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create build mirror: %w", err)
		}
		mirror = m
	}

	status := cache.NewStatusCache(cache.StatusConfig{
		Store:             statusStore,
		Policy:            statusPolicy,
		QueryCommand:      executor.NewCommand(cfg.Status.QueryCommand...),
		AbsentMarkers:     cfg.Status.AbsentMarkers,
		ErrorMarkers:      cfg.Status.ErrorMarkers,
		ListingKey:        cfg.Status.ListingKey,
		SubmitCommand:     executor.NewCommand(cfg.Status.SubmitCommand...),
		SubmitMaxAttempts: cfg.Status.SubmitMaxAttempts,
		SubmitBackoff:     cfg.Status.SubmitBackoff(),
		SubmitJitter:      cfg.Status.SubmitJitter,
		Log:               statusLog,
		Logger:            logger,
		Observer:          collector,
	})

	build := cache.NewBuildCache(cache.BuildConfig{
		Store:         buildStore,
		Policy:        buildPolicy,
		AbsentMarkers: cfg.Build.AbsentMarkers,
		ErrorMarkers:  cfg.Build.ErrorMarkers,
		Mirror:        mirror,
		Log:           buildLog,
		Logger:        logger,
		Observer:      collector,
	})

	return &caches{
		status:    status,
		build:     build,
		buildFn:   build.CommandBuild(executor.NewCommand(cfg.Build.BuildCommand...)),
		collector: collector,
		logger:    logger,
	}, nil
}

func (c *caches) CheckMembership(ctx context.Context, jobID string) (cache.Membership, error) {
	return c.status.CheckMembership(ctx, jobID)
}

func (c *caches) Build(ctx context.Context, image string) (cache.ArtifactHandle, error) {
	return c.build.GetOrBuild(ctx, image, c.buildFn)
}

func (c *caches) Invalidate(ctx context.Context, instance, key string) error {
	switch instance {
	case "status":
		return c.status.Invalidate(ctx, key)
	case "build":
		return c.build.Invalidate(ctx, key)
	default:
		return fmt.Errorf("unknown cache instance %q (want status or build)", instance)
	}
}

func (c *caches) Submit(ctx context.Context, args []string) executor.Attempt {
	return c.status.Submit(ctx, args)
}

// Close logs the latency quantiles gathered during the process lifetime.
func (c *caches) Close() error {
	if summary := c.collector.Latency().Summary(); summary != "" {
		c.logger.Info("latency summary", "stats", strings.TrimRight(summary, "\n"))
	}
	return nil
}
