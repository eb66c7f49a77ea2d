package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/richardartoul/lockedcache/pkg/attemptlog"
	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/locking"
	"github.com/richardartoul/lockedcache/pkg/staleness"
	"github.com/richardartoul/lockedcache/pkg/store"
)

// Membership is the answer to "is this job in the scheduler's listing?".
type Membership int

const (
	Unknown Membership = iota
	Present
	Absent
)

func (m Membership) String() string {
	switch m {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// DefaultListingKey names the membership artifact.
const DefaultListingKey = "jobs"

// StatusConfig configures a StatusCache.
type StatusConfig struct {
	Store store.Store
	// Locks defaults to a FileLock on Store.LockPath.
	Locks  locking.Group
	Clock  staleness.Clock
	Policy Policy
	// Runner runs the scheduler commands; defaults to executor.ExecRunner.
	Runner executor.Runner
	// QueryCommand lists live job ids, one per line.
	QueryCommand executor.Command
	// AbsentMarkers in the query's stderr end the refresh without retrying.
	// The listing is keyless, so they are answered by the failure policy,
	// never as Absent.
	AbsentMarkers []string
	// ErrorMarkers in the query's stderr are unretryable failures.
	ErrorMarkers []string
	// ListingKey names the membership artifact. Defaults to DefaultListingKey.
	ListingKey string

	// SubmitCommand is the scheduler submission command; passthrough
	// arguments are appended.
	SubmitCommand     executor.Command
	SubmitMaxAttempts int
	SubmitBackoff     executor.BackoffFunc
	// SubmitJitter is the upper bound of a random delay before submitting.
	SubmitJitter time.Duration

	Log      *attemptlog.Log
	Logger   *slog.Logger
	Observer Observer
}

// StatusCache throttles scheduler status queries: all cooperating processes
// share one cached listing of live jobs, refreshed at most once per TTL.
type StatusCache struct {
	core       *core
	exec       *executor.Executor
	submit     *executor.Executor
	query      executor.Command
	submitCmd  executor.Command
	listingKey string
	jitter     time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewStatusCache creates a StatusCache.
func NewStatusCache(cfg StatusConfig) *StatusCache {
	if cfg.ListingKey == "" {
		cfg.ListingKey = DefaultListingKey
	}
	c := newCore("status", cfg.Store, cfg.Locks, cfg.Clock, cfg.Policy, cfg.Logger, cfg.Observer)

	exec := executor.New(executor.Config{
		Instance:    "status",
		Runner:      cfg.Runner,
		Classifier:  executor.MarkerClassifier(cfg.AbsentMarkers, cfg.ErrorMarkers),
		MaxAttempts: cfg.Policy.MaxAttempts,
		Backoff:     cfg.Policy.Backoff,
		Log:         cfg.Log,
		Logger:      c.logger,
		Observer:    c.observer,
	})

	// Submission failures are not self-describing, so every non-zero exit
	// is retried.
	submit := executor.New(executor.Config{
		Instance:    "submit",
		Runner:      cfg.Runner,
		Classifier:  executor.MarkerClassifier(nil, nil),
		MaxAttempts: cfg.SubmitMaxAttempts,
		Backoff:     cfg.SubmitBackoff,
		Log:         cfg.Log,
		Logger:      c.logger,
		Observer:    c.observer,
	})

	return &StatusCache{
		core:       c,
		exec:       exec,
		submit:     submit,
		query:      cfg.QueryCommand,
		submitCmd:  cfg.SubmitCommand,
		listingKey: cfg.ListingKey,
		jitter:     cfg.SubmitJitter,
		sleep:      sleepContext,
	}
}

// CheckMembership reports whether key is in the scheduler's current listing.
//
// Uncertainty never turns into a false Absent: with the AssumeOK disposition
// a lock timeout or failed refresh answers (Unknown, nil). With Fail the
// error is returned alongside Unknown. An interrupt always returns its error.
func (s *StatusCache) CheckMembership(ctx context.Context, key string) (Membership, error) {
	start := time.Now()
	key = strings.TrimSpace(key)

	res, err := s.core.ensureFresh(ctx, s.listingKey, func(ctx context.Context) (executor.Attempt, error) {
		return s.refreshListing(ctx, key)
	})
	if err == nil {
		m, readErr := s.lookup(key)
		if readErr != nil {
			return s.fallback(start, s.core.policy.OnRefreshFailure, readErr)
		}
		s.core.answer(res, start)
		return m, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.core.answer(AnsweredError, start)
		return Unknown, ctxErr
	}

	// The query lists every job, so an absent marker in its output says
	// nothing about key. It is a failed refresh like any other.
	if errors.Is(err, locking.ErrLockTimeout) {
		return s.fallback(start, s.core.policy.OnLockTimeout, err)
	}
	return s.fallback(start, s.core.policy.OnRefreshFailure, err)
}

// Invalidate forces the next CheckMembership to refresh the listing. It is
// used when an authoritative signal (e.g. the job was just seen running)
// contradicts the cache. The listing is shared, so key only labels the log.
func (s *StatusCache) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.core.logger.Debug("invalidating listing", "key", key)
	return s.core.invalidate(s.listingKey)
}

// Submit runs the scheduler submission command with args appended, after a
// random jitter, retrying every failure up to the submit attempt ceiling.
func (s *StatusCache) Submit(ctx context.Context, args []string) executor.Attempt {
	if d := executor.Jitter(s.jitter); d > 0 {
		s.core.logger.Debug("delaying submission", "jitter", d)
		if err := s.sleep(ctx, d); err != nil {
			return executor.Attempt{
				Outcome:  executor.Interrupted,
				ExitCode: executor.InterruptedExitCode,
				Err:      err,
			}
		}
	}

	cmd := s.submitCmd
	cmd.Args = append(append([]string(nil), cmd.Args...), args...)
	return s.submit.Run(ctx, "submit", cmd)
}

func (s *StatusCache) refreshListing(ctx context.Context, key string) (executor.Attempt, error) {
	// The listing is shared by every key, so the query takes no key.
	a := s.exec.Run(ctx, key, s.query)
	if a.Outcome != executor.Success {
		return a, nil
	}

	listing := normalizeListing(a.Stdout)
	err := s.core.store.Publish(s.listingKey, func(tmpPath string) error {
		return os.WriteFile(tmpPath, listing, 0o644)
	})
	if err != nil {
		return a, fmt.Errorf("failed to publish listing: %w", err)
	}
	return a, nil
}

func (s *StatusCache) lookup(key string) (Membership, error) {
	r, err := s.core.store.Open(s.listingKey)
	if err != nil {
		return Unknown, err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == key {
			return Present, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Unknown, fmt.Errorf("failed to read listing: %w", err)
	}
	return Absent, nil
}

func (s *StatusCache) fallback(start time.Time, d Disposition, cause error) (Membership, error) {
	if d == Fail {
		s.core.answer(AnsweredError, start)
		return Unknown, cause
	}
	s.core.logger.Warn("status unresolved, assuming job is still present",
		"error", cause)
	s.core.answer(AnsweredFromFallback, start)
	return Unknown, nil
}

// normalizeListing trims whitespace and blank lines from the query output.
func normalizeListing(out []byte) []byte {
	var b strings.Builder
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
