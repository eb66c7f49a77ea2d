package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/richardartoul/lockedcache/pkg/attemptlog"
)

// Observer receives one call per attempt. metrics.Collector implements it.
type Observer interface {
	ObserveAttempt(instance, outcome string, duration time.Duration)
}

// Config configures an Executor.
type Config struct {
	// Instance names the cache instance in logs and metrics.
	Instance    string
	Runner      Runner
	Classifier  Classifier
	MaxAttempts int
	Backoff     BackoffFunc
	// Log, if set, receives one line per attempt.
	Log      *attemptlog.Log
	Logger   *slog.Logger
	Observer Observer
	// Sleep waits between attempts; it must return early with ctx.Err() when
	// ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs an external command, retrying transient failures with
// backoff until a conclusive outcome or the attempt ceiling.
type Executor struct {
	cfg Config
}

// New creates an Executor, filling defaults for unset fields.
func New(cfg Config) *Executor {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = MarkerClassifier(nil, nil)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NoBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Executor{cfg: cfg}
}

// MaxAttempts returns the configured attempt ceiling.
func (e *Executor) MaxAttempts() int {
	return e.cfg.MaxAttempts
}

// Run executes cmd on behalf of key. It returns the first conclusive attempt,
// or the last failing one once MaxAttempts is reached; it never returns an
// error. A cancelled ctx aborts the loop between attempts (and kills a
// running command), yielding an Interrupted attempt.
func (e *Executor) Run(ctx context.Context, key string, cmd Command) Attempt {
	var last Attempt
	for i := 1; i <= e.cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return e.interrupted(key, i, err)
		}

		last = e.runOnce(ctx, key, i, cmd)
		if last.Outcome.Conclusive() {
			return last
		}

		if i == e.cfg.MaxAttempts {
			break
		}

		wait := e.cfg.Backoff(i)
		e.cfg.Logger.Info("external command failed transiently, retrying",
			"instance", e.cfg.Instance,
			"key", key,
			"attempt", i,
			"maxAttempts", e.cfg.MaxAttempts,
			"exitCode", last.ExitCode,
			"backoff", wait)

		if err := e.cfg.Sleep(ctx, wait); err != nil {
			return e.interrupted(key, i+1, err)
		}
	}

	e.cfg.Logger.Warn("external command failed after all attempts",
		"instance", e.cfg.Instance,
		"key", key,
		"attempts", e.cfg.MaxAttempts,
		"exitCode", last.ExitCode,
		"stderr", string(last.Stderr))
	return last
}

func (e *Executor) runOnce(ctx context.Context, key string, index int, cmd Command) Attempt {
	a := Attempt{
		ID:    uuid.NewString(),
		Index: index,
		Start: time.Now(),
	}

	res, err := e.cfg.Runner.Run(ctx, cmd)
	a.Duration = time.Since(a.Start)
	a.ExitCode = res.ExitCode
	a.Stdout = res.Stdout
	a.Stderr = res.Stderr

	switch {
	case err != nil:
		a.Outcome = Interrupted
		a.ExitCode = InterruptedExitCode
		a.Err = err
	default:
		a.Outcome = e.cfg.Classifier(res)
		a.Err = res.StartErr
	}

	e.record(key, a)
	return a
}

func (e *Executor) interrupted(key string, index int, err error) Attempt {
	a := Attempt{
		ID:       uuid.NewString(),
		Index:    index,
		Start:    time.Now(),
		Outcome:  Interrupted,
		ExitCode: InterruptedExitCode,
		Err:      err,
	}
	e.record(key, a)
	return a
}

// Record logs an attempt that was produced outside Run (for example a
// mirror fetch standing in for a build).
func (e *Executor) Record(key string, a Attempt) {
	e.record(key, a)
}

func (e *Executor) record(key string, a Attempt) {
	if e.cfg.Log != nil {
		e.cfg.Log.Append(attemptlog.Entry{
			Time:        a.Start,
			Instance:    e.cfg.Instance,
			Key:         key,
			Attempt:     a.Index,
			MaxAttempts: e.cfg.MaxAttempts,
			Outcome:     a.Outcome.String(),
			ExitCode:    a.ExitCode,
			ID:          a.ID,
			Stderr:      string(a.Stderr),
		})
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveAttempt(e.cfg.Instance, a.Outcome.String(), a.Duration)
	}
	e.cfg.Logger.Debug("external command attempt",
		"instance", e.cfg.Instance,
		"key", key,
		"attempt", a.Index,
		"outcome", a.Outcome.String(),
		"exitCode", a.ExitCode,
		"duration", a.Duration)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
