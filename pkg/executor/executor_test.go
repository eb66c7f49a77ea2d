package executor

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/lockedcache/pkg/attemptlog"
)

// scriptedRunner returns canned results in order and counts invocations.
type scriptedRunner struct {
	mu      sync.Mutex
	results []Result
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[r.calls]
	r.calls++
	return res, nil
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var transient = Result{ExitCode: 1, Stderr: []byte("slurm_load_jobs error: Socket timed out on send/recv operation")}

func TestRunTransientTwiceThenSuccess(t *testing.T) {
	runner := &scriptedRunner{results: []Result{
		transient,
		transient,
		{ExitCode: 0, Stdout: []byte("12345\n")},
	}}
	backoff := func(attempt int) time.Duration {
		return time.Duration(attempt) * 20 * time.Millisecond
	}
	e := New(Config{
		Instance:    "status",
		Runner:      runner,
		Classifier:  MarkerClassifier([]string{"Invalid job id specified"}, nil),
		MaxAttempts: 3,
		Backoff:     backoff,
	})

	start := time.Now()
	a := e.Run(context.Background(), "12345", NewCommand("squeue"))
	elapsed := time.Since(start)

	assert.Equal(t, Success, a.Outcome)
	assert.Equal(t, 3, a.Index)
	assert.Equal(t, 3, runner.Calls())
	assert.Equal(t, "12345\n", string(a.Stdout))
	assert.GreaterOrEqual(t, elapsed, backoff(1)+backoff(2))
}

func TestRunDefinitiveAbsentDoesNotRetryOrSleep(t *testing.T) {
	runner := &scriptedRunner{results: []Result{
		{ExitCode: 1, Stderr: []byte("slurm_load_jobs error: Invalid job id specified")},
	}}
	slept := 0
	e := New(Config{
		Runner:      runner,
		Classifier:  MarkerClassifier([]string{"Invalid job id specified"}, nil),
		MaxAttempts: 5,
		Backoff:     ConstantBackoff(time.Hour),
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept++
			return nil
		},
	})

	a := e.Run(context.Background(), "999", NewCommand("squeue"))
	assert.Equal(t, DefinitiveAbsent, a.Outcome)
	assert.Equal(t, 1, runner.Calls())
	assert.Zero(t, slept)
}

func TestRunDefinitiveErrorKeepsDiagnostics(t *testing.T) {
	stderr := "FATAL: Unable to handle docker://nope: authentication required\n"
	runner := &scriptedRunner{results: []Result{{ExitCode: 255, Stderr: []byte(stderr)}}}
	e := New(Config{
		Runner:      runner,
		Classifier:  MarkerClassifier(nil, []string{"authentication required"}),
		MaxAttempts: 3,
	})

	a := e.Run(context.Background(), "nope", NewCommand("apptainer"))
	assert.Equal(t, DefinitiveError, a.Outcome)
	assert.Equal(t, stderr, string(a.Stderr))
	assert.Equal(t, 255, a.ExitCode)
	assert.Equal(t, 1, runner.Calls())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	runner := &scriptedRunner{results: []Result{transient, transient, transient, transient}}
	var waits []time.Duration
	e := New(Config{
		Runner:      runner,
		MaxAttempts: 3,
		Backoff:     ConstantBackoff(time.Second),
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})

	a := e.Run(context.Background(), "k", NewCommand("false"))
	assert.Equal(t, TransientFailure, a.Outcome)
	assert.Equal(t, 3, a.Index)
	assert.Equal(t, 3, runner.Calls())
	// No sleep after the final attempt.
	assert.Equal(t, []time.Duration{time.Second, time.Second}, waits)
}

func TestRunInterruptBetweenAttempts(t *testing.T) {
	runner := &scriptedRunner{results: []Result{transient, transient, transient}}
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{
		Runner:      runner,
		MaxAttempts: 3,
		Backoff:     ConstantBackoff(time.Hour),
		Sleep: func(ctx context.Context, d time.Duration) error {
			// The interrupt arrives during backoff.
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	})

	a := e.Run(ctx, "k", NewCommand("sbatch"))
	assert.Equal(t, Interrupted, a.Outcome)
	assert.Equal(t, InterruptedExitCode, a.ExitCode)
	assert.ErrorIs(t, a.Err, context.Canceled)
	assert.Equal(t, 1, runner.Calls())
}

func TestRunAlreadyInterrupted(t *testing.T) {
	runner := &scriptedRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(Config{Runner: runner, MaxAttempts: 3}).Run(ctx, "k", NewCommand("sbatch"))
	assert.Equal(t, Interrupted, a.Outcome)
	assert.Zero(t, runner.Calls())
}

func TestRunWritesAttemptLog(t *testing.T) {
	dir := t.TempDir()
	runner := &scriptedRunner{results: []Result{transient, {ExitCode: 0}}}
	e := New(Config{
		Instance:    "status",
		Runner:      runner,
		MaxAttempts: 2,
		Log:         attemptlog.New(dir, attemptlog.Options{}),
	})

	e.Run(context.Background(), "12345", NewCommand("squeue"))

	data, err := os.ReadFile(attemptlog.New(dir, attemptlog.Options{}).Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "attempt=1/2 outcome=transient_failure exit=1")
	assert.Contains(t, lines[0], `stderr="slurm_load_jobs error`)
	assert.Contains(t, lines[1], "attempt=2/2 outcome=success exit=0")
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveAttempt(instance, outcome string, d time.Duration) {
	o.outcomes = append(o.outcomes, instance+":"+outcome)
}

func TestRunNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	runner := &scriptedRunner{results: []Result{transient, {ExitCode: 0}}}
	New(Config{Instance: "build", Runner: runner, MaxAttempts: 2, Observer: obs}).
		Run(context.Background(), "k", NewCommand("x"))
	assert.Equal(t, []string{"build:transient_failure", "build:success"}, obs.outcomes)
}

func TestMarkerClassifier(t *testing.T) {
	c := MarkerClassifier([]string{"Invalid job id"}, []string{"permission denied"})

	assert.Equal(t, Success, c(Result{ExitCode: 0, Stderr: []byte("Invalid job id")}))
	assert.Equal(t, DefinitiveAbsent, c(Result{ExitCode: 1, Stderr: []byte("error: Invalid job id specified")}))
	assert.Equal(t, DefinitiveError, c(Result{ExitCode: 1, Stderr: []byte("open: permission denied")}))
	assert.Equal(t, DefinitiveError, c(Result{ExitCode: -1, StartErr: os.ErrNotExist}))
	assert.Equal(t, TransientFailure, c(Result{ExitCode: 2, Stderr: []byte("Socket timed out")}))
}

func TestCommandExpand(t *testing.T) {
	cmd := NewCommand("apptainer", "build", "--force", "{output}", "docker://{key}")
	out := cmd.Expand(map[string]string{"output": "/c/.x.tmp-1", "key": "ubuntu:22.04"})

	assert.Equal(t, "apptainer build --force /c/.x.tmp-1 docker://ubuntu:22.04", out.String())
	// The template is not mutated.
	assert.Equal(t, "{output}", cmd.Args[2])
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Second, 5*time.Second, 2, 0)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 5*time.Second, b(4))
	assert.Equal(t, 5*time.Second, b(10))

	jittered := ExponentialBackoff(time.Second, 0, 1, 0.5)
	for i := 0; i < 100; i++ {
		d := jittered(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestExponentialBackoffEdges(t *testing.T) {
	// No cap keeps growing.
	uncapped := ExponentialBackoff(time.Second, 0, 3, 0)
	assert.Equal(t, 9*time.Second, uncapped(3))
	assert.Equal(t, 81*time.Second, uncapped(5))

	// The first wait is capped too.
	assert.Equal(t, 5*time.Second, ExponentialBackoff(time.Minute, 5*time.Second, 2, 0)(1))

	// A factor below one would shrink the waits.
	flat := ExponentialBackoff(time.Second, time.Minute, 0.5, 0)
	assert.Equal(t, time.Second, flat(4))

	// The jitter spread follows the attempt's interval.
	jittered := ExponentialBackoff(time.Second, time.Minute, 2, 0.2)
	for i := 0; i < 100; i++ {
		d := jittered(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestExponentialBackoffDrivesExecutor(t *testing.T) {
	runner := &scriptedRunner{results: []Result{transient, transient, transient}}
	var slept []time.Duration
	e := New(Config{
		Instance:    "status",
		Runner:      runner,
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(2*time.Second, 30*time.Second, 2, 0),
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})

	a := e.Run(context.Background(), "jobs", NewCommand("squeue"))
	assert.Equal(t, TransientFailure, a.Outcome)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)
}

func TestJitter(t *testing.T) {
	assert.Zero(t, Jitter(0))
	assert.Zero(t, Jitter(-time.Second))
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestExecRunner(t *testing.T) {
	ctx := context.Background()

	res, err := ExecRunner{}.Run(ctx, NewCommand("sh", "-c", "echo out; echo err >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.NoError(t, res.StartErr)

	res, err = ExecRunner{}.Run(ctx, NewCommand("/nonexistent/binary"))
	require.NoError(t, err)
	assert.Error(t, res.StartErr)
}

func TestExecRunnerKillsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := ExecRunner{}.Run(ctx, NewCommand("sh", "-c", "sleep 30"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, InterruptedExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}
