package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/store"
)

// fakeClock is a settable staleness.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRunner is an executor.Runner that replays results (the last one
// repeats) and counts invocations. It is safe to share between caches.
type countingRunner struct {
	mu      sync.Mutex
	results []executor.Result
	delay   time.Duration
	calls   atomic.Int32
	cmds    []executor.Command
}

func (r *countingRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	n := int(r.calls.Add(1))
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	res := r.results[min(n, len(r.results))-1]
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return executor.Result{ExitCode: executor.InterruptedExitCode}, ctx.Err()
		}
	}
	return res, nil
}

func (r *countingRunner) Calls() int {
	return int(r.calls.Load())
}

func (r *countingRunner) LastCommand() executor.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds[len(r.cmds)-1]
}

func newFSStore(t *testing.T, dir string) *store.FS {
	t.Helper()
	s, err := store.NewFS(dir, store.FSOptions{})
	require.NoError(t, err)
	return s
}

func testPolicy() Policy {
	return Policy{
		TTL:              60 * time.Second,
		LockTimeout:      5 * time.Second,
		MaxAttempts:      3,
		Backoff:          executor.NoBackoff,
		OnLockTimeout:    AssumeOK,
		OnRefreshFailure: AssumeOK,
	}
}
