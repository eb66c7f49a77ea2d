package locking

import (
	"context"
	"sync"
	"time"
)

// MemLock is a Group implementation that uses in-memory locks for mutual
// exclusion. It only works within a single process and doesn't work if there
// are multiple processes sharing the same cache directory. It's used
// primarily in tests.
type MemLock struct {
	sync.Mutex
	locks map[string]chan struct{}
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]chan struct{}),
	}
}

func (s *MemLock) DoWithLock(ctx context.Context, key string, timeout time.Duration, fn func() (interface{}, error)) (v interface{}, err error) {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		// Buffered channel of size one acts as a mutex that can be waited on
		// with a deadline.
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	s.Unlock()

	waitCtx, cancel := acquireContext(ctx, timeout)
	defer cancel()

	select {
	case lock <- struct{}{}:
	case <-waitCtx.Done():
		return nil, waitError(ctx, key, timeout)
	}
	defer func() { <-lock }()

	return fn()
}
