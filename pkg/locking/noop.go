package locking

import (
	"context"
	"time"
)

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. This is useful when a single
// process owns the cache directory, or locking is disabled by configuration.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(ctx context.Context, key string, timeout time.Duration, fn func() (interface{}, error)) (v interface{}, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn()
}
