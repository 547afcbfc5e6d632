package transfer

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of in-flight storage operations. It is the one
// primitive held across an I/O call; release is deferred so every exit
// path gives the slot back.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate builds a gate admitting up to capacity concurrent operations
// (default 10).
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 10
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity))}
}

// Do runs fn while holding one slot, blocking until a slot frees or ctx is
// canceled.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Wrap(KindInternal, err, "canceled waiting for storage slot")
	}
	defer g.sem.Release(1)
	return fn(ctx)
}
