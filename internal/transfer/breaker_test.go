package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingOp(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return E(KindStorageUnavailable, "boom")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failingOp(&calls))
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, 3, calls)

	// While open the operation is not invoked.
	err := cb.Execute(ctx, failingOp(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	ctx := context.Background()

	calls := 0
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))

	// Two more failures are under the threshold again.
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.Equal(t, BreakerOpen, cb.State())

	now = now.Add(61 * time.Second)

	trialCalls := 0
	err := cb.Execute(ctx, func(context.Context) error {
		trialCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, trialCalls)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))

	now = now.Add(61 * time.Second)
	require.Error(t, cb.Execute(ctx, failingOp(&calls)))
	assert.Equal(t, BreakerOpen, cb.State())

	// Back to fast-fail until another recovery window passes.
	err := cb.Execute(ctx, failingOp(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerConcurrentCallerDuringTrialFailsFast(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.mu.Lock()
	cb.state = BreakerHalfOpen
	cb.mu.Unlock()

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerFailureClassifier(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.ClassifyFailures(func(err error) bool {
		return IsKind(err, KindStorageUnavailable)
	})
	ctx := context.Background()

	// Not-found outcomes never count against the threshold.
	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func(context.Context) error {
			return E(KindNotFound, "missing")
		})
		require.Error(t, err)
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerStateChangeObserver(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	transitions := make(chan [2]BreakerState, 4)
	cb.OnStateChange(func(from, to BreakerState) {
		transitions <- [2]BreakerState{from, to}
	})

	calls := 0
	require.Error(t, cb.Execute(context.Background(), failingOp(&calls)))

	select {
	case tr := <-transitions:
		assert.Equal(t, BreakerClosed, tr[0])
		assert.Equal(t, BreakerOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("no state change observed")
	}
}
