package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("service down")

func failingOp(context.Context) (interface{}, error) { return nil, errDown }
func okOp(context.Context) (interface{}, error)      { return "ok", nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	// Spec scenario 3: failureThreshold=3; three failures open the circuit,
	// a fourth call with a fallback serves from cache.
	b := New("S1", Config{FailureThreshold: 3}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := b.Execute(ctx, failingOp, nil)
		assert.False(t, res.Success)
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	res := b.Execute(ctx, func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	}, func(_ context.Context, cause error) (interface{}, error) {
		assert.ErrorIs(t, cause, ErrCircuitOpen)
		return "cached", nil
	})

	assert.False(t, called, "open breaker must not invoke the operation")
	assert.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.Equal(t, "cached", res.Value)
}

func TestOpenWithoutFallbackReturnsError(t *testing.T) {
	b := New("S1", Config{FailureThreshold: 1}, nil, nil)
	ctx := context.Background()

	b.Execute(ctx, failingOp, nil)
	res := b.Execute(ctx, okOp, nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	assert.GreaterOrEqual(t, res.CircuitOpenTime, time.Duration(0))
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	b := New("S1", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 5,
	}, nil, nil)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	b.Execute(ctx, failingOp, nil)
	require.Equal(t, StateOpen, b.State())

	// Before the recovery timeout the operation stays blocked.
	res := b.Execute(ctx, okOp, nil)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)

	// After the timeout the next call probes in half-open.
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	res = b.Execute(ctx, okOp, nil)
	assert.True(t, res.Success)
	assert.Equal(t, StateHalfOpen, b.State())

	// Second consecutive success closes the circuit.
	res = b.Execute(ctx, okOp, nil)
	assert.True(t, res.Success)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("S1", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, nil, nil)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }
	b.Execute(ctx, failingOp, nil)
	require.Equal(t, StateOpen, b.State())

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	b.Execute(ctx, failingOp, nil)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenConcurrencyLimit(t *testing.T) {
	b := New("S1", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil, nil)
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Execute(context.Background(), failingOp, nil)
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	// First probe admitted; simulate it being in flight.
	require.NoError(t, b.beforeCall())
	assert.ErrorIs(t, b.beforeCall(), ErrTooManyRequests)
}

func TestErrorRateTrip(t *testing.T) {
	b := New("S1", Config{
		FailureThreshold: 100, // keep the consecutive path out of the way
		VolumeThreshold:  10,
		ErrorRate:        0.5,
		TimeWindow:       time.Minute,
	}, nil, nil)
	ctx := context.Background()

	// 5 successes, then failures: rate crosses 50% at the 5th failure
	// with volume 10.
	for i := 0; i < 5; i++ {
		b.Execute(ctx, okOp, nil)
	}
	for i := 0; i < 4; i++ {
		b.Execute(ctx, failingOp, nil)
		require.Equal(t, StateClosed, b.State(), "failure %d should not trip yet", i+1)
	}
	b.Execute(ctx, failingOp, nil)
	assert.Equal(t, StateOpen, b.State())
}

func TestHistoryBounded(t *testing.T) {
	b := New("S1", Config{MaxHistory: 10, FailureThreshold: 1000}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		b.Execute(ctx, okOp, nil)
	}
	snap := b.Snapshot()
	assert.Len(t, snap.RecentCalls, 10)
}

func TestManagerPerServiceIsolation(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1}, nil, nil, nil)
	ctx := context.Background()

	m.Get("S1").Execute(ctx, failingOp, nil)
	assert.Equal(t, StateOpen, m.StateOf("S1"))
	assert.Equal(t, StateClosed, m.StateOf("S2"))
	assert.Equal(t, 1, m.OpenCount())

	// Same name returns the same breaker.
	assert.Same(t, m.Get("S1"), m.Get("S1"))
}

func TestManagerOverrides(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 5}, map[string]Config{
		"fragile": {FailureThreshold: 1},
	}, nil, nil)
	ctx := context.Background()

	m.Get("fragile").Execute(ctx, failingOp, nil)
	assert.Equal(t, StateOpen, m.StateOf("fragile"))

	m.Get("sturdy").Execute(ctx, failingOp, nil)
	assert.Equal(t, StateClosed, m.StateOf("sturdy"))
}
