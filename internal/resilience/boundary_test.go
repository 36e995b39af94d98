package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatekeeper/internal/breaker"
	"github.com/ocx/gatekeeper/internal/fallback"
	"github.com/ocx/gatekeeper/internal/metrics"
)

func newTestBoundary(typ BoundaryType, cfg BoundaryConfig, fallbackOp Operation) *Boundary {
	f := newFixture(breaker.Config{FailureThreshold: 1000}, fallback.Config{})
	return NewBoundary(typ, cfg, f.orch, fallbackOp, nil, metrics.NewForTest(), nil)
}

func okOp(ctx context.Context) (interface{}, error)      { return "ok", nil }
func failingOp(ctx context.Context) (interface{}, error) { return nil, errDown }

func TestHealthyBoundaryRoutesOrchestratorFirst(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{}, nil)

	res := b.Execute(context.Background(), okOp, OperationDefinition{ID: "op", Service: "S1", Action: "post"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, ModeOrchestratorFirst, res.Mode)
	assert.Equal(t, BoundaryHealthy, res.State)
}

func TestEssentialUsesHybridFallback(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{}, func(ctx context.Context) (interface{}, error) {
		return "from boundary", nil
	})

	res := b.Execute(context.Background(), failingOp,
		OperationDefinition{ID: "op", Service: "S1", Action: "post", Essential: true}, nil)

	require.True(t, res.Success)
	assert.Equal(t, ModeHybrid, res.Mode)
	assert.Equal(t, "from boundary", res.Value)
}

func TestHybridFallbackRescueStillCountsFailures(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{
		MaxErrorsBeforeDegradation: 2,
		MaxErrorsBeforeIsolation:   4,
		IsolationDuration:          time.Hour,
	}, func(ctx context.Context) (interface{}, error) {
		return "rescued", nil
	})
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post", Essential: true}

	for i := 0; i < 2; i++ {
		res := b.Execute(context.Background(), failingOp, def, nil)
		require.True(t, res.Success)
		assert.Equal(t, "rescued", res.Value)
	}
	// The rescue served the caller, but the failures still count.
	assert.Equal(t, BoundaryDegraded, b.State())
	assert.Equal(t, 2, b.Status().ErrorCount)

	b.Execute(context.Background(), failingOp, def, nil)
	b.Execute(context.Background(), failingOp, def, nil)
	assert.Equal(t, BoundaryIsolated, b.State())
}

func TestBoundaryDegradesAfterErrors(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{MaxErrorsBeforeDegradation: 2}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	b.Execute(context.Background(), failingOp, def, nil)
	assert.Equal(t, BoundaryHealthy, b.State())

	b.Execute(context.Background(), failingOp, def, nil)
	assert.Equal(t, BoundaryDegraded, b.State())
	assert.Equal(t, 2, b.Status().ErrorCount)
}

func TestBoundaryIsolatesAndServesFallbackOnly(t *testing.T) {
	called := 0
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{
		MaxErrorsBeforeDegradation: 2,
		MaxErrorsBeforeIsolation:   3,
		IsolationDuration:          time.Hour,
	}, func(ctx context.Context) (interface{}, error) {
		called++
		return "fallback", nil
	})
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), failingOp, def, nil)
	}
	require.Equal(t, BoundaryIsolated, b.State())

	res := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		t.Fatal("isolated boundary must not run the operation")
		return nil, nil
	}, def, nil)

	require.True(t, res.Success)
	assert.Equal(t, ModeBoundaryFirst, res.Mode)
	assert.Equal(t, "fallback", res.Value)
	assert.Equal(t, 1, called)
	// Serving the fallback does not change the error account.
	assert.Equal(t, 3, b.Status().ErrorCount)
}

func TestIsolationWithoutFallbackErrors(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{
		MaxErrorsBeforeIsolation: 1,
		IsolationDuration:        time.Hour,
	}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	b.Execute(context.Background(), failingOp, def, nil)
	require.Equal(t, BoundaryIsolated, b.State())

	res := b.Execute(context.Background(), okOp, def, nil)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrBoundaryIsolated)
}

func TestIsolationExpiresToDegraded(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{
		MaxErrorsBeforeDegradation: 2,
		MaxErrorsBeforeIsolation:   3,
		IsolationDuration:          time.Minute,
		RecoveryTimeout:            time.Hour,
	}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), failingOp, def, nil)
	}
	require.Equal(t, BoundaryIsolated, b.State())

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, BoundaryDegraded, b.State())
}

func TestSuccessDrainsErrorAccount(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{MaxErrorsBeforeDegradation: 2}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	b.Execute(context.Background(), failingOp, def, nil)
	b.Execute(context.Background(), failingOp, def, nil)
	require.Equal(t, BoundaryDegraded, b.State())

	b.Execute(context.Background(), okOp, def, nil)
	assert.Equal(t, BoundaryDegraded, b.State())
	b.Execute(context.Background(), okOp, def, nil)
	assert.Equal(t, BoundaryHealthy, b.State())
	assert.Zero(t, b.Status().ErrorCount)
}

func TestQuietDegradedBoundaryRecovers(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{
		MaxErrorsBeforeDegradation: 1,
		RecoveryTimeout:            30 * time.Second,
	}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	base := time.Now()
	b.now = func() time.Time { return base }
	b.Execute(context.Background(), failingOp, def, nil)
	require.Equal(t, BoundaryDegraded, b.State())

	b.now = func() time.Time { return base.Add(31 * time.Second) }
	assert.Equal(t, BoundaryHealthy, b.State())
}

func TestContextPreservedOnFailure(t *testing.T) {
	b := newTestBoundary(BoundaryAIProcessing, BoundaryConfig{}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "infer"}

	payload := []byte(`{"prompt":"hello"}`)
	res := b.Execute(context.Background(), failingOp, def, payload)

	require.False(t, res.Success)
	require.NotEmpty(t, res.ContextID)

	snap, ok := b.TakeSnapshot(res.ContextID)
	require.True(t, ok)
	assert.Equal(t, payload, snap.Payload)
	assert.Equal(t, BoundaryAIProcessing, snap.Boundary)
	assert.Equal(t, errDown.Error(), snap.Cause)

	_, ok = b.TakeSnapshot(res.ContextID)
	assert.False(t, ok)
}

func TestNoContextPreservationForSlack(t *testing.T) {
	b := newTestBoundary(BoundarySlackResponse, BoundaryConfig{}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "post"}

	res := b.Execute(context.Background(), failingOp, def, []byte("payload"))
	require.False(t, res.Success)
	assert.Empty(t, res.ContextID)
}

func TestSnapshotCapacityEvictsOldest(t *testing.T) {
	b := newTestBoundary(BoundaryToolExecution, BoundaryConfig{MaxSnapshots: 2}, nil)
	def := OperationDefinition{ID: "op", Service: "S1", Action: "run"}

	var ids []string
	for i := 0; i < 3; i++ {
		res := b.Execute(context.Background(), failingOp, def, []byte{byte(i)})
		ids = append(ids, res.ContextID)
	}

	_, ok := b.TakeSnapshot(ids[0])
	assert.False(t, ok)
	_, ok = b.TakeSnapshot(ids[2])
	assert.True(t, ok)
}
