package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatekeeper/internal/backoff"
	"github.com/ocx/gatekeeper/internal/breaker"
	"github.com/ocx/gatekeeper/internal/degrade"
	"github.com/ocx/gatekeeper/internal/fallback"
	"github.com/ocx/gatekeeper/internal/metrics"
	"github.com/ocx/gatekeeper/internal/timeout"
)

var errDown = errors.New("service down")

type fixture struct {
	orch     *Orchestrator
	breakers *breaker.Manager
	engine   *backoff.Engine
	degrader *degrade.Manager
	chain    *fallback.Chain
}

func newFixture(breakerCfg breaker.Config, chainCfg fallback.Config) *fixture {
	m := metrics.NewForTest()
	bm := breaker.NewManager(breakerCfg, nil, nil, m)
	bo := backoff.NewEngine(m)
	to := timeout.NewManager(timeout.Config{}, nil, m, nil)
	dg := degrade.NewManager(degrade.Config{
		Strategies: map[degrade.Level]degrade.LevelStrategy{
			degrade.LevelReduced: {
				Trigger: degrade.Trigger{ErrorRate: 0.3},
				Features: []degrade.FeatureRule{
					{Name: "summarize", Behavior: degrade.BehaviorDisable},
				},
			},
		},
	}, nil, m, nil)
	fb := fallback.NewChain(chainCfg, nil, m)

	orch := NewOrchestrator(Config{
		RetryDefaults: backoff.Config{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, nil, m, bm, bo, to, dg, fb)
	return &fixture{orch: orch, breakers: bm, engine: bo, degrader: dg, chain: fb}
}

func TestCircuitFirstSuccess(t *testing.T) {
	f := newFixture(breaker.Config{}, fallback.Config{})

	res := f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, OperationDefinition{ID: "op1", Service: "S1", Action: "summarize"})

	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, StrategyCircuitFirst, res.FinalStrategy)
	require.NotNil(t, res.Breaker)
	require.NotNil(t, res.Backoff)
	assert.Equal(t, 1, res.Backoff.Attempts)
	require.NotEmpty(t, res.ExecutionPath)
	assert.True(t, res.ExecutionPath[0].OK)
}

func TestDegradedServiceDelegates(t *testing.T) {
	f := newFixture(breaker.Config{}, fallback.Config{})
	f.degrader.ReportHealth(degrade.Health{ErrorRate: 0.4})
	require.Equal(t, degrade.LevelReduced, f.degrader.Level())

	res := f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		t.Fatal("disabled feature must not run")
		return nil, nil
	}, OperationDefinition{ID: "op1", Service: "S1", Action: "summarize"})

	require.False(t, res.Success)
	assert.Equal(t, StrategyDegradation, res.FinalStrategy)
	assert.ErrorIs(t, res.Err, degrade.ErrFeatureDisabled)
	assert.Equal(t, degrade.LevelReduced, res.DegradationLevel)
}

func TestOpenBreakerRoutesAroundCircuit(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 2}, fallback.Config{})

	def := OperationDefinition{ID: "op1", Service: "S1", Action: "fetch"}
	failing := func(ctx context.Context) (interface{}, error) { return nil, errDown }
	for i := 0; i < 2; i++ {
		res := f.orch.Execute(context.Background(), failing, def)
		assert.False(t, res.Success)
		assert.Equal(t, StrategyCircuitFirst, res.FinalStrategy)
	}
	require.Equal(t, breaker.StateOpen, f.breakers.StateOf("S1"))

	// The service recovered but the breaker is still open; the bounded
	// direct path runs the operation without consulting the breaker.
	res := f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	}, def)

	require.True(t, res.Success)
	assert.Equal(t, StrategyTimeoutWithFallback, res.FinalStrategy)
	assert.Equal(t, "recovered", res.Value)
	assert.Equal(t, breaker.StateOpen, f.breakers.StateOf("S1"))
}

func TestTimeoutWithFallbackUsesEmergency(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 1}, fallback.Config{
		EnableEmergencyFallback: true,
		EmergencyValue:          "canned",
	})

	def := OperationDefinition{ID: "op1", Service: "S1", Action: "fetch"}
	failing := func(ctx context.Context) (interface{}, error) { return nil, errDown }

	f.orch.Execute(context.Background(), failing, def)
	require.Equal(t, breaker.StateOpen, f.breakers.StateOf("S1"))

	res := f.orch.Execute(context.Background(), failing, def)
	require.True(t, res.Success)
	assert.Equal(t, StrategyTimeoutWithFallback, res.FinalStrategy)
	assert.Equal(t, "canned", res.Value)
	require.NotNil(t, res.Fallback)
	assert.True(t, res.Fallback.EmergencyFallbackUsed)
}

func TestPoorRetryHistorySelectsBackoff(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 100}, fallback.Config{})

	failing := func(ctx context.Context) (interface{}, error) { return nil, errDown }
	cfg := backoff.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}
	for i := 0; i < 10; i++ {
		f.engine.Execute(context.Background(), "op1", failing, cfg)
	}
	m, ok := f.engine.Metrics("op1")
	require.True(t, ok)
	require.Less(t, m.SuccessRate, 0.5)

	res := f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, OperationDefinition{ID: "op1", Service: "S1", Action: "fetch"})

	require.True(t, res.Success)
	assert.Equal(t, StrategyBackoffRetry, res.FinalStrategy)
	require.NotNil(t, res.Backoff)
}

func TestPerOperationRetryConfig(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 100}, fallback.Config{})

	calls := 0
	res := f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errDown
		}
		return "ok", nil
	}, OperationDefinition{
		ID: "op1", Service: "S1", Action: "fetch",
		Retry: &backoff.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Jitter: backoff.JitterNone},
	})

	require.True(t, res.Success)
	assert.Equal(t, 3, res.Backoff.Attempts)
}

func TestHealthAutoDegrade(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 100}, fallback.Config{})
	f.orch.cfg.DegradeErrorRate = 0.5

	failing := func(ctx context.Context) (interface{}, error) { return nil, errDown }
	def := OperationDefinition{ID: "op1", Service: "S1", Action: "fetch"}
	for i := 0; i < 5; i++ {
		f.orch.Execute(context.Background(), failing, def)
	}

	f.orch.checkHealth()
	assert.Equal(t, degrade.LevelReduced, f.degrader.Level())
}

func TestOpenBreakerCountDegrades(t *testing.T) {
	f := newFixture(breaker.Config{FailureThreshold: 1}, fallback.Config{})
	f.orch.cfg.DegradeOpenBreakers = 2

	failing := func(ctx context.Context) (interface{}, error) { return nil, errDown }
	f.orch.Execute(context.Background(), failing, OperationDefinition{ID: "a", Service: "S1", Action: "fetch"})
	f.orch.Execute(context.Background(), failing, OperationDefinition{ID: "b", Service: "S2", Action: "fetch"})
	require.Equal(t, 2, f.breakers.OpenCount())

	f.orch.checkHealth()
	assert.Equal(t, degrade.LevelReduced, f.degrader.Level())
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(breaker.Config{}, fallback.Config{})

	h := f.orch.Health()
	assert.Equal(t, 1.0, h.SuccessRate)

	f.orch.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, OperationDefinition{ID: "op1", Service: "S1", Action: "fetch"})

	h = f.orch.Health()
	assert.Equal(t, 1.0, h.SuccessRate)
	assert.Zero(t, h.OpenBreakers)
}
