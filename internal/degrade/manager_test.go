package degrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatekeeper/internal/metrics"
)

func testConfig() Config {
	return Config{
		Strategies: map[Level]LevelStrategy{
			LevelReduced: {
				Trigger: Trigger{ErrorRate: 0.3},
				Features: []FeatureRule{
					{Name: "advanced_formatting", Behavior: BehaviorDisable},
					{Name: "ai_processing", Essential: true, Behavior: BehaviorSimplify,
						Simplified: func(ctx context.Context) (interface{}, error) { return "simplified", nil }},
					{Name: "history_lookup", Behavior: BehaviorCache, FallbackValue: "cached"},
					{Name: "notifications", Behavior: BehaviorFallback, FallbackValue: "queued"},
				},
				Recovery: []RecoveryCondition{
					{Type: RecoveryHealth, Threshold: 0.1, Duration: time.Minute},
				},
			},
			LevelMinimal: {
				Trigger: Trigger{ErrorRate: 0.6},
				Recovery: []RecoveryCondition{
					{Type: RecoveryTime, Duration: 5 * time.Minute},
				},
			},
			LevelEmergency: {
				Trigger:  Trigger{ErrorRate: 0.9},
				Recovery: []RecoveryCondition{{Type: RecoveryManual}},
			},
		},
	}
}

func newTestManager() *Manager {
	return NewManager(testConfig(), nil, metrics.NewForTest(), nil)
}

func TestDegradationCascade(t *testing.T) {
	m := newTestManager()
	require.Equal(t, LevelFull, m.Level())

	m.ReportHealth(Health{ErrorRate: 0.35})
	require.Equal(t, LevelReduced, m.Level())

	// Disabled feature refuses to run.
	_, err := m.Execute(context.Background(), "advanced_formatting", func(ctx context.Context) (interface{}, error) {
		t.Fatal("disabled feature must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrFeatureDisabled)

	// Degraded essential feature runs its simplified implementation.
	v, err := m.Execute(context.Background(), "ai_processing", func(ctx context.Context) (interface{}, error) {
		t.Fatal("full implementation must not run while simplified")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "simplified", v)
}

func TestRecoveryAfterCalmStretch(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	m.ReportHealth(Health{ErrorRate: 0.35})
	require.Equal(t, LevelReduced, m.Level())

	// Error rate is back down but the dwell has not elapsed yet.
	m.ReportHealth(Health{ErrorRate: 0.05})
	assert.False(t, m.TryRecover())
	assert.Equal(t, LevelReduced, m.Level())

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, m.TryRecover())
	assert.Equal(t, LevelFull, m.Level())
}

func TestRecoveryBlockedWhileTriggerHolds(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	m.ReportHealth(Health{ErrorRate: 0.35})
	require.Equal(t, LevelReduced, m.Level())

	// Still above the trigger, even after the dwell: no move toward FULL.
	m.now = func() time.Time { return base.Add(time.Hour) }
	assert.False(t, m.TryRecover())
	assert.Equal(t, LevelReduced, m.Level())
}

func TestCalmStretchResetsOnSpike(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	m.ReportHealth(Health{ErrorRate: 0.35})
	m.ReportHealth(Health{ErrorRate: 0.05})

	// A spike inside the dwell window restarts the calm clock.
	m.now = func() time.Time { return base.Add(40 * time.Second) }
	m.ReportHealth(Health{ErrorRate: 0.2})
	m.ReportHealth(Health{ErrorRate: 0.05})

	m.now = func() time.Time { return base.Add(70 * time.Second) }
	assert.False(t, m.TryRecover())

	m.now = func() time.Time { return base.Add(101 * time.Second) }
	assert.True(t, m.TryRecover())
}

func TestWorstTriggerWins(t *testing.T) {
	m := newTestManager()

	m.ReportHealth(Health{ErrorRate: 0.95})
	assert.Equal(t, LevelEmergency, m.Level())
}

func TestManualRecoveryOnly(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	m.ReportHealth(Health{ErrorRate: 0.95})
	require.Equal(t, LevelEmergency, m.Level())

	m.ReportHealth(Health{ErrorRate: 0.0})
	m.now = func() time.Time { return base.Add(24 * time.Hour) }
	assert.False(t, m.TryRecover())

	m.SetLevel(LevelFull, "operator")
	assert.Equal(t, LevelFull, m.Level())
}

func TestTimeRecoverySteps(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	m.ReportHealth(Health{ErrorRate: 0.65})
	require.Equal(t, LevelMinimal, m.Level())

	m.ReportHealth(Health{ErrorRate: 0.05})
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	require.True(t, m.TryRecover())
	// One step at a time.
	assert.Equal(t, LevelReduced, m.Level())
}

func TestCacheAndFallbackBehaviors(t *testing.T) {
	m := newTestManager()
	m.ReportHealth(Health{ErrorRate: 0.35})

	v, err := m.Execute(context.Background(), "history_lookup", func(ctx context.Context) (interface{}, error) {
		t.Fatal("cache behavior must not run the operation")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)

	v, err = m.Execute(context.Background(), "notifications", func(ctx context.Context) (interface{}, error) {
		return nil, assert.AnError
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", v)
}

func TestUnknownFeatureRunsDirectly(t *testing.T) {
	m := newTestManager()
	m.ReportHealth(Health{ErrorRate: 0.35})

	v, err := m.Execute(context.Background(), "unlisted", func(ctx context.Context) (interface{}, error) {
		return "ran", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ran", v)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	m := newTestManager()

	m.ReportHealth(Health{ErrorRate: 0.35})
	m.SetLevel(LevelFull, "operator")

	h := m.History()
	require.Len(t, h, 2)
	assert.Equal(t, LevelFull, h[0].From)
	assert.Equal(t, LevelReduced, h[0].To)
	assert.Equal(t, "error_rate", h[0].Trigger)
	assert.Equal(t, LevelReduced, h[1].From)
	assert.Equal(t, LevelFull, h[1].To)
	assert.Equal(t, "operator", h[1].Trigger)
}
