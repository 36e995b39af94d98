// Package degrade coordinates service degradation levels. Health reports
// trip levels downward through per-level triggers; recovery conditions
// step back toward full service one level at a time.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// Level orders service quality from full capability down to emergency.
type Level int

const (
	LevelFull Level = iota
	LevelReduced
	LevelMinimal
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelReduced:
		return "REDUCED"
	case LevelMinimal:
		return "MINIMAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// ErrFeatureDisabled is returned for features switched off at the
// current level.
var ErrFeatureDisabled = errors.New("feature disabled at current degradation level")

// Behavior selects what happens to a feature while its level is active.
type Behavior string

const (
	BehaviorDisable  Behavior = "disable"
	BehaviorSimplify Behavior = "simplify"
	BehaviorCache    Behavior = "cache"
	BehaviorFallback Behavior = "fallback"
)

// Operation is a feature implementation.
type Operation func(ctx context.Context) (interface{}, error)

// FeatureRule describes how one feature behaves at a level.
type FeatureRule struct {
	Name          string
	Essential     bool
	Behavior      Behavior
	FallbackValue interface{}
	Simplified    Operation
}

// Health carries the inputs trigger evaluation runs on.
type Health struct {
	ErrorRate     float64 // 0..1
	ResponseMs    float64
	ResourceUsage float64 // 0..1
}

// Trigger fires when any configured threshold is met. Zero thresholds
// are inactive. Custom, when set, is evaluated alongside the thresholds.
type Trigger struct {
	ErrorRate      float64
	ResponseTimeMs float64
	ResourceUsage  float64
	Custom         func(Health) bool
}

func (t Trigger) fires(h Health) (bool, string) {
	switch {
	case t.ErrorRate > 0 && h.ErrorRate >= t.ErrorRate:
		return true, "error_rate"
	case t.ResponseTimeMs > 0 && h.ResponseMs >= t.ResponseTimeMs:
		return true, "response_time"
	case t.ResourceUsage > 0 && h.ResourceUsage >= t.ResourceUsage:
		return true, "resource_usage"
	case t.Custom != nil && t.Custom(h):
		return true, "custom"
	}
	return false, ""
}

// RecoveryType selects how a level steps back up.
type RecoveryType string

const (
	RecoveryTime   RecoveryType = "time"
	RecoveryHealth RecoveryType = "health"
	RecoveryManual RecoveryType = "manual"
	RecoveryMetric RecoveryType = "metric"
)

// RecoveryCondition allows one step toward FULL when satisfied.
type RecoveryCondition struct {
	Type      RecoveryType
	Threshold float64       // health/metric: error rate must stay below
	Duration  time.Duration // dwell required before stepping up
}

// LevelStrategy is the full per-level policy.
type LevelStrategy struct {
	Trigger  Trigger
	Features []FeatureRule
	Recovery []RecoveryCondition
}

// Config wires the manager. Strategies maps non-FULL levels to policy.
type Config struct {
	Strategies    map[Level]LevelStrategy
	CheckInterval time.Duration
	MaxHistory    int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	return c
}

// Transition is one history entry.
type Transition struct {
	At      time.Time     `json:"at"`
	From    Level         `json:"from"`
	To      Level         `json:"to"`
	Trigger string        `json:"trigger"`
	Dwell   time.Duration `json:"dwell"`
}

// Manager owns the current level. All transitions are serialized under
// one mutex; health probes only propose, the manager commits.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	bus     events.Bus

	mu        sync.Mutex
	level     Level
	enteredAt time.Time
	health    Health
	calmSince time.Time // start of the current below-threshold stretch
	history   []Transition

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

// NewManager creates a degradation manager starting at FULL.
func NewManager(cfg Config, log *slog.Logger, m *metrics.Metrics, bus events.Bus) *Manager {
	if log == nil {
		log = slog.Default()
	}
	mgr := &Manager{
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "Degradation"),
		metrics: m,
		bus:     bus,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	mgr.enteredAt = mgr.now()
	return mgr
}

// Start launches the recovery probe loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.recoveryLoop()
}

// Stop halts the recovery loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Level returns the current degradation level.
func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// ReportHealth folds in a health sample and degrades when a worse
// level's trigger fires. Automatic transitions only move away from FULL.
func (m *Manager) ReportHealth(h Health) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health = h
	if m.calmOf(h) {
		if m.calmSince.IsZero() {
			m.calmSince = m.now()
		}
	} else {
		m.calmSince = time.Time{}
	}

	// Worst matching trigger wins.
	for lvl := LevelEmergency; lvl > m.level; lvl-- {
		strat, ok := m.cfg.Strategies[lvl]
		if !ok {
			continue
		}
		if fired, reason := strat.Trigger.fires(h); fired {
			m.transitionLocked(lvl, reason)
			return
		}
	}
}

// calmOf reports whether h sits below every recovery threshold of the
// current level.
func (m *Manager) calmOf(h Health) bool {
	strat, ok := m.cfg.Strategies[m.level]
	if !ok {
		return true
	}
	for _, rc := range strat.Recovery {
		if (rc.Type == RecoveryHealth || rc.Type == RecoveryMetric) && rc.Threshold > 0 && h.ErrorRate >= rc.Threshold {
			return false
		}
	}
	return true
}

// SetLevel forces a level, for manual recovery or operator override.
func (m *Manager) SetLevel(lvl Level, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(lvl, reason)
}

func (m *Manager) transitionLocked(to Level, trigger string) {
	if to == m.level {
		return
	}
	from := m.level
	now := m.now()
	dwell := now.Sub(m.enteredAt)

	m.level = to
	m.enteredAt = now
	m.calmSince = time.Time{}
	m.history = append(m.history, Transition{At: now, From: from, To: to, Trigger: trigger, Dwell: dwell})
	if len(m.history) > m.cfg.MaxHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
	}

	m.log.Warn("degradation level changed", "from", from.String(), "to", to.String(), "trigger", trigger, "dwell", dwell)
	if m.metrics != nil {
		m.metrics.DegradationLevel.Set(float64(to))
		m.metrics.DegradationTransitions.WithLabelValues(to.String(), trigger).Inc()
	}
	if m.bus != nil {
		m.bus.Publish(context.Background(), &events.Event{
			Type:   events.EventDegradationChange,
			Source: "degradation",
			Payload: map[string]interface{}{
				"from":    from.String(),
				"to":      to.String(),
				"trigger": trigger,
			},
		})
	}
}

// Execute runs a feature under the current level's policy. Unknown
// features and FULL service run op directly.
func (m *Manager) Execute(ctx context.Context, feature string, op Operation) (interface{}, error) {
	m.mu.Lock()
	level := m.level
	rule, found := m.ruleLocked(feature)
	m.mu.Unlock()

	if level == LevelFull || !found {
		return op(ctx)
	}

	switch rule.Behavior {
	case BehaviorDisable:
		return nil, fmt.Errorf("%s at %s: %w", feature, level, ErrFeatureDisabled)
	case BehaviorSimplify:
		if rule.Simplified != nil {
			return rule.Simplified(ctx)
		}
		return op(ctx)
	case BehaviorCache:
		if rule.FallbackValue != nil {
			return rule.FallbackValue, nil
		}
		return nil, fmt.Errorf("%s at %s: no cached value: %w", feature, level, ErrFeatureDisabled)
	case BehaviorFallback:
		v, err := op(ctx)
		if err != nil {
			m.log.Info("feature fell back", "feature", feature, "level", level.String(), "error", err)
			return rule.FallbackValue, nil
		}
		return v, nil
	default:
		return op(ctx)
	}
}

func (m *Manager) ruleLocked(feature string) (FeatureRule, bool) {
	strat, ok := m.cfg.Strategies[m.level]
	if !ok {
		return FeatureRule{}, false
	}
	for _, r := range strat.Features {
		if r.Name == feature {
			return r, true
		}
	}
	return FeatureRule{}, false
}

func (m *Manager) recoveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.TryRecover()
		}
	}
}

// TryRecover steps one level toward FULL when a recovery condition of
// the current level is satisfied and the level's own trigger no longer
// fires. Manual conditions never recover automatically.
func (m *Manager) TryRecover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.level == LevelFull {
		return false
	}
	strat, ok := m.cfg.Strategies[m.level]
	if !ok {
		m.transitionLocked(m.level-1, "recovery")
		return true
	}
	if fired, _ := strat.Trigger.fires(m.health); fired {
		return false
	}

	now := m.now()
	for _, rc := range strat.Recovery {
		switch rc.Type {
		case RecoveryTime:
			if now.Sub(m.enteredAt) >= rc.Duration {
				m.transitionLocked(m.level-1, "time_recovery")
				return true
			}
		case RecoveryHealth, RecoveryMetric:
			calm := rc.Threshold <= 0 || m.health.ErrorRate < rc.Threshold
			dwellOK := rc.Duration <= 0 || (!m.calmSince.IsZero() && now.Sub(m.calmSince) >= rc.Duration)
			if calm && dwellOK {
				m.transitionLocked(m.level-1, "health_recovery")
				return true
			}
		}
	}
	return false
}

// History returns a copy of recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
