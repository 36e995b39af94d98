// Package admission is the request-level gate composing the rate limiter,
// activity monitor and penalty manager. It decides whether a request may
// proceed, auto-applies penalties to suspicious users, and exposes its
// recent decisions as events plus a derived health summary.
//
// The gate fails open: an internal error never blocks a request. It is
// logged, counted and recorded as an error event instead.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatekeeper/internal/activity"
	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
	"github.com/ocx/gatekeeper/internal/penalty"
	"github.com/ocx/gatekeeper/internal/ratelimit"
)

// Denial reasons surfaced to callers.
const (
	ReasonRateLimit   = "rate_limit_exceeded"
	ReasonCooldown    = "cooldown_active"
	ReasonTempBlocked = "temporarily_blocked"
	ReasonPermBanned  = "permanently_banned"
)

// Request identifies one incoming request to gate.
type Request struct {
	UserID  string
	Action  string
	JobType string
	JobName string
	Channel string
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed    bool
	Reason     string // one of the Reason* constants when denied
	Message    string
	RetryAfter time.Duration // zero when no meaningful value exists
	Details    map[string]interface{}
}

// EventKind classifies gate events.
type EventKind string

const (
	KindAllowed    EventKind = "allowed"
	KindBlocked    EventKind = "blocked"
	KindWarning    EventKind = "warning"
	KindPenalty    EventKind = "penalty"
	KindSuspicious EventKind = "suspicious"
	KindError      EventKind = "error"
)

// GateEvent is one entry in the bounded decision ring.
type GateEvent struct {
	Kind      EventKind `json:"kind"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes the gate.
type Config struct {
	AutoApplyThreshold float64 // suspicious score at which penalties auto-apply
	EventRingSize      int
	HealthWindow       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AutoApplyThreshold <= 0 {
		c.AutoApplyThreshold = 85
	}
	if c.EventRingSize <= 0 {
		c.EventRingSize = 500
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = 5 * time.Minute
	}
	return c
}

// Gate composes the admission subsystems. Safe for concurrent use.
type Gate struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	monitor   *activity.Monitor
	penalties *penalty.Manager
	bus       events.Bus
	metrics   *metrics.Metrics

	mu   sync.RWMutex
	ring []GateEvent
	head int
	size int

	now func() time.Time // test seam
}

// NewGate wires the admission gate. bus and m may be nil.
func NewGate(cfg Config, limiter *ratelimit.Limiter, monitor *activity.Monitor, penalties *penalty.Manager, bus events.Bus, m *metrics.Metrics) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:       cfg,
		limiter:   limiter,
		monitor:   monitor,
		penalties: penalties,
		bus:       bus,
		metrics:   m,
		ring:      make([]GateEvent, cfg.EventRingSize),
		now:       time.Now,
	}
}

// Check gates one request. Order: penalty state, rate limits, activity
// recording and anomaly scoring. Internal failures fail open.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	// 1. Penalty state.
	pd := g.penalties.IsUserAllowed(ctx, req.UserID)
	if !pd.Allowed {
		return g.deny(ctx, req, pd)
	}

	// 2. Rate limits and cooldowns. Whitelisted users skip them.
	if pd.Status != penalty.StatusWhitelisted {
		rl := g.limiter.CheckJobTrigger(ctx, req.UserID, req.JobType, req.JobName)
		if !rl.CanProceed {
			reason := ReasonRateLimit
			if rl.InCooldown {
				reason = ReasonCooldown
			}
			g.record(ctx, GateEvent{Kind: KindBlocked, UserID: req.UserID, Action: req.Action, Reason: reason})
			g.observe(reason)
			return Decision{
				Allowed:    false,
				Reason:     reason,
				Message:    rl.BlockReason,
				RetryAfter: rl.RetryAfter,
				Details:    map[string]interface{}{"rate_limited": rl.RateLimited, "in_cooldown": rl.InCooldown},
			}
		}
		if err := g.limiter.RecordJobTrigger(ctx, req.UserID, req.JobType, req.JobName); err != nil {
			g.failOpen(ctx, req, fmt.Errorf("record trigger: %w", err))
		}
	}

	// 3. Behavioral analysis.
	g.monitor.RecordRequest(activity.RequestPattern{
		UserID:    req.UserID,
		Timestamp: g.now(),
		Action:    req.Action,
		Channel:   req.Channel,
		JobType:   req.JobType,
		JobName:   req.JobName,
	})
	analysis := g.monitor.AnalyzeActivity(req.UserID)
	if g.metrics != nil && analysis.SuspiciousScore > 0 {
		g.metrics.SuspiciousScore.Observe(analysis.SuspiciousScore)
	}

	if analysis.IsSuspicious {
		g.record(ctx, GateEvent{
			Kind:   KindSuspicious,
			UserID: req.UserID,
			Action: req.Action,
			Score:  analysis.SuspiciousScore,
			Reason: fmt.Sprintf("flags: %v", analysis.Flags),
		})
		if analysis.SuspiciousScore >= g.cfg.AutoApplyThreshold {
			g.autoPenalize(ctx, req, analysis)
		}
	}

	g.record(ctx, GateEvent{Kind: KindAllowed, UserID: req.UserID, Action: req.Action})
	g.observe("allowed")
	return Decision{Allowed: true, Details: map[string]interface{}{
		"suspicious_score": analysis.SuspiciousScore,
	}}
}

func (g *Gate) deny(ctx context.Context, req Request, pd penalty.Decision) Decision {
	reason := ReasonTempBlocked
	retryAfter := time.Duration(0)
	if pd.Status == penalty.StatusPermBanned {
		reason = ReasonPermBanned
	} else if pd.BlockedUntil != nil {
		retryAfter = time.Duration(math.Ceil(pd.BlockedUntil.Sub(g.now()).Seconds())) * time.Second
	}

	g.record(ctx, GateEvent{Kind: KindBlocked, UserID: req.UserID, Action: req.Action, Reason: reason})
	g.observe(reason)

	details := map[string]interface{}{"status": string(pd.Status)}
	if pd.BlockedUntil != nil {
		details["blocked_until"] = pd.BlockedUntil.Format(time.RFC3339)
	}
	return Decision{
		Allowed:    false,
		Reason:     reason,
		Message:    pd.Reason,
		RetryAfter: retryAfter,
		Details:    details,
	}
}

// autoPenalize maps the suspicious score to a severity band and applies the
// penalty for subsequent requests. The current request is not re-decided.
func (g *Gate) autoPenalize(ctx context.Context, req Request, analysis activity.Analysis) {
	var severity penalty.Severity
	switch {
	case analysis.SuspiciousScore >= 95:
		severity = penalty.SeverityCritical
	case analysis.SuspiciousScore >= 85:
		severity = penalty.SeverityHigh
	default:
		severity = penalty.SeverityMedium
	}

	reason := fmt.Sprintf("suspicious activity (score %.0f, flags %v)", analysis.SuspiciousScore, analysis.Flags)
	rec, err := g.penalties.ApplyPenalty(ctx, req.UserID, severity, reason)
	if err != nil {
		g.failOpen(ctx, req, fmt.Errorf("auto-apply penalty: %w", err))
		return
	}
	g.record(ctx, GateEvent{
		Kind:   KindPenalty,
		UserID: req.UserID,
		Action: req.Action,
		Reason: string(rec.Type),
		Score:  analysis.SuspiciousScore,
	})
}

func (g *Gate) failOpen(ctx context.Context, req Request, err error) {
	slog.Error("[Admission] Internal error (failing open)", "user", req.UserID, "action", req.Action, "error", err)
	if g.metrics != nil {
		g.metrics.AdmissionErrors.Inc()
	}
	g.record(ctx, GateEvent{Kind: KindError, UserID: req.UserID, Action: req.Action, Reason: err.Error()})
}

func (g *Gate) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.AdmissionDecisions.WithLabelValues(outcome).Inc()
	}
}

// record appends to the bounded ring and forwards to the event bus.
func (g *Gate) record(ctx context.Context, ev GateEvent) {
	ev.Timestamp = g.now()

	g.mu.Lock()
	g.ring[g.head] = ev
	g.head = (g.head + 1) % len(g.ring)
	if g.size < len(g.ring) {
		g.size++
	}
	g.mu.Unlock()

	if g.bus == nil {
		return
	}
	busType := events.EventRequestAllowed
	switch ev.Kind {
	case KindBlocked:
		busType = events.EventRequestBlocked
	case KindWarning:
		busType = events.EventRequestWarning
	case KindPenalty:
		busType = events.EventPenaltyApplied
	case KindSuspicious:
		busType = events.EventSuspiciousActivity
	case KindError:
		busType = events.EventAdmissionError
	}
	g.bus.Publish(ctx, &events.Event{
		ID:     uuid.NewString(),
		Type:   busType,
		Source: "admission",
		UserID: ev.UserID,
		Payload: map[string]interface{}{
			"action": ev.Action,
			"reason": ev.Reason,
			"score":  ev.Score,
		},
	})
}

// RecentEvents returns up to limit most-recent events, newest first.
func (g *Gate) RecentEvents(limit int) []GateEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 || limit > g.size {
		limit = g.size
	}
	out := make([]GateEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := g.head - 1 - i
		for idx < 0 {
			idx += len(g.ring)
		}
		out = append(out, g.ring[idx])
	}
	return out
}

// HealthStatus summarizes recent gate behavior.
type HealthStatus struct {
	Status    string  `json:"status"` // healthy | degraded | critical
	BlockRate float64 `json:"block_rate"`
	ErrorRate float64 `json:"error_rate"`
	Events    int     `json:"events"`
}

// Health derives a summary from events within the health window.
// Thresholds: critical at >=30% blocks or >=5% errors, degraded at >=10%
// blocks or >=1% errors.
func (g *Gate) Health() HealthStatus {
	cutoff := g.now().Add(-g.cfg.HealthWindow)

	g.mu.RLock()
	var total, blocked, errored int
	for i := 0; i < g.size; i++ {
		ev := g.ring[i]
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		total++
		switch ev.Kind {
		case KindBlocked:
			blocked++
		case KindError:
			errored++
		}
	}
	g.mu.RUnlock()

	hs := HealthStatus{Status: "healthy", Events: total}
	if total == 0 {
		return hs
	}
	hs.BlockRate = float64(blocked) / float64(total)
	hs.ErrorRate = float64(errored) / float64(total)

	switch {
	case hs.BlockRate >= 0.3 || hs.ErrorRate >= 0.05:
		hs.Status = "critical"
	case hs.BlockRate >= 0.1 || hs.ErrorRate >= 0.01:
		hs.Status = "degraded"
	}
	return hs
}
