// Package resilience composes the execution primitives into full
// strategies. The orchestrator picks circuit-first, timeout-with-fallback
// or backoff-retry per operation; boundaries wrap the orchestrator with
// error accounting and isolation.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gatekeeper/internal/backoff"
	"github.com/ocx/gatekeeper/internal/breaker"
	"github.com/ocx/gatekeeper/internal/degrade"
	"github.com/ocx/gatekeeper/internal/fallback"
	"github.com/ocx/gatekeeper/internal/metrics"
	"github.com/ocx/gatekeeper/internal/timeout"
)

// Strategy names an execution pattern.
type Strategy string

const (
	StrategyCircuitFirst        Strategy = "circuit_first"
	StrategyTimeoutWithFallback Strategy = "timeout_with_fallback"
	StrategyBackoffRetry        Strategy = "backoff_retry"
	StrategyDegradation         Strategy = "degradation"
)

// Operation is the work the orchestrator protects.
type Operation func(ctx context.Context) (interface{}, error)

// OperationDefinition describes one operation to the orchestrator.
type OperationDefinition struct {
	ID         string
	Service    string
	Action     string
	Feature    string // degradation feature name; Action when empty
	Essential  bool
	UserIntent string
	Timeout    time.Duration
	Retry      *backoff.Config
	Breaker    *breaker.Config
}

func (d OperationDefinition) featureName() string {
	if d.Feature != "" {
		return d.Feature
	}
	return d.Action
}

// Step is one entry of the execution-path trace.
type Step struct {
	Pattern  Strategy
	Action   string
	At       time.Time
	Duration time.Duration
	OK       bool
	Meta     map[string]interface{}
}

// Result aggregates the structured results of every primitive involved.
type Result struct {
	Success            bool
	Value              interface{}
	Err                error
	PatternsUsed       []Strategy
	ExecutionPath      []Step
	FinalStrategy      Strategy
	TotalExecutionTime time.Duration
	DegradationLevel   degrade.Level

	Breaker  *breaker.Result
	Backoff  *backoff.Result
	Fallback *fallback.Result
}

// Config tunes orchestration and the health check loop.
type Config struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// Auto-degrade thresholds; zero disables each.
	DegradeErrorRate    float64        `yaml:"degrade_error_rate"`
	DegradeResponseMs   float64        `yaml:"degrade_response_ms"`
	DegradeOpenBreakers int            `yaml:"degrade_open_breakers"`
	RetryDefaults       backoff.Config `yaml:"retry_defaults"`
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	return c
}

// Orchestrator selects and runs a resilience strategy per operation.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	breakers *breaker.Manager
	backoff  *backoff.Engine
	timeouts *timeout.Manager
	degrade  *degrade.Manager
	fallback *fallback.Chain

	mu          sync.Mutex
	successRate float64
	avgMs       float64
	emaSeeded   bool
	fallbacks   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

// NewOrchestrator wires the primitives together. Every dependency is
// required except metrics.
func NewOrchestrator(cfg Config, log *slog.Logger, m *metrics.Metrics,
	breakers *breaker.Manager, bo *backoff.Engine, to *timeout.Manager,
	dg *degrade.Manager, fb *fallback.Chain) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "Orchestrator"),
		metrics:  m,
		breakers: breakers,
		backoff:  bo,
		timeouts: to,
		degrade:  dg,
		fallback: fb,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic health check.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.healthLoop()
}

// Stop halts the health check loop.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Execute runs op under the strategy chosen for def.
func (o *Orchestrator) Execute(ctx context.Context, op Operation, def OperationDefinition) *Result {
	start := o.now()
	res := &Result{DegradationLevel: o.degrade.Level()}

	strategy := o.selectStrategy(def, res.DegradationLevel)
	res.FinalStrategy = strategy
	if o.metrics != nil {
		o.metrics.StrategySelected.WithLabelValues(string(strategy)).Inc()
	}

	switch strategy {
	case StrategyDegradation:
		o.runDegraded(ctx, op, def, res)
	case StrategyTimeoutWithFallback:
		o.runTimeoutWithFallback(ctx, op, def, res)
	case StrategyBackoffRetry:
		o.runBackoffRetry(ctx, op, def, res)
	default:
		o.runCircuitFirst(ctx, op, def, res)
	}

	res.TotalExecutionTime = o.now().Sub(start)
	o.recordOutcome(res.Success, res.TotalExecutionTime)
	return res
}

// selectStrategy applies the decision ladder: degraded service first,
// then open breakers, then poor retry history, then circuit-first.
func (o *Orchestrator) selectStrategy(def OperationDefinition, level degrade.Level) Strategy {
	if level != degrade.LevelFull {
		return StrategyDegradation
	}
	if o.breakers.StateOf(def.Service) == breaker.StateOpen {
		return StrategyTimeoutWithFallback
	}
	if m, ok := o.backoff.Metrics(def.ID); ok && m.SuccessRate < 0.5 {
		return StrategyBackoffRetry
	}
	return StrategyCircuitFirst
}

func (o *Orchestrator) runDegraded(ctx context.Context, op Operation, def OperationDefinition, res *Result) {
	o.step(res, StrategyDegradation, def.Action, func() (interface{}, error) {
		return o.degrade.Execute(ctx, def.featureName(), degrade.Operation(op))
	}, nil)
}

// runCircuitFirst nests breaker around timeout around backoff, with the
// fallback chain answering when the breaker is open.
func (o *Orchestrator) runCircuitFirst(ctx context.Context, op Operation, def OperationDefinition, res *Result) {
	br := o.breakerFor(def)

	inner := func(ctx context.Context) (interface{}, error) {
		return o.timeouts.Execute(ctx, def.ID, def.Timeout, func(ctx context.Context) (interface{}, error) {
			bres := o.backoff.Execute(ctx, def.ID, backoff.Operation(op), o.retryConfig(def))
			res.Backoff = &bres
			if bres.Success {
				return bres.Value, nil
			}
			return nil, bres.Err
		})
	}

	var fb breaker.Fallback
	if o.fallback != nil {
		fb = func(ctx context.Context, cause error) (interface{}, error) {
			fres := o.chainExecute(ctx, op, def)
			res.Fallback = &fres
			if fres.Success {
				return fres.Value, nil
			}
			return nil, fres.Err
		}
	}

	bres := br.Execute(ctx, breaker.Operation(inner), fb)
	res.Breaker = &bres
	res.Success = bres.Success
	res.Value = bres.Value
	res.Err = bres.Err
	o.trace(res, StrategyCircuitFirst, def.Action, bres.Success, bres.ExecutionTime, map[string]interface{}{
		"breaker_state": bres.State.String(),
		"from_cache":    bres.FromCache,
	})
}

// runTimeoutWithFallback skips the breaker entirely and leans on the
// fallback chain when the bounded call fails.
func (o *Orchestrator) runTimeoutWithFallback(ctx context.Context, op Operation, def OperationDefinition, res *Result) {
	v, err := o.timeouts.Execute(ctx, def.ID, def.Timeout, timeout.Operation(op))
	o.trace(res, StrategyTimeoutWithFallback, def.Action, err == nil, 0, nil)
	if err == nil {
		res.Success = true
		res.Value = v
		return
	}
	res.Err = err

	if o.fallback == nil {
		return
	}
	fres := o.chainExecute(ctx, op, def)
	res.Fallback = &fres
	res.Success = fres.Success
	if fres.Success {
		res.Value = fres.Value
		res.Err = nil
	} else if fres.Err != nil {
		res.Err = fres.Err
	}
}

func (o *Orchestrator) runBackoffRetry(ctx context.Context, op Operation, def OperationDefinition, res *Result) {
	bres := o.backoff.Execute(ctx, def.ID, backoff.Operation(op), o.retryConfig(def))
	res.Backoff = &bres
	res.Success = bres.Success
	res.Value = bres.Value
	res.Err = bres.Err
	o.trace(res, StrategyBackoffRetry, def.Action, bres.Success, bres.Elapsed, map[string]interface{}{
		"attempts": bres.Attempts,
	})
}

// chainExecute adapts the operation itself as the executor for the
// primary tool, so alternatives registered for the action can answer.
func (o *Orchestrator) chainExecute(ctx context.Context, op Operation, def OperationDefinition) fallback.Result {
	o.mu.Lock()
	o.fallbacks++
	o.mu.Unlock()
	return o.fallback.Execute(ctx, def.Service, def.Action, func(ctx context.Context, tool, action string) (interface{}, error) {
		return op(ctx)
	}, def.UserIntent)
}

func (o *Orchestrator) breakerFor(def OperationDefinition) *breaker.Breaker {
	if def.Breaker != nil {
		return o.breakers.GetWith(def.Service, *def.Breaker)
	}
	return o.breakers.Get(def.Service)
}

func (o *Orchestrator) retryConfig(def OperationDefinition) backoff.Config {
	if def.Retry != nil {
		return *def.Retry
	}
	return o.cfg.RetryDefaults
}

// step runs fn as a traced step and folds its outcome into res.
func (o *Orchestrator) step(res *Result, pattern Strategy, action string, fn func() (interface{}, error), meta map[string]interface{}) {
	start := o.now()
	v, err := fn()
	res.Success = err == nil
	res.Value = v
	res.Err = err
	o.trace(res, pattern, action, err == nil, o.now().Sub(start), meta)
}

func (o *Orchestrator) trace(res *Result, pattern Strategy, action string, ok bool, d time.Duration, meta map[string]interface{}) {
	res.PatternsUsed = append(res.PatternsUsed, pattern)
	res.ExecutionPath = append(res.ExecutionPath, Step{
		Pattern:  pattern,
		Action:   action,
		At:       o.now(),
		Duration: d,
		OK:       ok,
		Meta:     meta,
	})
}

func (o *Orchestrator) recordOutcome(ok bool, d time.Duration) {
	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	ms := float64(d.Microseconds()) / 1000

	o.mu.Lock()
	if !o.emaSeeded {
		o.successRate = outcome
		o.avgMs = ms
		o.emaSeeded = true
	} else {
		o.successRate = 0.1*outcome + 0.9*o.successRate
		o.avgMs = 0.1*ms + 0.9*o.avgMs
	}
	o.mu.Unlock()
}

// HealthSnapshot summarizes orchestrator-level metrics.
type HealthSnapshot struct {
	SuccessRate   float64
	AvgResponseMs float64
	OpenBreakers  int
	FallbacksUsed int64
}

// Health returns current EMA metrics and breaker status.
func (o *Orchestrator) Health() HealthSnapshot {
	o.mu.Lock()
	rate, ms, fb := o.successRate, o.avgMs, o.fallbacks
	seeded := o.emaSeeded
	o.mu.Unlock()
	if !seeded {
		rate = 1.0
	}
	return HealthSnapshot{
		SuccessRate:   rate,
		AvgResponseMs: ms,
		OpenBreakers:  o.breakers.OpenCount(),
		FallbacksUsed: fb,
	}
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

// checkHealth reports orchestrator metrics to the degradation manager
// and force-degrades when breaker count crosses its threshold.
func (o *Orchestrator) checkHealth() {
	h := o.Health()
	o.degrade.ReportHealth(degrade.Health{
		ErrorRate:  1 - h.SuccessRate,
		ResponseMs: h.AvgResponseMs,
	})

	if o.cfg.DegradeOpenBreakers > 0 && h.OpenBreakers >= o.cfg.DegradeOpenBreakers && o.degrade.Level() == degrade.LevelFull {
		o.log.Warn("too many open breakers, degrading", "open", h.OpenBreakers)
		o.degrade.SetLevel(degrade.LevelReduced, "open_breakers")
	}
	if o.cfg.DegradeErrorRate > 0 && 1-h.SuccessRate >= o.cfg.DegradeErrorRate && o.degrade.Level() == degrade.LevelFull {
		o.degrade.SetLevel(degrade.LevelReduced, "error_rate")
	}
	if o.cfg.DegradeResponseMs > 0 && h.AvgResponseMs >= o.cfg.DegradeResponseMs && o.degrade.Level() == degrade.LevelFull {
		o.degrade.SetLevel(degrade.LevelReduced, "response_time")
	}
}
