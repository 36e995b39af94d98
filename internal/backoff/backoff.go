// Package backoff implements adaptive retry with exponential, linear,
// fibonacci, fixed and decorrelated delay strategies, jitter, and
// per-operation EMA metrics that feed strategy recommendations.
//
// Permanent failures (auth, validation, bad request) are never retried;
// transient classes scale the next delay by error-type, recent success
// rate and reported system load before jitter is applied.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ocx/gatekeeper/internal/metrics"
)

// Strategy selects the base-delay rule.
type Strategy string

const (
	StrategyExponential  Strategy = "exponential"
	StrategyLinear       Strategy = "linear"
	StrategyFixed        Strategy = "fixed"
	StrategyFibonacci    Strategy = "fibonacci"
	StrategyDecorrelated Strategy = "decorrelated"
)

// Jitter selects the randomization applied to a capped delay.
type Jitter string

const (
	JitterNone         Jitter = "none"
	JitterFull         Jitter = "full"         // U(0, d)
	JitterEqual        Jitter = "equal"        // d/2 + U(0, d/2)
	JitterDecorrelated Jitter = "decorrelated" // U(0, 3d)
)

// ErrorType classifies an operation failure.
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network"
	ErrorTimeout    ErrorType = "timeout"
	ErrorRateLimit  ErrorType = "rate_limit"
	ErrorServer     ErrorType = "server_error"
	ErrorAuth       ErrorType = "auth_error"
	ErrorValidation ErrorType = "validation"
	ErrorUnknown    ErrorType = "unknown"
)

// Sentinel errors callers can wrap to force a classification.
var (
	ErrNetwork     = errors.New("network error")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrAuth        = errors.New("authentication error")
	ErrValidation  = errors.New("validation error")
)

// Classify maps an error to its type, preferring sentinel wrapping and
// falling back to message heuristics.
func Classify(err error) ErrorType {
	switch {
	case err == nil:
		return ErrorUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, ErrNetwork):
		return ErrorNetwork
	case errors.Is(err, ErrRateLimited):
		return ErrorRateLimit
	case errors.Is(err, ErrServer):
		return ErrorServer
	case errors.Is(err, ErrAuth):
		return ErrorAuth
	case errors.Is(err, ErrValidation):
		return ErrorValidation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "refused"):
		return ErrorNetwork
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return ErrorRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ErrorAuth
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request") || strings.Contains(msg, "400"):
		return ErrorValidation
	case strings.Contains(msg, "500") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "server error"):
		return ErrorServer
	default:
		return ErrorUnknown
	}
}

// retryable reports whether a class is worth retrying.
func retryable(t ErrorType) bool {
	return t != ErrorAuth && t != ErrorValidation
}

// Config tunes one retry loop. Zero values take defaults.
type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	Strategy         Strategy      `yaml:"strategy"`
	Jitter           Jitter        `yaml:"jitter"`
	OperationTimeout time.Duration `yaml:"operation_timeout"` // per attempt
	TotalTimeout     time.Duration `yaml:"total_timeout"`     // whole loop

	AdaptOnErrorType   bool `yaml:"adapt_on_error_type"`
	AdaptOnSuccessRate bool `yaml:"adapt_on_success_rate"`
	AdaptOnSystemLoad  bool `yaml:"adapt_on_system_load"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	if c.Jitter == "" {
		c.Jitter = JitterEqual
	}
	return c
}

// Operation is the retried call.
type Operation func(ctx context.Context) (interface{}, error)

// Result is the outcome of Execute.
type Result struct {
	Success       bool
	Value         interface{}
	Err           error
	Attempts      int
	TotalDelay    time.Duration
	Elapsed       time.Duration
	LastErrorType ErrorType
}

// OpMetrics is the per-operation EMA state (alpha 0.1).
type OpMetrics struct {
	SuccessRate     float64
	AvgResponseTime float64 // milliseconds
	ErrorTypeCounts map[ErrorType]int64
	LastAttemptTime time.Time
}

const emaAlpha = 0.1

type opState struct {
	successRate     float64
	avgResponseMs   float64
	seeded          bool
	errorTypeCounts map[ErrorType]int64
	lastAttempt     time.Time
	prevDelay       time.Duration // decorrelated strategy state
}

// Engine runs retry loops and tracks per-operation metrics.
// Safe for concurrent use.
type Engine struct {
	metrics *metrics.Metrics

	mu  sync.Mutex
	ops map[string]*opState

	cpuLoad float64
	memLoad float64

	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error // test seam
	now   func() time.Time
}

// NewEngine creates a backoff engine. m may be nil.
func NewEngine(m *metrics.Metrics) *Engine {
	return &Engine{
		metrics: m,
		ops:     make(map[string]*opState),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetSystemLoad feeds normalized cpu/mem load in [0,1] from outside.
func (e *Engine) SetSystemLoad(cpu, mem float64) {
	e.mu.Lock()
	e.cpuLoad = cpu
	e.memLoad = mem
	e.mu.Unlock()
}

// Execute retries op under cfg until success, a permanent failure, attempt
// exhaustion, total timeout, or context cancellation.
func (e *Engine) Execute(ctx context.Context, id string, op Operation, cfg Config) Result {
	cfg = cfg.withDefaults()
	start := e.now()

	var deadline time.Time
	if cfg.TotalTimeout > 0 {
		deadline = start.Add(cfg.TotalTimeout)
	}

	res := Result{LastErrorType: ErrorUnknown}
	var prevDelay time.Duration

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		value, err := e.runAttempt(ctx, op, cfg.OperationTimeout)
		e.recordAttempt(id, err)

		if err == nil {
			res.Success = true
			res.Value = value
			res.Elapsed = e.now().Sub(start)
			return res
		}

		res.Err = err
		res.LastErrorType = Classify(err)
		if e.metrics != nil {
			e.metrics.RetryAttempts.WithLabelValues(string(res.LastErrorType)).Inc()
		}

		if !retryable(res.LastErrorType) {
			break
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}

		delay := e.NextDelay(id, cfg, attempt, prevDelay, res.LastErrorType)
		prevDelay = delay

		if !deadline.IsZero() && e.now().Add(delay).After(deadline) {
			break
		}
		if e.metrics != nil {
			e.metrics.RetryDelay.Observe(delay.Seconds())
		}
		if err := e.sleep(ctx, delay); err != nil {
			res.Err = err
			break
		}
		res.TotalDelay += delay
	}

	res.Elapsed = e.now().Sub(start)
	return res
}

func (e *Engine) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(ctx)
}

// NextDelay computes the post-jitter delay before the (attempt+1)-th try.
// attempt is 1-based; prevDelay carries decorrelated state.
func (e *Engine) NextDelay(id string, cfg Config, attempt int, prevDelay time.Duration, errType ErrorType) time.Duration {
	cfg = cfg.withDefaults()
	d := e.baseDelay(cfg, attempt, prevDelay)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	d = time.Duration(float64(d) * e.adaptiveFactor(id, cfg, errType))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return e.applyJitter(cfg.Jitter, d)
}

func (e *Engine) baseDelay(cfg Config, attempt int, prevDelay time.Duration) time.Duration {
	base := float64(cfg.BaseDelay)
	switch cfg.Strategy {
	case StrategyLinear:
		return time.Duration(base * float64(attempt))
	case StrategyFixed:
		return cfg.BaseDelay
	case StrategyFibonacci:
		return time.Duration(base * float64(fib(attempt)))
	case StrategyDecorrelated:
		if prevDelay <= 0 {
			return cfg.BaseDelay
		}
		return cfg.BaseDelay + time.Duration(e.randFloat()*float64(prevDelay))
	default: // exponential
		return time.Duration(base * math.Pow(cfg.Multiplier, float64(attempt-1)))
	}
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

// adaptiveFactor multiplies the capped delay by error-type, success-rate
// and system-load factors, each gated by config.
func (e *Engine) adaptiveFactor(id string, cfg Config, errType ErrorType) float64 {
	factor := 1.0

	if cfg.AdaptOnErrorType {
		switch errType {
		case ErrorNetwork:
			factor *= 1.5
		case ErrorRateLimit:
			factor *= 3.0
		case ErrorServer:
			factor *= 1.2
		case ErrorAuth:
			factor *= 0.5
		}
	}

	e.mu.Lock()
	state := e.ops[id]
	cpu, mem := e.cpuLoad, e.memLoad
	var successRate float64
	seeded := false
	if state != nil {
		successRate = state.successRate
		seeded = state.seeded
	}
	e.mu.Unlock()

	if cfg.AdaptOnSuccessRate && seeded {
		switch {
		case successRate >= 0.9:
			factor *= 0.8
		case successRate >= 0.7:
			// neutral band
		case successRate >= 0.5:
			factor *= 1.2
		case successRate >= 0.3:
			factor *= 1.5
		default:
			factor *= 2.0
		}
	}

	if cfg.AdaptOnSystemLoad {
		load := (cpu + mem) / 2
		switch {
		case load < 0.3:
			factor *= 0.7
		case load < 0.5:
			// neutral band
		case load < 0.7:
			factor *= 1.3
		case load < 0.85:
			factor *= 1.8
		default:
			factor *= 2.5
		}
	}

	return factor
}

func (e *Engine) applyJitter(j Jitter, d time.Duration) time.Duration {
	switch j {
	case JitterFull:
		return time.Duration(e.randFloat() * float64(d))
	case JitterEqual:
		half := float64(d) / 2
		return time.Duration(half + e.randFloat()*half)
	case JitterDecorrelated:
		return time.Duration(e.randFloat() * 3 * float64(d))
	default:
		return d
	}
}

func (e *Engine) randFloat() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

// recordAttempt updates the per-operation EMA state.
func (e *Engine) recordAttempt(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.ops[id]
	if !ok {
		state = &opState{errorTypeCounts: make(map[ErrorType]int64)}
		e.ops[id] = state
	}

	outcome := 1.0
	if err != nil {
		outcome = 0.0
		state.errorTypeCounts[Classify(err)]++
	}
	if !state.seeded {
		state.successRate = outcome
		state.seeded = true
	} else {
		state.successRate = emaAlpha*outcome + (1-emaAlpha)*state.successRate
	}
	state.lastAttempt = e.now()
}

// RecordResponseTime folds an observed response time into the EMA.
func (e *Engine) RecordResponseTime(id string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.ops[id]
	if !ok {
		state = &opState{errorTypeCounts: make(map[ErrorType]int64)}
		e.ops[id] = state
	}
	ms := float64(d.Milliseconds())
	if state.avgResponseMs == 0 {
		state.avgResponseMs = ms
	} else {
		state.avgResponseMs = emaAlpha*ms + (1-emaAlpha)*state.avgResponseMs
	}
}

// Metrics returns a copy of the operation's EMA state.
func (e *Engine) Metrics(id string) (OpMetrics, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.ops[id]
	if !ok {
		return OpMetrics{}, false
	}
	counts := make(map[ErrorType]int64, len(state.errorTypeCounts))
	for k, v := range state.errorTypeCounts {
		counts[k] = v
	}
	return OpMetrics{
		SuccessRate:     state.successRate,
		AvgResponseTime: state.avgResponseMs,
		ErrorTypeCounts: counts,
		LastAttemptTime: state.lastAttempt,
	}, true
}

// RecommendedStrategy suggests a strategy from observed failure shape:
// network-dominated operations decorrelate, badly failing operations slow
// down on the fibonacci curve, everything else stays exponential.
func (e *Engine) RecommendedStrategy(id string) Strategy {
	m, ok := e.Metrics(id)
	if !ok {
		return StrategyExponential
	}

	var total, network int64
	for t, n := range m.ErrorTypeCounts {
		total += n
		if t == ErrorNetwork {
			network = n
		}
	}
	if total > 0 && float64(network)/float64(total) > 0.5 {
		return StrategyDecorrelated
	}
	if m.SuccessRate < 0.3 {
		return StrategyFibonacci
	}
	return StrategyExponential
}
