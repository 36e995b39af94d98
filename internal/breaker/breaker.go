// Package breaker implements per-service circuit breakers protecting
// downstream operations from cascading failures.
//
// Each breaker is a three-state machine: CLOSED passes calls through and
// counts outcomes; OPEN fast-fails (optionally serving a fallback); after
// the recovery timeout the next call probes in HALF_OPEN, and a run of
// consecutive successes closes the circuit again. Tripping happens on a
// consecutive-failure threshold or on the error rate over a bounded call
// history window once call volume is sufficient.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration. Zero values take defaults.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`   // consecutive failures to trip
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`    // OPEN before probing
	SuccessThreshold int           `yaml:"success_threshold"`   // half-open successes to close
	VolumeThreshold  int           `yaml:"volume_threshold"`    // min calls before rate check
	ErrorRate        float64       `yaml:"error_rate"`          // failure ratio to trip on
	TimeWindow       time.Duration `yaml:"time_window"`         // rate-check lookback
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // concurrent probes allowed
	MaxHistory       int           `yaml:"max_history"`         // bounded call history
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 10
	}
	if c.ErrorRate <= 0 {
		c.ErrorRate = 0.5
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	return c
}

// CallRecord is one completed call outcome in the bounded history.
type CallRecord struct {
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
	Err       string
}

// Operation is the downstream call wrapped by the breaker.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback runs when the breaker refuses or the operation fails.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// Result is the structured outcome of Execute.
type Result struct {
	Success         bool
	Value           interface{}
	Err             error
	State           State
	ExecutionTime   time.Duration
	FromCache       bool          // true when the fallback served the result
	CircuitOpenTime time.Duration // how long the circuit has been open, when rejected
}

// Breaker protects a single downstream service. Safe for concurrent use.
type Breaker struct {
	service string
	cfg     Config
	bus     events.Bus
	metrics *metrics.Metrics

	mu               sync.Mutex
	state            State
	failureCount     int // consecutive failures (closed state)
	successCount     int // consecutive successes (half-open state)
	stateChangeTime  time.Time
	halfOpenInFlight int
	history          []CallRecord
	historyHead      int
	historySize      int

	now func() time.Time // test seam
}

// New creates a breaker for one service. bus and m may be nil.
func New(service string, cfg Config, bus events.Bus, m *metrics.Metrics) *Breaker {
	b := &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		bus:     bus,
		metrics: m,
		state:   StateClosed,
		now:     time.Now,
	}
	b.stateChangeTime = b.now()
	b.history = make([]CallRecord, b.cfg.MaxHistory)
	return b
}

// Service returns the protected service name.
func (b *Breaker) Service() string { return b.service }

// State returns the current state. An elapsed recovery timeout is only
// acted on by the next call; State reports the stored machine state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. When the circuit refuses the call and
// a fallback is provided, the fallback serves the result with FromCache set.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) Result {
	if err := b.beforeCall(); err != nil {
		res := Result{
			Err:             err,
			State:           b.State(),
			CircuitOpenTime: b.openFor(),
		}
		if fallback != nil {
			value, ferr := fallback(ctx, err)
			if ferr == nil {
				res.Success = true
				res.Value = value
				res.Err = nil
				res.FromCache = true
			} else {
				res.Err = ferr
			}
		}
		return res
	}

	start := b.now()
	value, err := op(ctx)
	elapsed := b.now().Sub(start)
	b.afterCall(err, elapsed)

	res := Result{
		Success:       err == nil,
		Value:         value,
		Err:           err,
		State:         b.State(),
		ExecutionTime: elapsed,
	}
	if err != nil && fallback != nil {
		if fv, ferr := fallback(ctx, err); ferr == nil {
			res.Success = true
			res.Value = fv
			res.Err = nil
			res.FromCache = true
		}
	}
	return res
}

func (b *Breaker) openFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return b.now().Sub(b.stateChangeTime)
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.stateChangeTime) < b.cfg.RecoveryTimeout {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		b.halfOpenInFlight++
	}
	return nil
}

func (b *Breaker) afterCall(err error, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := CallRecord{Timestamp: b.now(), Success: err == nil, Duration: elapsed}
	if err != nil {
		rec.Err = err.Error()
	}
	b.pushHistory(rec)

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold || b.windowTrips() {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// windowTrips evaluates the error rate over the bounded history window.
// Caller must hold mu.
func (b *Breaker) windowTrips() bool {
	cutoff := b.now().Add(-b.cfg.TimeWindow)
	var calls, failures int
	for i := 0; i < b.historySize; i++ {
		rec := b.history[i]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		calls++
		if !rec.Success {
			failures++
		}
	}
	return calls >= b.cfg.VolumeThreshold && float64(failures)/float64(calls) >= b.cfg.ErrorRate
}

// pushHistory appends to the bounded ring. Caller must hold mu.
func (b *Breaker) pushHistory(rec CallRecord) {
	b.history[b.historyHead] = rec
	b.historyHead = (b.historyHead + 1) % len(b.history)
	if b.historySize < len(b.history) {
		b.historySize++
	}
}

// setState transitions the machine. Caller must hold mu.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.stateChangeTime = b.now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0

	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(b.service).Set(float64(next))
		b.metrics.BreakerTransitions.WithLabelValues(b.service, next.String()).Inc()
	}
	if b.bus != nil {
		b.bus.Publish(context.Background(), &events.Event{
			ID:     uuid.NewString(),
			Type:   events.EventBreakerStateChange,
			Source: "breaker",
			Payload: map[string]interface{}{
				"service": b.service,
				"from":    prev.String(),
				"to":      next.String(),
			},
		})
	}
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Service         string
	State           State
	FailureCount    int
	SuccessCount    int
	StateChangeTime time.Time
	RecentCalls     []CallRecord
}

// Snapshot returns a copy of the breaker's state and recent history,
// oldest call first.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	calls := make([]CallRecord, 0, b.historySize)
	start := b.historyHead - b.historySize
	if start < 0 {
		start += len(b.history)
	}
	for i := 0; i < b.historySize; i++ {
		calls = append(calls, b.history[(start+i)%len(b.history)])
	}

	return Stats{
		Service:         b.service,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		StateChangeTime: b.stateChangeTime,
		RecentCalls:     calls,
	}
}
