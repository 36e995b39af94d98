package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// BoundaryType names an isolation region.
type BoundaryType string

const (
	BoundaryAIProcessing  BoundaryType = "ai_processing"
	BoundaryToolExecution BoundaryType = "tool_execution"
	BoundarySlackResponse BoundaryType = "slack_response"
	BoundaryRegistry      BoundaryType = "registry"
)

// preservesContext reports whether failures inside this boundary should
// snapshot the request context for later resumption.
func (t BoundaryType) preservesContext() bool {
	switch t {
	case BoundaryAIProcessing, BoundaryToolExecution, BoundaryRegistry:
		return true
	}
	return false
}

// BoundaryState tracks boundary health.
type BoundaryState int

const (
	BoundaryHealthy BoundaryState = iota
	BoundaryDegraded
	BoundaryIsolated
)

func (s BoundaryState) String() string {
	switch s {
	case BoundaryHealthy:
		return "HEALTHY"
	case BoundaryDegraded:
		return "DEGRADED"
	case BoundaryIsolated:
		return "ISOLATED"
	default:
		return "UNKNOWN"
	}
}

// ExecutionMode is how the boundary routes a call.
type ExecutionMode string

const (
	ModeOrchestratorFirst ExecutionMode = "orchestrator_first"
	ModeBoundaryFirst     ExecutionMode = "boundary_first"
	ModeHybrid            ExecutionMode = "hybrid"
)

// ErrBoundaryIsolated is returned when an isolated boundary has no
// fallback to serve.
var ErrBoundaryIsolated = errors.New("boundary isolated")

// BoundaryConfig tunes error accounting. Zero values take defaults.
type BoundaryConfig struct {
	MaxErrorsBeforeDegradation int           `yaml:"max_errors_before_degradation"`
	MaxErrorsBeforeIsolation   int           `yaml:"max_errors_before_isolation"`
	RecoveryTimeout            time.Duration `yaml:"recovery_timeout"`
	IsolationDuration          time.Duration `yaml:"isolation_duration"`
	MaxSnapshots               int           `yaml:"max_snapshots"`
}

func (c BoundaryConfig) withDefaults() BoundaryConfig {
	if c.MaxErrorsBeforeDegradation <= 0 {
		c.MaxErrorsBeforeDegradation = 3
	}
	if c.MaxErrorsBeforeIsolation <= 0 {
		c.MaxErrorsBeforeIsolation = 10
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.IsolationDuration <= 0 {
		c.IsolationDuration = time.Minute
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = 100
	}
	return c
}

// BoundaryResult wraps the orchestrator result with boundary routing
// and context-preservation outputs.
type BoundaryResult struct {
	*Result
	Boundary  BoundaryType
	State     BoundaryState
	Mode      ExecutionMode
	ContextID string // snapshot id, set on preserved failures
}

// Snapshot is one preserved request context.
type Snapshot struct {
	ID       string
	Boundary BoundaryType
	Payload  []byte
	TakenAt  time.Time
	Cause    string
}

// Boundary accumulates errors around the orchestrator and isolates
// itself when a region keeps failing. Successful calls work the error
// count back toward zero.
type Boundary struct {
	typ      BoundaryType
	cfg      BoundaryConfig
	orch     *Orchestrator
	fallback Operation // boundary-level fallback, may be nil
	log      *slog.Logger
	metrics  *metrics.Metrics
	bus      events.Bus

	mu              sync.Mutex
	state           BoundaryState
	errorCount      int
	lastError       error
	lastErrorAt     time.Time
	lastStateChange time.Time
	isolatedUntil   time.Time
	snapshots       map[string]Snapshot
	snapshotOrder   []string

	now func() time.Time
}

// NewBoundary creates a boundary around orch. fallback may be nil.
func NewBoundary(typ BoundaryType, cfg BoundaryConfig, orch *Orchestrator, fallbackOp Operation,
	log *slog.Logger, m *metrics.Metrics, bus events.Bus) *Boundary {
	if log == nil {
		log = slog.Default()
	}
	b := &Boundary{
		typ:       typ,
		cfg:       cfg.withDefaults(),
		orch:      orch,
		fallback:  fallbackOp,
		log:       log.With("component", "Boundary", "boundary", string(typ)),
		metrics:   m,
		bus:       bus,
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
	b.lastStateChange = b.now()
	return b
}

// Type returns the boundary type.
func (b *Boundary) Type() BoundaryType { return b.typ }

// State returns the current boundary state, expiring isolation first.
func (b *Boundary) State() BoundaryState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireIsolationLocked()
	return b.state
}

func (b *Boundary) expireIsolationLocked() {
	if b.state == BoundaryIsolated && b.now().After(b.isolatedUntil) {
		b.errorCount = b.cfg.MaxErrorsBeforeDegradation
		b.setStateLocked(BoundaryDegraded)
	}
	// A degraded boundary quiet for a full recovery timeout resets.
	if b.state == BoundaryDegraded && !b.lastErrorAt.IsZero() && b.now().Sub(b.lastErrorAt) >= b.cfg.RecoveryTimeout {
		b.errorCount = 0
		b.setStateLocked(BoundaryHealthy)
	}
}

// Execute routes op through the mode chosen for the current state.
// payload, when non-nil, is the opaque request context preserved on
// failure for context-keeping boundary types.
func (b *Boundary) Execute(ctx context.Context, op Operation, def OperationDefinition, payload []byte) BoundaryResult {
	b.mu.Lock()
	b.expireIsolationLocked()
	state := b.state
	mode := b.modeLocked(def)
	b.mu.Unlock()

	res := BoundaryResult{Boundary: b.typ, State: state, Mode: mode}

	switch mode {
	case ModeBoundaryFirst:
		// Isolation serves the fallback without touching the error account.
		res.Result = b.runFallbackOnly(ctx)
	case ModeHybrid:
		res.Result = b.orch.Execute(ctx, op, def)
		// The error account sees the orchestrator outcome. A fallback
		// rescue serves the caller but must not mask the failure, or an
		// essential boundary with a working fallback never degrades.
		b.recordOutcome(res.Result.Success, res.Result.Err)
		if !res.Result.Success && b.fallback != nil {
			if v, err := b.fallback(ctx); err == nil {
				res.Result.Success = true
				res.Result.Value = v
				res.Result.Err = nil
			}
		}
	default:
		res.Result = b.orch.Execute(ctx, op, def)
		b.recordOutcome(res.Result.Success, res.Result.Err)
	}
	res.State = b.State()

	if !res.Result.Success && b.typ.preservesContext() && payload != nil {
		res.ContextID = b.preserve(payload, res.Result.Err)
	}
	return res
}

// modeLocked applies the routing ladder for the current state.
func (b *Boundary) modeLocked(def OperationDefinition) ExecutionMode {
	switch {
	case b.state == BoundaryIsolated:
		return ModeBoundaryFirst
	case !def.Essential && b.errorCount >= b.cfg.MaxErrorsBeforeDegradation:
		return ModeOrchestratorFirst
	case def.Essential:
		return ModeHybrid
	default:
		return ModeOrchestratorFirst
	}
}

func (b *Boundary) runFallbackOnly(ctx context.Context) *Result {
	res := &Result{FinalStrategy: StrategyTimeoutWithFallback}
	if b.fallback == nil {
		res.Err = ErrBoundaryIsolated
		return res
	}
	v, err := b.fallback(ctx)
	res.Success = err == nil
	res.Value = v
	res.Err = err
	return res
}

func (b *Boundary) recordOutcome(ok bool, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		if b.errorCount > 0 {
			b.errorCount--
		}
		// Stay degraded until the account fully drains.
		if b.errorCount == 0 && b.state != BoundaryHealthy {
			b.setStateLocked(BoundaryHealthy)
		}
		return
	}

	b.errorCount++
	b.lastError = cause
	b.lastErrorAt = b.now()
	switch {
	case b.errorCount >= b.cfg.MaxErrorsBeforeIsolation:
		if b.state != BoundaryIsolated {
			b.isolatedUntil = b.now().Add(b.cfg.IsolationDuration)
			b.setStateLocked(BoundaryIsolated)
		}
	case b.errorCount >= b.cfg.MaxErrorsBeforeDegradation:
		if b.state == BoundaryHealthy {
			b.setStateLocked(BoundaryDegraded)
		}
	}
}

func (b *Boundary) setStateLocked(next BoundaryState) {
	if next == b.state {
		return
	}
	prev := b.state
	b.state = next
	b.lastStateChange = b.now()

	b.log.Warn("boundary state changed", "from", prev.String(), "to", next.String(), "errors", b.errorCount)
	if b.metrics != nil {
		b.metrics.BoundaryState.WithLabelValues(string(b.typ)).Set(float64(next))
	}
	if b.bus != nil {
		evType := events.EventBoundaryRecovered
		if next == BoundaryIsolated {
			evType = events.EventBoundaryIsolated
		}
		b.bus.Publish(context.Background(), &events.Event{
			Type:   evType,
			Source: "boundary",
			Payload: map[string]interface{}{
				"boundary": string(b.typ),
				"from":     prev.String(),
				"to":       next.String(),
			},
		})
	}
}

// preserve snapshots an opaque request context and returns its id.
// Oldest snapshots are evicted past the capacity bound.
func (b *Boundary) preserve(payload []byte, cause error) string {
	id := uuid.New().String()
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	blob := make([]byte, len(payload))
	copy(blob, payload)

	b.mu.Lock()
	b.snapshots[id] = Snapshot{
		ID:       id,
		Boundary: b.typ,
		Payload:  blob,
		TakenAt:  b.now(),
		Cause:    causeMsg,
	}
	b.snapshotOrder = append(b.snapshotOrder, id)
	for len(b.snapshotOrder) > b.cfg.MaxSnapshots {
		evict := b.snapshotOrder[0]
		b.snapshotOrder = b.snapshotOrder[1:]
		delete(b.snapshots, evict)
	}
	b.mu.Unlock()
	return id
}

// TakeSnapshot removes and returns a preserved context, for an external
// store to persist or resume.
func (b *Boundary) TakeSnapshot(id string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.snapshots[id]
	if !ok {
		return Snapshot{}, false
	}
	delete(b.snapshots, id)
	for i, sid := range b.snapshotOrder {
		if sid == id {
			b.snapshotOrder = append(b.snapshotOrder[:i], b.snapshotOrder[i+1:]...)
			break
		}
	}
	return s, true
}

// Status is a point-in-time boundary summary.
type Status struct {
	Type            BoundaryType  `json:"type"`
	State           BoundaryState `json:"state"`
	ErrorCount      int           `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	LastStateChange time.Time     `json:"last_state_change"`
	IsolatedUntil   time.Time     `json:"isolated_until,omitempty"`
	Snapshots       int           `json:"snapshots"`
}

// Status reports the boundary's current accounting.
func (b *Boundary) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireIsolationLocked()

	s := Status{
		Type:            b.typ,
		State:           b.state,
		ErrorCount:      b.errorCount,
		LastStateChange: b.lastStateChange,
		Snapshots:       len(b.snapshots),
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	if b.state == BoundaryIsolated {
		s.IsolatedUntil = b.isolatedUntil
	}
	return s
}
