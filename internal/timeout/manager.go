// Package timeout bounds operation execution time and tracks resources
// that need cleanup when their owners finish, fail, or go stale.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// ErrOperationTimeout marks a timeout raised by the manager, as opposed to
// a deadline already present on the caller's context.
var ErrOperationTimeout = errors.New("operation timed out")

// ErrResourceNotFound is returned when releasing an unknown resource.
var ErrResourceNotFound = errors.New("resource not found")

// ErrRegistryFull is returned when the resource registry hits capacity.
var ErrRegistryFull = errors.New("resource registry full")

// Config tunes the manager. Zero values take defaults, except
// GlobalTimeout, where zero disables the global timer.
type Config struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	GlobalTimeout  time.Duration `yaml:"global_timeout"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxResources   int           `yaml:"max_resources"`
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MaxResources <= 0 {
		c.MaxResources = 1000
	}
	return c
}

// CleanupFunc releases one resource. It runs outside the registry lock
// and is bounded by the configured cleanup timeout.
type CleanupFunc func(ctx context.Context) error

// Resource is a read-only view of a tracked resource.
type Resource struct {
	ID           string
	Type         string
	CreatedAt    time.Time
	LastAccessed time.Time
	Metadata     map[string]string
}

type trackedResource struct {
	Resource
	ownerOp string
	cleanup CleanupFunc
}

// opKey carries the owning operation through the context Execute hands
// to its operation, so resources registered inside it are tied to it.
type opKey struct{}

func opFromContext(ctx context.Context) string {
	op, _ := ctx.Value(opKey{}).(string)
	return op
}

// Stats summarizes the manager.
type Stats struct {
	ActiveResources int
	ByType          map[string]int
	TimeoutCount    int64
	AvgOperationMs  float64
	SweepCount      int64
	StaleReleased   int64
}

// Manager runs operations under deadlines and sweeps stale resources.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	bus     events.Bus

	mu        sync.Mutex
	resources map[string]*trackedResource
	doneOps   map[string]struct{}

	timeoutCount  int64
	avgOpMs       float64
	opSeeded      bool
	sweepCount    int64
	staleReleased int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

// NewManager creates a timeout manager. bus and m may be nil.
func NewManager(cfg Config, log *slog.Logger, m *metrics.Metrics, bus events.Bus) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "Timeout"),
		metrics:   m,
		bus:       bus,
		resources: make(map[string]*trackedResource),
		doneOps:   make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweeper and releases every remaining resource.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.ReleaseAll()
}

// Operation is a bounded call.
type Operation func(ctx context.Context) (interface{}, error)

// Execute runs op under the smaller of the requested timeout (or the
// default when zero) and the configured ceiling, racing it against the
// optional global timer. The operation goroutine keeps running after a
// timeout; its result is discarded. Resources the operation registered
// under name are released on timeout and on error; on success they are
// drained by the next sweep.
func (m *Manager) Execute(ctx context.Context, name string, timeout time.Duration, op Operation) (interface{}, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout > m.cfg.MaxTimeout {
		timeout = m.cfg.MaxTimeout
	}

	opCtx, cancel := context.WithTimeout(context.WithValue(ctx, opKey{}, name), timeout)
	defer cancel()

	var globalC <-chan time.Time
	if m.cfg.GlobalTimeout > 0 {
		gt := time.NewTimer(m.cfg.GlobalTimeout)
		defer gt.Stop()
		globalC = gt.C
	}

	start := m.now()
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		m.recordOperation(m.now().Sub(start))
		if out.err != nil {
			m.releaseOp(name, "error")
		} else {
			m.markOpDone(name)
		}
		return out.value, out.err
	case <-globalC:
		cancel()
		m.recordTimeout(name, m.cfg.GlobalTimeout, m.now().Sub(start))
		return nil, fmt.Errorf("%s global timeout after %v: %w", name, m.cfg.GlobalTimeout, ErrOperationTimeout)
	case <-opCtx.Done():
		elapsed := m.now().Sub(start)
		if ctx.Err() != nil {
			// The caller's context expired or was canceled, not ours.
			m.recordOperation(elapsed)
			m.markOpDone(name)
			return nil, ctx.Err()
		}
		m.recordTimeout(name, timeout, elapsed)
		return nil, fmt.Errorf("%s after %v: %w", name, timeout, ErrOperationTimeout)
	}
}

// recordTimeout updates counters and releases the operation's resources.
func (m *Manager) recordTimeout(name string, timeout time.Duration, elapsed time.Duration) {
	m.recordOperation(elapsed)
	m.mu.Lock()
	m.timeoutCount++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.OperationTimeouts.Inc()
	}
	m.log.Warn("operation timed out", "operation", name, "timeout", timeout, "elapsed", elapsed)
	m.releaseOp(name, "timeout")
}

// releaseOp drains every resource registered under op, oldest first.
func (m *Manager) releaseOp(op, reason string) {
	if op == "" {
		return
	}
	m.mu.Lock()
	var owned []*trackedResource
	for id, r := range m.resources {
		if r.ownerOp == op {
			owned = append(owned, r)
			delete(m.resources, id)
		}
	}
	delete(m.doneOps, op)
	active := len(m.resources)
	m.mu.Unlock()

	if len(owned) == 0 {
		return
	}
	if m.metrics != nil {
		m.metrics.ActiveResources.Set(float64(active))
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	for _, r := range owned {
		_ = m.runCleanup(r)
		m.publishReleased(r, reason)
	}
}

// markOpDone flags a completed operation so the sweeper drains any
// resources it left behind. Ops with no leftovers need no entry.
func (m *Manager) markOpDone(op string) {
	if op == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		if r.ownerOp == op {
			m.doneOps[op] = struct{}{}
			return
		}
	}
}

func (m *Manager) recordOperation(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.mu.Lock()
	if !m.opSeeded {
		m.avgOpMs = ms
		m.opSeeded = true
	} else {
		m.avgOpMs = 0.1*ms + 0.9*m.avgOpMs
	}
	m.mu.Unlock()
}

// Register tracks a resource for later cleanup. A generated ID is
// returned when id is empty. When ctx comes from an Execute operation,
// the resource is tied to that operation and released with it.
func (m *Manager) Register(ctx context.Context, id, resType string, cleanup CleanupFunc, meta map[string]string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := m.now()

	m.mu.Lock()
	if len(m.resources) >= m.cfg.MaxResources {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d tracked", ErrRegistryFull, m.cfg.MaxResources)
	}
	m.resources[id] = &trackedResource{
		Resource: Resource{
			ID:           id,
			Type:         resType,
			CreatedAt:    now,
			LastAccessed: now,
			Metadata:     meta,
		},
		ownerOp: opFromContext(ctx),
		cleanup: cleanup,
	}
	active := len(m.resources)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveResources.Set(float64(active))
	}
	return id, nil
}

// Touch refreshes a resource's last-accessed time.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return false
	}
	r.LastAccessed = m.now()
	return true
}

// Release removes the resource and runs its cleanup bounded by the
// cleanup timeout. Cleanup runs without holding the registry lock.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	r, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrResourceNotFound)
	}
	delete(m.resources, id)
	active := len(m.resources)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveResources.Set(float64(active))
	}
	return m.runCleanup(r)
}

func (m *Manager) runCleanup(r *trackedResource) error {
	if r.cleanup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()

	start := m.now()
	err := r.cleanup(ctx)
	if m.metrics != nil {
		m.metrics.CleanupDuration.Observe(m.now().Sub(start).Seconds())
	}
	if err != nil {
		m.log.Error("resource cleanup failed", "id", r.ID, "type", r.Type, "error", err)
		return fmt.Errorf("cleanup %s: %w", r.ID, err)
	}
	return nil
}

// ReleaseAll drains the registry, cleaning oldest resources first.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	drained := make([]*trackedResource, 0, len(m.resources))
	for _, r := range m.resources {
		drained = append(drained, r)
	}
	m.resources = make(map[string]*trackedResource)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveResources.Set(0)
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].CreatedAt.Before(drained[j].CreatedAt) })
	for _, r := range drained {
		_ = m.runCleanup(r)
	}
}

// Get returns a copy of a tracked resource.
func (m *Manager) Get(id string) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return Resource{}, false
	}
	return r.Resource, true
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep releases leftovers of completed operations and resources idle
// past the stale threshold, oldest first.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.cfg.StaleAfter)

	type release struct {
		r      *trackedResource
		reason string
	}
	m.mu.Lock()
	var drained []release
	for id, r := range m.resources {
		if _, done := m.doneOps[r.ownerOp]; r.ownerOp != "" && done {
			drained = append(drained, release{r, "completed"})
			delete(m.resources, id)
			continue
		}
		if r.LastAccessed.Before(cutoff) {
			drained = append(drained, release{r, "stale"})
			delete(m.resources, id)
			m.staleReleased++
		}
	}
	// Every flagged op just had its leftovers collected.
	m.doneOps = make(map[string]struct{})
	m.sweepCount++
	active := len(m.resources)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveResources.Set(float64(active))
	}
	if len(drained) == 0 {
		return
	}

	sort.Slice(drained, func(i, j int) bool { return drained[i].r.LastAccessed.Before(drained[j].r.LastAccessed) })
	for _, rel := range drained {
		m.log.Info("releasing resource", "id", rel.r.ID, "type", rel.r.Type, "reason", rel.reason)
		_ = m.runCleanup(rel.r)
		m.publishReleased(rel.r, rel.reason)
	}
}

func (m *Manager) publishReleased(r *trackedResource, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), &events.Event{
		Type:   events.EventResourceReleased,
		Source: "timeout",
		Payload: map[string]interface{}{
			"resource_id":   r.ID,
			"resource_type": r.Type,
			"reason":        reason,
		},
	})
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string]int)
	for _, r := range m.resources {
		byType[r.Type]++
	}
	return Stats{
		ActiveResources: len(m.resources),
		ByType:          byType,
		TimeoutCount:    m.timeoutCount,
		AvgOperationMs:  m.avgOpMs,
		SweepCount:      m.sweepCount,
		StaleReleased:   m.staleReleased,
	}
}
