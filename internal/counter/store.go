// Package counter implements the shared counter store backing rate limits,
// cooldowns and activity sampling.
//
// The store prefers a Redis backend (see internal/infra) so that limits hold
// across pods, but it never becomes a single point of failure: on any backend
// error it flips to an in-process fallback and keeps serving. A background
// probe pings the backend and restores it once reachable. Fallback data is
// not migrated back; windows are short-lived, so losing them on recovery is
// an accepted trade-off.
package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ocx/gatekeeper/internal/metrics"
)

// Backend is the minimal key-value surface the store needs. The go-redis
// adapter in internal/infra satisfies it; memoryBackend is the in-process
// equivalent used as fallback.
type Backend interface {
	// Incr atomically increments key and starts its TTL on first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	// AddSample appends a timestamp-scored member, trimming to the newest capN.
	AddSample(ctx context.Context, key string, ts int64, member string, capN int64) error
	// SamplesSince returns members with score >= fromTs, oldest first.
	SamplesSince(ctx context.Context, key string, fromTs int64) ([]string, error)
	Ping(ctx context.Context) error
}

// Sample is one timestamped entry in a bounded sample buffer.
type Sample struct {
	Timestamp time.Time
	Value     string
}

// Options tunes store behavior. Zero values take defaults.
type Options struct {
	ProbeInterval time.Duration // backend health probe cadence while degraded
	SweepInterval time.Duration // fallback expiry sweep cadence
}

// Store is the shared counter store (C1). Safe for concurrent use.
type Store struct {
	backend  Backend // nil when running memory-only
	fallback *memoryBackend
	metrics  *metrics.Metrics

	degraded atomic.Bool
	probeInt time.Duration
	stop     chan struct{}
}

// New creates a counter store. backend may be nil, in which case the store
// runs memory-only and reports unavailable backend from the start.
func New(backend Backend, m *metrics.Metrics, opts Options) *Store {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}

	s := &Store{
		backend:  backend,
		fallback: newMemoryBackend(),
		metrics:  m,
		probeInt: opts.ProbeInterval,
		stop:     make(chan struct{}),
	}
	if backend == nil {
		s.markDegraded(nil)
	}

	go s.fallback.sweep(opts.SweepInterval, s.stop)
	go s.probeLoop()

	return s
}

// Close stops background goroutines.
func (s *Store) Close() {
	close(s.stop)
}

// IsAvailable reports whether the shared backend is currently serving.
// The store itself always serves (via the fallback).
func (s *Store) IsAvailable() bool {
	return !s.degraded.Load()
}

// current returns the backend to use for this call and its metric label.
func (s *Store) current() (Backend, string) {
	if s.backend != nil && !s.degraded.Load() {
		return s.backend, "redis"
	}
	return s.fallback, "memory"
}

func (s *Store) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		slog.Warn("[CounterStore] Backend degraded, serving from memory", "error", err)
		if s.metrics != nil {
			s.metrics.StoreFallbackActive.Set(1)
		}
	}
}

func (s *Store) markHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		slog.Info("[CounterStore] Backend recovered")
		if s.metrics != nil {
			s.metrics.StoreFallbackActive.Set(0)
		}
	}
}

func (s *Store) observe(backend, result string) {
	if s.metrics != nil {
		s.metrics.StoreOperations.WithLabelValues(backend, result).Inc()
	}
}

// probeLoop pings the real backend while degraded and restores it on success.
func (s *Store) probeLoop() {
	if s.backend == nil {
		return
	}
	ticker := time.NewTicker(s.probeInt)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := s.backend.Ping(ctx)
			cancel()
			if err == nil {
				s.markHealthy()
			}
		}
	}
}

// Increment bumps the fixed-window counter for key and returns the new count.
// The window TTL starts with the first increment.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	b, label := s.current()
	n, err := b.Incr(ctx, key, window)
	if err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		return s.fallback.Incr(ctx, key, window)
	}
	s.observe(label, "ok")
	return n, nil
}

// GetCount returns the current counter value for key, zero when absent.
func (s *Store) GetCount(ctx context.Context, key string) int64 {
	b, label := s.current()
	n, ok, err := b.GetInt(ctx, key)
	if err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		n, ok, _ = s.fallback.GetInt(ctx, key)
	} else {
		s.observe(label, "ok")
	}
	if !ok {
		return 0
	}
	return n
}

// SetWindowStart stamps a window-start timestamp under key with the given TTL.
func (s *Store) SetWindowStart(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	val := strconv.FormatInt(t.UnixMilli(), 10)
	b, label := s.current()
	if err := b.Set(ctx, key, val, ttl); err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		return s.fallback.Set(ctx, key, val, ttl)
	}
	s.observe(label, "ok")
	return nil
}

// GetWindowStart reads a previously stamped timestamp. The second return is
// false when no stamp exists (or it expired).
func (s *Store) GetWindowStart(ctx context.Context, key string) (time.Time, bool) {
	b, label := s.current()
	val, ok, err := b.Get(ctx, key)
	if err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		val, ok, _ = s.fallback.Get(ctx, key)
	} else {
		s.observe(label, "ok")
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// PushSample appends a timestamped value to the bounded buffer under key,
// keeping at most capN newest entries.
func (s *Store) PushSample(ctx context.Context, key string, ts time.Time, value string, capN int64) error {
	member := fmt.Sprintf("%d|%s", ts.UnixMilli(), value)
	b, label := s.current()
	if err := b.AddSample(ctx, key, ts.UnixMilli(), member, capN); err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		return s.fallback.AddSample(ctx, key, ts.UnixMilli(), member, capN)
	}
	s.observe(label, "ok")
	return nil
}

// RangeSamples returns samples recorded at or after from, oldest first.
func (s *Store) RangeSamples(ctx context.Context, key string, from time.Time) []Sample {
	b, label := s.current()
	members, err := b.SamplesSince(ctx, key, from.UnixMilli())
	if err != nil {
		s.observe(label, "error")
		s.markDegraded(err)
		members, _ = s.fallback.SamplesSince(ctx, key, from.UnixMilli())
	} else {
		s.observe(label, "ok")
	}

	out := make([]Sample, 0, len(members))
	for _, m := range members {
		sample, ok := decodeSample(m)
		if ok {
			out = append(out, sample)
		}
	}
	return out
}

// Reset removes all state under key.
func (s *Store) Reset(ctx context.Context, key string) error {
	// Delete from both so a recovered backend does not resurrect the key.
	_ = s.fallback.Del(ctx, key)
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Del(ctx, key); err != nil {
		s.markDegraded(err)
		return err
	}
	return nil
}

func decodeSample(member string) (Sample, bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			ms, err := strconv.ParseInt(member[:i], 10, 64)
			if err != nil {
				return Sample{}, false
			}
			return Sample{Timestamp: time.UnixMilli(ms), Value: member[i+1:]}, true
		}
	}
	return Sample{}, false
}
