package counter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend is the in-process fallback Backend. It mirrors the Redis
// semantics the store relies on: INCR-with-TTL, GET/SET with expiry, and a
// timestamp-scored, capped sample set per key.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	count     int64
	hasCount  bool
	value     string
	hasValue  bool
	samples   []memSample
	expiresAt time.Time // zero means no expiry
}

type memSample struct {
	score  int64
	member string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]*memEntry)}
}

// entry returns the live entry for key, discarding it if expired.
// Caller must hold mu.
func (m *memoryBackend) entry(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *memoryBackend) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entry(key)
	if !ok {
		e = &memEntry{}
		if ttl > 0 {
			e.expiresAt = time.Now().Add(ttl)
		}
		m.entries[key] = e
	}
	e.count++
	e.hasCount = true
	return e.count, nil
}

func (m *memoryBackend) GetInt(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entry(key)
	if !ok || !e.hasCount {
		return 0, false, nil
	}
	return e.count, true, nil
}

func (m *memoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memEntry{value: value, hasValue: true}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *memoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entry(key)
	if !ok || !e.hasValue {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *memoryBackend) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *memoryBackend) AddSample(_ context.Context, key string, ts int64, member string, capN int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entry(key)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.samples = append(e.samples, memSample{score: ts, member: member})
	sort.Slice(e.samples, func(i, j int) bool { return e.samples[i].score < e.samples[j].score })
	if capN > 0 && int64(len(e.samples)) > capN {
		e.samples = e.samples[int64(len(e.samples))-capN:]
	}
	return nil
}

func (m *memoryBackend) SamplesSince(_ context.Context, key string, fromTs int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entry(key)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(e.samples))
	for _, s := range e.samples {
		if s.score >= fromTs {
			out = append(out, s.member)
		}
	}
	return out, nil
}

func (m *memoryBackend) Ping(context.Context) error { return nil }

// sweep evicts expired keys until stop is closed.
func (m *memoryBackend) sweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, e := range m.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
