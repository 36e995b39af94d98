package timeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatekeeper/internal/metrics"
)

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, nil, metrics.NewForTest(), nil)
}

func TestExecuteCompletesWithinTimeout(t *testing.T) {
	m := newTestManager(Config{})

	v, err := m.Execute(context.Background(), "quick", time.Second, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(0), m.Stats().TimeoutCount)
}

func TestExecuteTimesOut(t *testing.T) {
	m := newTestManager(Config{})

	_, err := m.Execute(context.Background(), "hung", 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, int64(1), m.Stats().TimeoutCount)
}

func TestExecuteHonorsCeiling(t *testing.T) {
	m := newTestManager(Config{MaxTimeout: 10 * time.Millisecond})

	start := time.Now()
	_, err := m.Execute(context.Background(), "capped", time.Minute, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCallerCancellation(t *testing.T) {
	m := newTestManager(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.Execute(ctx, "canceled", time.Minute, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	// Caller cancellation is not counted as a timeout.
	assert.Equal(t, int64(0), m.Stats().TimeoutCount)
}

func TestExecutePropagatesOperationError(t *testing.T) {
	m := newTestManager(Config{})

	opErr := errors.New("backend down")
	_, err := m.Execute(context.Background(), "failing", time.Second, func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	})
	assert.ErrorIs(t, err, opErr)
}

func TestGlobalTimeoutRaces(t *testing.T) {
	m := newTestManager(Config{GlobalTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := m.Execute(context.Background(), "long-haul", time.Minute, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), m.Stats().TimeoutCount)
}

func TestTimeoutReleasesOperationResources(t *testing.T) {
	m := newTestManager(Config{})

	var mu sync.Mutex
	cleaned := false
	_, err := m.Execute(context.Background(), "slow-backend", 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		_, rerr := m.Register(ctx, "conn-1", "connection", func(ctx context.Context) error {
			mu.Lock()
			cleaned = true
			mu.Unlock()
			return nil
		}, nil)
		if rerr != nil {
			return nil, rerr
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrOperationTimeout)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cleaned)
	_, ok := m.Get("conn-1")
	assert.False(t, ok)
}

func TestErrorReleasesOperationResources(t *testing.T) {
	m := newTestManager(Config{})

	cleaned := false
	opErr := errors.New("backend down")
	_, err := m.Execute(context.Background(), "failing-op", time.Second, func(ctx context.Context) (interface{}, error) {
		_, _ = m.Register(ctx, "tmp-1", "tempfile", func(ctx context.Context) error {
			cleaned = true
			return nil
		}, nil)
		return nil, opErr
	})
	require.ErrorIs(t, err, opErr)
	assert.True(t, cleaned)
	_, ok := m.Get("tmp-1")
	assert.False(t, ok)
}

func TestSweepDrainsCompletedOpLeftovers(t *testing.T) {
	m := newTestManager(Config{StaleAfter: time.Hour})

	cleaned := false
	_, err := m.Execute(context.Background(), "producer", time.Second, func(ctx context.Context) (interface{}, error) {
		_, _ = m.Register(ctx, "stream-1", "stream", func(ctx context.Context) error {
			cleaned = true
			return nil
		}, nil)
		return "ok", nil
	})
	require.NoError(t, err)

	// The handle survives the operation but not the next sweep.
	_, ok := m.Get("stream-1")
	require.True(t, ok)

	m.sweep()
	assert.True(t, cleaned)
	_, ok = m.Get("stream-1")
	assert.False(t, ok)
}

func TestRegisterAndRelease(t *testing.T) {
	m := newTestManager(Config{})

	cleaned := false
	id, err := m.Register(context.Background(), "", "session", func(ctx context.Context) error {
		cleaned = true
		return nil
	}, map[string]string{"user": "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "session", r.Type)
	assert.Equal(t, "u1", r.Metadata["user"])

	require.NoError(t, m.Release(id))
	assert.True(t, cleaned)

	_, ok = m.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Release(id), ErrResourceNotFound)
}

func TestRegisterCapacity(t *testing.T) {
	m := newTestManager(Config{MaxResources: 2})

	_, err := m.Register(context.Background(), "a", "conn", nil, nil)
	require.NoError(t, err)
	_, err = m.Register(context.Background(), "b", "conn", nil, nil)
	require.NoError(t, err)
	_, err = m.Register(context.Background(), "c", "conn", nil, nil)
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestCleanupTimeoutBounds(t *testing.T) {
	m := newTestManager(Config{CleanupTimeout: 20 * time.Millisecond})

	id, err := m.Register(context.Background(), "slow", "tempfile", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	err = m.Release(id)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSweepReleasesStale(t *testing.T) {
	m := newTestManager(Config{StaleAfter: time.Minute})

	var mu sync.Mutex
	var released []string
	mkCleanup := func(name string) CleanupFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			released = append(released, name)
			mu.Unlock()
			return nil
		}
	}

	base := time.Now()
	m.now = func() time.Time { return base }
	_, err := m.Register(context.Background(), "old", "session", mkCleanup("old"), nil)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(59 * time.Second) }
	_, err = m.Register(context.Background(), "fresh", "session", mkCleanup("fresh"), nil)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(90 * time.Second) }
	m.sweep()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"old"}, released)
	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.Stats().StaleReleased)
}

func TestTouchDefersSweep(t *testing.T) {
	m := newTestManager(Config{StaleAfter: time.Minute})

	base := time.Now()
	m.now = func() time.Time { return base }
	_, err := m.Register(context.Background(), "kept", "session", nil, nil)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(50 * time.Second) }
	require.True(t, m.Touch("kept"))
	assert.False(t, m.Touch("missing"))

	m.now = func() time.Time { return base.Add(100 * time.Second) }
	m.sweep()

	_, ok := m.Get("kept")
	assert.True(t, ok)
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(Config{})

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		_, err := m.Register(context.Background(), "", "conn", func(ctx context.Context) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}, nil)
		require.NoError(t, err)
	}

	m.ReleaseAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, m.Stats().ActiveResources)
}

func TestStatsByType(t *testing.T) {
	m := newTestManager(Config{})

	_, _ = m.Register(context.Background(), "a", "session", nil, nil)
	_, _ = m.Register(context.Background(), "b", "session", nil, nil)
	_, _ = m.Register(context.Background(), "c", "tempfile", nil, nil)

	stats := m.Stats()
	assert.Equal(t, 3, stats.ActiveResources)
	assert.Equal(t, 2, stats.ByType["session"])
	assert.Equal(t, 1, stats.ByType["tempfile"])
}
