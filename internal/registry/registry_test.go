package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatekeeper/internal/events"
)

const baseYAML = `
servers:
  search:
    enabled: true
    priority: 10
    command: /usr/bin/search
    args: ["--port", "7700"]
    timeout_seconds: 30
  indexer:
    enabled: true
    priority: 5
    command: /usr/bin/indexer
  legacy:
    enabled: false
    command: /usr/bin/legacy
global:
  process_timeout_seconds: 60
  max_concurrent_connections: 100
`

func writeRegistry(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(ctx context.Context, ev *events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newRecordedRegistry(t *testing.T, path string) (*Registry, *recorder) {
	t.Helper()
	bus := events.NewLocalBus()
	rec := &recorder{}
	for _, typ := range []events.Type{
		events.EventServerAdded, events.EventServerRemoved,
		events.EventServerUpdated, events.EventConfigReloaded,
	} {
		bus.Subscribe(typ, rec.record)
	}
	return NewRegistry(path, nil, bus), rec
}

func TestLoadParsesServers(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), baseYAML)
	r, _ := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	search, ok := r.Server("search")
	require.True(t, ok)
	assert.True(t, search.Enabled)
	assert.Equal(t, 10, search.Priority)
	assert.Equal(t, []string{"--port", "7700"}, search.Args)
	assert.Equal(t, path, search.Source)
	assert.False(t, search.LastModified.IsZero())

	assert.Equal(t, 60, r.Global().ProcessTimeoutSec)
	assert.Len(t, r.Servers(), 3)
}

func TestEnabledOrderedByPriority(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), baseYAML)
	r, _ := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	assert.Equal(t, []string{"search", "indexer"}, r.Enabled())
}

func TestInitialLoadEmitsAdds(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), baseYAML)
	r, rec := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	assert.Len(t, rec.byType(events.EventServerAdded), 3)
	reloads := rec.byType(events.EventConfigReloaded)
	require.Len(t, reloads, 1)
	assert.Equal(t, 3, reloads[0].Payload["added"])
}

func TestReloadDiffEmitsTypedEvents(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, baseYAML)
	r, rec := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	writeRegistry(t, dir, `
servers:
  search:
    enabled: true
    priority: 20
    command: /usr/bin/search
    args: ["--port", "7700"]
    timeout_seconds: 30
  metrics:
    enabled: true
    command: /usr/bin/metrics
`)
	require.NoError(t, r.Load())

	added := rec.byType(events.EventServerAdded)
	require.NotEmpty(t, added)
	assert.Equal(t, "metrics", added[len(added)-1].Payload["server_id"])

	removed := rec.byType(events.EventServerRemoved)
	require.Len(t, removed, 2) // indexer and legacy

	updated := rec.byType(events.EventServerUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "search", updated[0].Payload["server_id"])
	before := updated[0].Payload["before"].(ServerConfig)
	after := updated[0].Payload["after"].(ServerConfig)
	assert.Equal(t, 10, before.Priority)
	assert.Equal(t, 20, after.Priority)
}

func TestUnchangedServerEmitsNoUpdate(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, baseYAML)
	r, rec := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())
	require.NoError(t, r.Load())

	assert.Empty(t, rec.byType(events.EventServerUpdated))
	assert.Empty(t, rec.byType(events.EventServerRemoved))
	assert.Len(t, rec.byType(events.EventServerAdded), 3)
}

func TestEnvSubstitutionGated(t *testing.T) {
	t.Setenv("GK_SEARCH_TOKEN", "secret")
	t.Setenv("HOME_TOKEN", "leaky")

	dir := t.TempDir()
	path := writeRegistry(t, dir, `
servers:
  search:
    enabled: true
    command: /usr/bin/search
    env:
      TOKEN: ${GK_SEARCH_TOKEN}
      OTHER: ${HOME_TOKEN}
global:
  security:
    use_env_substitution: true
    allowed_env_prefixes: ["GK_"]
`)
	r, _ := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	search, ok := r.Server("search")
	require.True(t, ok)
	assert.Equal(t, "secret", search.Env["TOKEN"])
	// Disallowed prefix stays literal.
	assert.Equal(t, "${HOME_TOKEN}", search.Env["OTHER"])
}

func TestEnvSubstitutionDisabledByDefault(t *testing.T) {
	t.Setenv("GK_SEARCH_TOKEN", "secret")

	dir := t.TempDir()
	path := writeRegistry(t, dir, `
servers:
  search:
    enabled: true
    command: ${GK_SEARCH_TOKEN}
`)
	r, _ := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())

	search, _ := r.Server("search")
	assert.Equal(t, "${GK_SEARCH_TOKEN}", search.Command)
}

func TestLoadMissingFile(t *testing.T) {
	r, _ := newRecordedRegistry(t, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, r.Load())
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, baseYAML)
	r, _ := newRecordedRegistry(t, path)
	require.NoError(t, r.Load())
	require.NoError(t, r.Watch())
	defer r.Stop()

	writeRegistry(t, dir, `
servers:
  search:
    enabled: true
    priority: 42
    command: /usr/bin/search
`)

	require.Eventually(t, func() bool {
		s, ok := r.Server("search")
		return ok && s.Priority == 42
	}, 3*time.Second, 20*time.Millisecond)
}
