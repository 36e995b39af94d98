// Package registry maintains the dynamic server registry: a YAML file
// of downstream server definitions, hot-reloaded on change. Reloads are
// diffed against the previous snapshot and emitted as typed events.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/ocx/gatekeeper/internal/events"
)

// ServerConfig describes one registered downstream server.
type ServerConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Priority     int               `yaml:"priority"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	TimeoutSec   int               `yaml:"timeout_seconds"`
	RetryCount   int               `yaml:"retry_count"`
	HealthCheck  string            `yaml:"health_check"`
	Resources    map[string]string `yaml:"resources"`
	Capabilities []string          `yaml:"capabilities"`
	Tags         []string          `yaml:"tags"`
	CacheTTLSec  int               `yaml:"cache_ttl_seconds"`

	// Filled in at load time, not from the file body.
	LastModified time.Time `yaml:"-"`
	Source       string    `yaml:"-"`
}

// SecurityConfig gates environment substitution in server definitions.
type SecurityConfig struct {
	UseEnvSubstitution bool     `yaml:"use_env_substitution"`
	AllowedEnvPrefixes []string `yaml:"allowed_env_prefixes"`
}

// GlobalConfig holds registry-wide settings.
type GlobalConfig struct {
	AllowedPaths             []string       `yaml:"allowed_paths"`
	ProcessTimeoutSec        int            `yaml:"process_timeout_seconds"`
	AllowRelativePaths       bool           `yaml:"allow_relative_paths"`
	MaxConcurrentConnections int            `yaml:"max_concurrent_connections"`
	Security                 SecurityConfig `yaml:"security"`
}

type registryFile struct {
	Servers map[string]ServerConfig `yaml:"servers"`
	Global  GlobalConfig            `yaml:"global"`
}

// Registry loads and watches the server registry file.
type Registry struct {
	path string
	log  *slog.Logger
	bus  events.Bus

	mu      sync.RWMutex
	servers map[string]ServerConfig
	global  GlobalConfig

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRegistry creates a registry over the file at path. bus may be nil.
func NewRegistry(path string, log *slog.Logger, bus events.Bus) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		path:    path,
		log:     log.With("component", "Registry"),
		bus:     bus,
		servers: make(map[string]ServerConfig),
		stopCh:  make(chan struct{}),
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the file, applies env substitution per the security policy
// and publishes diff events against the previous snapshot.
func (r *Registry) Load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}

	now := time.Now()
	for id, srv := range file.Servers {
		srv.Command = substituteEnv(srv.Command, file.Global.Security)
		for i, a := range srv.Args {
			srv.Args[i] = substituteEnv(a, file.Global.Security)
		}
		for k, v := range srv.Env {
			srv.Env[k] = substituteEnv(v, file.Global.Security)
		}
		srv.LastModified = now
		srv.Source = r.path
		file.Servers[id] = srv
	}

	r.mu.Lock()
	previous := r.servers
	r.servers = file.Servers
	if r.servers == nil {
		r.servers = make(map[string]ServerConfig)
	}
	r.global = file.Global
	current := r.servers
	r.mu.Unlock()

	r.publishDiff(previous, current)
	return nil
}

// substituteEnv expands ${VAR} only when substitution is enabled and
// VAR carries an allowed prefix; everything else stays literal.
func substituteEnv(s string, sec SecurityConfig) string {
	if !sec.UseEnvSubstitution || !strings.Contains(s, "${") {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		for _, prefix := range sec.AllowedEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				return os.Getenv(name)
			}
		}
		return match
	})
}

func (r *Registry) publishDiff(previous, current map[string]ServerConfig) {
	if r.bus == nil {
		return
	}

	added, removed, updated := 0, 0, 0
	for id, srv := range current {
		old, existed := previous[id]
		if !existed {
			added++
			r.publishChange(events.EventServerAdded, id, nil, &srv)
			continue
		}
		if !serverEqual(old, srv) {
			updated++
			r.publishChange(events.EventServerUpdated, id, &old, &srv)
		}
	}
	for id, old := range previous {
		if _, exists := current[id]; !exists {
			removed++
			r.publishChange(events.EventServerRemoved, id, &old, nil)
		}
	}

	r.bus.Publish(context.Background(), &events.Event{
		Type:   events.EventConfigReloaded,
		Source: "registry",
		Payload: map[string]interface{}{
			"servers": len(current),
			"added":   added,
			"removed": removed,
			"updated": updated,
		},
	})
	r.log.Info("registry loaded", "servers", len(current), "added", added, "removed", removed, "updated", updated)
}

// serverEqual ignores the load-time bookkeeping fields.
func serverEqual(a, b ServerConfig) bool {
	a.LastModified, b.LastModified = time.Time{}, time.Time{}
	a.Source, b.Source = "", ""
	return reflect.DeepEqual(a, b)
}

func (r *Registry) publishChange(t events.Type, id string, before, after *ServerConfig) {
	payload := map[string]interface{}{"server_id": id}
	if before != nil {
		payload["before"] = *before
	}
	if after != nil {
		payload["after"] = *after
	}
	r.bus.Publish(context.Background(), &events.Event{Type: t, Source: "registry", Payload: payload})
}

// Watch reloads the registry whenever the file changes. Editors often
// replace the file, so the parent directory is watched instead of the
// file itself.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = w

	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()

	// Debounce bursts of write events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := r.Load(); err != nil {
				r.log.Error("registry reload failed", "error", err)
			}
		}
	}
}

// Stop halts watching.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()
}

// Server returns one server definition by id.
func (r *Registry) Server(id string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Servers returns a copy of all server definitions.
func (r *Registry) Servers() map[string]ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerConfig, len(r.servers))
	for id, s := range r.servers {
		out[id] = s
	}
	return out
}

// Enabled returns ids of enabled servers ordered by priority, highest
// first.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		id       string
		priority int
	}
	var list []entry
	for id, s := range r.servers {
		if s.Enabled {
			list = append(list, entry{id, s.Priority})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].id < list[j].id
	})
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.id
	}
	return out
}

// Global returns registry-wide settings.
func (r *Registry) Global() GlobalConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}
