// Package fallback tries ordered alternative tools when a primary
// service fails terminally. Candidates are ranked by action support,
// declared reliability and priority, with an optional canned emergency
// value when the whole chain is exhausted.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/gatekeeper/internal/metrics"
)

// ToolCapability describes one registered tool.
type ToolCapability struct {
	Name             string
	Actions          []string
	Reliability      float64 // 0..1
	AvgResponseMs    float64
	Capabilities     []string
	FallbackPriority int // lower tries earlier among equals
}

func (t ToolCapability) supports(action string) bool {
	for _, a := range t.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// Executor runs an action against a named tool.
type Executor func(ctx context.Context, tool, action string) (interface{}, error)

// Config tunes chain execution. Zero values take defaults.
type Config struct {
	FallbackTimeout         time.Duration `yaml:"fallback_timeout"`
	MaxChainLength          int           `yaml:"max_chain_length"`
	EnableEmergencyFallback bool          `yaml:"enable_emergency_fallback"`
	EmergencyValue          interface{}   `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = 10 * time.Second
	}
	if c.MaxChainLength <= 0 {
		c.MaxChainLength = 3
	}
	return c
}

// Result reports the chain outcome. UsedLevel is the zero-based position
// in the chain of the tool that answered.
type Result struct {
	Success               bool
	Value                 interface{}
	Err                   error
	UsedTool              string
	UsedLevel             int
	EmergencyFallbackUsed bool
	Attempted             []string
}

// Chain holds the tool registry and runs fallback sequences.
type Chain struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	tools map[string]ToolCapability
}

// NewChain creates an empty fallback chain. m may be nil.
func NewChain(cfg Config, log *slog.Logger, m *metrics.Metrics) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "Fallback"),
		metrics: m,
		tools:   make(map[string]ToolCapability),
	}
}

// Register adds or replaces a tool.
func (c *Chain) Register(tool ToolCapability) {
	c.mu.Lock()
	c.tools[tool.Name] = tool
	c.mu.Unlock()
}

// Unregister removes a tool.
func (c *Chain) Unregister(name string) {
	c.mu.Lock()
	delete(c.tools, name)
	c.mu.Unlock()
}

// Tools returns a copy of the registry.
func (c *Chain) Tools() []ToolCapability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolCapability, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Candidates builds the ordered chain for (service, action): the named
// service first when it supports the action, then alternatives ranked by
// reliability, intent match and priority, capped at the chain length.
func (c *Chain) Candidates(service, action, userIntent string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type scored struct {
		name  string
		score float64
		prio  int
	}
	var alts []scored
	var primary []string

	for name, t := range c.tools {
		if !t.supports(action) {
			continue
		}
		if name == service {
			primary = append(primary, name)
			continue
		}
		score := t.Reliability
		if userIntent != "" && matchesIntent(t, userIntent) {
			score += 0.5
		}
		alts = append(alts, scored{name: name, score: score, prio: t.FallbackPriority})
	}

	sort.Slice(alts, func(i, j int) bool {
		if alts[i].score != alts[j].score {
			return alts[i].score > alts[j].score
		}
		if alts[i].prio != alts[j].prio {
			return alts[i].prio < alts[j].prio
		}
		return alts[i].name < alts[j].name
	})

	chain := primary
	for _, a := range alts {
		chain = append(chain, a.name)
	}
	if len(chain) > c.cfg.MaxChainLength {
		chain = chain[:c.cfg.MaxChainLength]
	}
	return chain
}

func matchesIntent(t ToolCapability, intent string) bool {
	intent = strings.ToLower(intent)
	for _, c := range t.Capabilities {
		if strings.Contains(intent, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// Execute walks the candidate chain, bounding each attempt by the
// fallback timeout. The emergency value answers only when enabled and
// every candidate failed.
func (c *Chain) Execute(ctx context.Context, service, action string, exec Executor, userIntent string) Result {
	chain := c.Candidates(service, action, userIntent)
	res := Result{UsedLevel: -1}

	for level, tool := range chain {
		res.Attempted = append(res.Attempted, tool)

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.FallbackTimeout)
		v, err := exec(attemptCtx, tool, action)
		cancel()

		if err == nil {
			res.Success = true
			res.Value = v
			res.UsedTool = tool
			res.UsedLevel = level
			if c.metrics != nil {
				c.metrics.FallbackDepth.Observe(float64(level))
			}
			if level > 0 {
				c.log.Info("fallback answered", "service", service, "action", action, "tool", tool, "level", level)
			}
			return res
		}

		res.Err = err
		c.log.Warn("chain attempt failed", "service", service, "action", action, "tool", tool, "level", level, "error", err)
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
	}

	if len(chain) == 0 {
		res.Err = fmt.Errorf("no tool supports %s/%s", service, action)
	}

	if c.cfg.EnableEmergencyFallback {
		res.Success = true
		res.Value = c.cfg.EmergencyValue
		res.EmergencyFallbackUsed = true
		if c.metrics != nil {
			c.metrics.EmergencyFallbacks.Inc()
		}
		c.log.Warn("emergency fallback used", "service", service, "action", action)
	}
	return res
}
