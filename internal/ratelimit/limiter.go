// Package ratelimit enforces per-user, per-job rate limits and cooldowns on
// top of the shared counter store.
//
// Two checks run per trigger, short-circuited in order: a fixed-window count
// over the job's window, then a per-(user, jobType, jobName) cooldown stamp.
// Recording a trigger performs two store writes (increment, then cooldown
// stamp). They are not transactional: under heavy concurrency a brief
// over-admission is possible. Rate limits here are statistical, not hard caps.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gatekeeper/internal/counter"
)

// JobConfig defines the limits for one job type.
type JobConfig struct {
	JobType            string `yaml:"job_type"`
	MaxRequestsPerUser int    `yaml:"max_requests_per_user"`
	WindowSeconds      int    `yaml:"window_seconds"`
	CooldownSeconds    int    `yaml:"cooldown_seconds"`
}

// DefaultJobConfig applies when a job type is unknown.
var DefaultJobConfig = JobConfig{
	MaxRequestsPerUser: 10,
	WindowSeconds:      60,
	CooldownSeconds:    5,
}

// Result is the outcome of a trigger check.
type Result struct {
	CanProceed  bool
	RateLimited bool
	InCooldown  bool
	RetryAfter  time.Duration // meaningful when !CanProceed
	BlockReason string
}

// Limiter checks and records job triggers against the counter store.
type Limiter struct {
	store *counter.Store

	mu       sync.RWMutex
	jobs     map[string]JobConfig
	defaults JobConfig

	// test seam
	now func() time.Time
}

// New creates a limiter. jobs may be nil; per-job configs can be added later
// via SetJobConfig.
func New(store *counter.Store, jobs []JobConfig) *Limiter {
	l := &Limiter{
		store:    store,
		jobs:     make(map[string]JobConfig, len(jobs)),
		defaults: DefaultJobConfig,
		now:      time.Now,
	}
	for _, jc := range jobs {
		l.jobs[jc.JobType] = jc
	}
	return l
}

// SetJobConfig installs or replaces the limits for a job type.
func (l *Limiter) SetJobConfig(cfg JobConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[cfg.JobType] = cfg
}

// Config returns the effective config for a job type.
func (l *Limiter) Config(jobType string) JobConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.jobs[jobType]; ok {
		return cfg
	}
	cfg := l.defaults
	cfg.JobType = jobType
	return cfg
}

func windowKey(userID, jobType, jobName string) string {
	return fmt.Sprintf("rl:%s:%s:%s", userID, jobType, jobName)
}

func cooldownKey(userID, jobType, jobName string) string {
	return fmt.Sprintf("cd:%s:%s:%s", userID, jobType, jobName)
}

func windowStartKey(userID, jobType, jobName string) string {
	return fmt.Sprintf("rlstart:%s:%s:%s", userID, jobType, jobName)
}

// CheckJobTrigger evaluates both limits without mutating any state.
// When both limits hold, the cooldown message takes precedence.
func (l *Limiter) CheckJobTrigger(ctx context.Context, userID, jobType, jobName string) Result {
	cfg := l.Config(jobType)
	now := l.now()

	res := Result{CanProceed: true}

	count := l.store.GetCount(ctx, windowKey(userID, jobType, jobName))
	if cfg.MaxRequestsPerUser > 0 && count >= int64(cfg.MaxRequestsPerUser) {
		res.RateLimited = true
		window := time.Duration(cfg.WindowSeconds) * time.Second
		// The window's TTL started at its first trigger, so advise the
		// remainder, not the full window.
		res.RetryAfter = window
		if start, ok := l.store.GetWindowStart(ctx, windowStartKey(userID, jobType, jobName)); ok {
			if remaining := window - now.Sub(start); remaining > 0 && remaining < window {
				res.RetryAfter = remaining
			}
		}
		res.BlockReason = fmt.Sprintf("rate-limit exceeded: %d/%d requests in %ds window",
			count, cfg.MaxRequestsPerUser, cfg.WindowSeconds)
	}

	if cfg.CooldownSeconds > 0 {
		if last, ok := l.store.GetWindowStart(ctx, cooldownKey(userID, jobType, jobName)); ok {
			cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
			if elapsed := now.Sub(last); elapsed < cooldown {
				res.InCooldown = true
				res.RetryAfter = cooldown - elapsed
				res.BlockReason = fmt.Sprintf("cooldown active: retry in %ds",
					int(res.RetryAfter.Seconds())+1)
			}
		}
	}

	if res.RateLimited || res.InCooldown {
		res.CanProceed = false
	}
	return res
}

// RecordJobTrigger commits a successful trigger: it increments the window
// counter, then stamps the cooldown. Call only after CheckJobTrigger returned
// CanProceed. Writes happen in that order but not atomically.
func (l *Limiter) RecordJobTrigger(ctx context.Context, userID, jobType, jobName string) error {
	cfg := l.Config(jobType)
	now := l.now()

	window := time.Duration(cfg.WindowSeconds) * time.Second
	n, err := l.store.Increment(ctx, windowKey(userID, jobType, jobName), window)
	if err != nil {
		return fmt.Errorf("increment window counter: %w", err)
	}
	if n == 1 {
		// First trigger of a fresh window; stamp its start so checks can
		// compute the remaining time. Best effort, denial messages fall
		// back to the full window without it.
		if err := l.store.SetWindowStart(ctx, windowStartKey(userID, jobType, jobName), now, window); err != nil {
			slog.Warn("[RateLimit] Failed to stamp window start", "user", userID, "job", jobType, "error", err)
		}
	}

	if cfg.CooldownSeconds > 0 {
		cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
		if err := l.store.SetWindowStart(ctx, cooldownKey(userID, jobType, jobName), now, cooldown); err != nil {
			slog.Warn("[RateLimit] Failed to stamp cooldown", "user", userID, "job", jobType, "error", err)
			return fmt.Errorf("stamp cooldown: %w", err)
		}
	}
	return nil
}

// ResetUser clears the window and cooldown for one (user, job) pair.
// Used by admin tooling and appeal approvals.
func (l *Limiter) ResetUser(ctx context.Context, userID, jobType, jobName string) {
	_ = l.store.Reset(ctx, windowKey(userID, jobType, jobName))
	_ = l.store.Reset(ctx, windowStartKey(userID, jobType, jobName))
	_ = l.store.Reset(ctx, cooldownKey(userID, jobType, jobName))
}
