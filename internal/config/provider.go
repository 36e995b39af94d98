package config

import (
	"strings"
	"time"

	"github.com/ocx/gatekeeper/internal/activity"
	"github.com/ocx/gatekeeper/internal/backoff"
	"github.com/ocx/gatekeeper/internal/breaker"
	"github.com/ocx/gatekeeper/internal/degrade"
	"github.com/ocx/gatekeeper/internal/penalty"
	"github.com/ocx/gatekeeper/internal/ratelimit"
	"github.com/ocx/gatekeeper/internal/resilience"
	"github.com/ocx/gatekeeper/internal/timeout"
)

// Provider resolves subsystem configuration read-only. Unset values in
// the underlying file stay zero, so each subsystem's own defaults apply.
type Provider interface {
	GetPenaltyConfig() penalty.Config
	GetRateLimitConfig(jobType string) ratelimit.JobConfig
	GetBreakerConfig(service string) breaker.Config
	GetBackoffConfig(opID string) backoff.Config
	GetTimeoutConfig() timeout.Config
	GetDegradationStrategies() degrade.Config
}

// FileProvider serves a loaded Config.
type FileProvider struct {
	cfg *Config
}

// NewProvider wraps a loaded Config.
func NewProvider(cfg *Config) *FileProvider {
	return &FileProvider{cfg: cfg}
}

func (p *FileProvider) GetPenaltyConfig() penalty.Config {
	pc := p.cfg.Penalty
	return penalty.Config{
		BaseTimeout:           time.Duration(pc.BaseTimeoutMinutes) * time.Minute,
		MaxTimeout:            time.Duration(pc.MaxTimeoutHours) * time.Hour,
		EscalationMultiplier:  pc.EscalationMultiplier,
		PermanentBanThreshold: pc.PermanentBanThreshold,
		MaxAppealsPerUser:     pc.MaxAppealsPerUser,
		MaxHistoryPerUser:     pc.MaxHistoryPerUser,
	}
}

// GetRateLimitConfig returns the job-type entry, or the configured
// default with the job type filled in.
func (p *FileProvider) GetRateLimitConfig(jobType string) ratelimit.JobConfig {
	for _, j := range p.cfg.RateLimits.Jobs {
		if j.JobType == jobType {
			return jobLimit(j)
		}
	}
	def := jobLimit(p.cfg.RateLimits.Default)
	def.JobType = jobType
	return def
}

func jobLimit(j JobLimitConfig) ratelimit.JobConfig {
	return ratelimit.JobConfig{
		JobType:            j.JobType,
		MaxRequestsPerUser: j.MaxRequestsPerUser,
		WindowSeconds:      j.WindowSeconds,
		CooldownSeconds:    j.CooldownSeconds,
	}
}

// RateLimitConfigs returns the per-job table for limiter construction.
func (p *FileProvider) RateLimitConfigs() []ratelimit.JobConfig {
	out := make([]ratelimit.JobConfig, 0, len(p.cfg.RateLimits.Jobs))
	for _, j := range p.cfg.RateLimits.Jobs {
		out = append(out, jobLimit(j))
	}
	return out
}

// GetActivityConfig returns analyzer thresholds.
func (p *FileProvider) GetActivityConfig() activity.Config {
	ac := p.cfg.Activity
	return activity.Config{
		MaxPatternsPerUser:       ac.MaxPatternsPerUser,
		RapidRequestWindow:       seconds(ac.RapidRequestWindowSec),
		RapidRequestThreshold:    ac.RapidRequestThreshold,
		VolumeAnalysisWindow:     time.Duration(ac.VolumeWindowMinutes) * time.Minute,
		VolumeThreshold:          ac.VolumeThreshold,
		MinHumanInterval:         millis(ac.MinHumanIntervalMs),
		SuspiciousScoreThreshold: ac.SuspiciousThreshold,
	}
}

func (p *FileProvider) GetBreakerConfig(service string) breaker.Config {
	bc := p.cfg.Breakers.Defaults
	if override, ok := p.cfg.Breakers.Services[service]; ok {
		bc = override
	}
	return breakerConfig(bc)
}

func breakerConfig(b BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  seconds(b.RecoveryTimeoutSec),
		SuccessThreshold: b.SuccessThreshold,
		VolumeThreshold:  b.VolumeThreshold,
		ErrorRate:        b.ErrorRate,
		TimeWindow:       seconds(b.TimeWindowSec),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		MaxHistory:       b.MaxHistory,
	}
}

// BreakerOverrides returns the per-service table for manager construction.
func (p *FileProvider) BreakerOverrides() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(p.cfg.Breakers.Services))
	for name, b := range p.cfg.Breakers.Services {
		out[name] = breakerConfig(b)
	}
	return out
}

func (p *FileProvider) GetBackoffConfig(opID string) backoff.Config {
	rc := p.cfg.Backoff.Defaults
	if override, ok := p.cfg.Backoff.Operations[opID]; ok {
		rc = override
	}
	return retryConfig(rc)
}

func retryConfig(r RetryConfig) backoff.Config {
	return backoff.Config{
		MaxAttempts:        r.MaxAttempts,
		BaseDelay:          millis(r.BaseDelayMs),
		MaxDelay:           millis(r.MaxDelayMs),
		Multiplier:         r.Multiplier,
		Strategy:           backoff.Strategy(r.Strategy),
		Jitter:             backoff.Jitter(r.Jitter),
		OperationTimeout:   millis(r.OperationTimeoutMs),
		TotalTimeout:       millis(r.TotalTimeoutMs),
		AdaptOnErrorType:   r.AdaptOnErrorType,
		AdaptOnSuccessRate: r.AdaptOnSuccessRate,
		AdaptOnSystemLoad:  r.AdaptOnSystemLoad,
	}
}

func (p *FileProvider) GetTimeoutConfig() timeout.Config {
	tc := p.cfg.Timeout
	return timeout.Config{
		DefaultTimeout: seconds(tc.DefaultTimeoutSec),
		MaxTimeout:     seconds(tc.MaxTimeoutSec),
		GlobalTimeout:  seconds(tc.GlobalTimeoutSec),
		CleanupTimeout: seconds(tc.CleanupTimeoutSec),
		SweepInterval:  seconds(tc.SweepIntervalSec),
		StaleAfter:     time.Duration(tc.StaleAfterMinutes) * time.Minute,
		MaxResources:   tc.MaxResources,
	}
}

// GetDegradationStrategies maps the level table onto the degradation
// manager's config. Unknown level names are skipped.
func (p *FileProvider) GetDegradationStrategies() degrade.Config {
	dc := p.cfg.Degradation
	out := degrade.Config{
		CheckInterval: seconds(dc.CheckIntervalSec),
		Strategies:    make(map[degrade.Level]degrade.LevelStrategy, len(dc.Levels)),
	}
	for name, lc := range dc.Levels {
		lvl, ok := levelByName(name)
		if !ok {
			continue
		}
		strat := degrade.LevelStrategy{
			Trigger: degrade.Trigger{
				ErrorRate:      lc.Trigger.ErrorRate,
				ResponseTimeMs: lc.Trigger.ResponseTimeMs,
				ResourceUsage:  lc.Trigger.ResourceUsage,
			},
		}
		for _, f := range lc.Features {
			rule := degrade.FeatureRule{
				Name:      f.Name,
				Essential: f.Essential,
				Behavior:  degrade.Behavior(f.Behavior),
			}
			if f.FallbackValue != "" {
				rule.FallbackValue = f.FallbackValue
			}
			strat.Features = append(strat.Features, rule)
		}
		for _, r := range lc.Recovery {
			strat.Recovery = append(strat.Recovery, degrade.RecoveryCondition{
				Type:      degrade.RecoveryType(r.Type),
				Threshold: r.Threshold,
				Duration:  seconds(r.DurationSeconds),
			})
		}
		out.Strategies[lvl] = strat
	}
	return out
}

func levelByName(name string) (degrade.Level, bool) {
	switch strings.ToLower(name) {
	case "reduced":
		return degrade.LevelReduced, true
	case "minimal":
		return degrade.LevelMinimal, true
	case "emergency":
		return degrade.LevelEmergency, true
	default:
		return degrade.LevelFull, false
	}
}

// GetBoundaryConfig returns the named boundary's thresholds.
func (p *FileProvider) GetBoundaryConfig(name string) resilience.BoundaryConfig {
	b := p.cfg.Boundaries[name]
	return resilience.BoundaryConfig{
		MaxErrorsBeforeDegradation: b.MaxErrorsBeforeDegradation,
		MaxErrorsBeforeIsolation:   b.MaxErrorsBeforeIsolation,
		RecoveryTimeout:            seconds(b.RecoveryTimeoutSec),
		IsolationDuration:          seconds(b.IsolationDurationSec),
		MaxSnapshots:               b.MaxSnapshots,
	}
}

// GetOrchestratorConfig returns coordination settings with retry
// defaults attached.
func (p *FileProvider) GetOrchestratorConfig() resilience.Config {
	cc := p.cfg.Coordination
	return resilience.Config{
		HealthCheckInterval: seconds(cc.HealthCheckIntervalSec),
		DegradeErrorRate:    cc.DegradeErrorRate,
		DegradeResponseMs:   cc.DegradeResponseMs,
		DegradeOpenBreakers: cc.DegradeOpenBreakers,
		RetryDefaults:       retryConfig(p.cfg.Backoff.Defaults),
	}
}
