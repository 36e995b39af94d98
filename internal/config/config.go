// Package config loads the gatekeeper's startup configuration from YAML
// and the environment, and resolves it into per-subsystem configs
// through a read-only Provider.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Admission    AdmissionConfig    `yaml:"admission"`
	RateLimits   RateLimitsConfig   `yaml:"rate_limits"`
	Penalty      PenaltyConfig      `yaml:"penalty"`
	Activity     ActivityConfig     `yaml:"activity"`
	Breakers     BreakersConfig     `yaml:"breakers"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Timeout      TimeoutConfig      `yaml:"timeout"`
	Degradation  DegradationConfig  `yaml:"degradation"`
	Boundaries   BoundariesConfig   `yaml:"boundaries"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Registry     RegistryConfig     `yaml:"registry"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AdmissionConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold"`
	EventRingSize      int     `yaml:"event_ring_size"`
	HealthWindowSec    int     `yaml:"health_window_seconds"`
}

type JobLimitConfig struct {
	JobType            string `yaml:"job_type"`
	MaxRequestsPerUser int    `yaml:"max_requests_per_user"`
	WindowSeconds      int    `yaml:"window_seconds"`
	CooldownSeconds    int    `yaml:"cooldown_seconds"`
}

type RateLimitsConfig struct {
	Default JobLimitConfig   `yaml:"default"`
	Jobs    []JobLimitConfig `yaml:"jobs"`
}

type PenaltyConfig struct {
	BaseTimeoutMinutes    int     `yaml:"base_timeout_minutes"`
	MaxTimeoutHours       int     `yaml:"max_timeout_hours"`
	EscalationMultiplier  float64 `yaml:"escalation_multiplier"`
	PermanentBanThreshold int     `yaml:"permanent_ban_threshold"`
	MaxAppealsPerUser     int     `yaml:"max_appeals_per_user"`
	MaxHistoryPerUser     int     `yaml:"max_history_per_user"`
}

type ActivityConfig struct {
	MaxPatternsPerUser    int     `yaml:"max_patterns_per_user"`
	RapidRequestWindowSec int     `yaml:"rapid_request_window_seconds"`
	RapidRequestThreshold int     `yaml:"rapid_request_threshold"`
	VolumeWindowMinutes   int     `yaml:"volume_window_minutes"`
	VolumeThreshold       int     `yaml:"volume_threshold"`
	MinHumanIntervalMs    int     `yaml:"min_human_interval_ms"`
	SuspiciousThreshold   float64 `yaml:"suspicious_threshold"`
}

type BreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	RecoveryTimeoutSec int     `yaml:"recovery_timeout_seconds"`
	SuccessThreshold   int     `yaml:"success_threshold"`
	VolumeThreshold    int     `yaml:"volume_threshold"`
	ErrorRate          float64 `yaml:"error_rate"`
	TimeWindowSec      int     `yaml:"time_window_seconds"`
	HalfOpenMaxCalls   int     `yaml:"half_open_max_calls"`
	MaxHistory         int     `yaml:"max_history"`
}

type BreakersConfig struct {
	Defaults BreakerConfig            `yaml:"defaults"`
	Services map[string]BreakerConfig `yaml:"services"`
}

type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BaseDelayMs        int     `yaml:"base_delay_ms"`
	MaxDelayMs         int     `yaml:"max_delay_ms"`
	Multiplier         float64 `yaml:"multiplier"`
	Strategy           string  `yaml:"strategy"`
	Jitter             string  `yaml:"jitter"`
	OperationTimeoutMs int     `yaml:"operation_timeout_ms"`
	TotalTimeoutMs     int     `yaml:"total_timeout_ms"`
	AdaptOnErrorType   bool    `yaml:"adapt_on_error_type"`
	AdaptOnSuccessRate bool    `yaml:"adapt_on_success_rate"`
	AdaptOnSystemLoad  bool    `yaml:"adapt_on_system_load"`
}

type BackoffConfig struct {
	Defaults   RetryConfig            `yaml:"defaults"`
	Operations map[string]RetryConfig `yaml:"operations"`
}

type TimeoutConfig struct {
	DefaultTimeoutSec int `yaml:"default_timeout_seconds"`
	MaxTimeoutSec     int `yaml:"max_timeout_seconds"`
	GlobalTimeoutSec  int `yaml:"global_timeout_seconds"`
	CleanupTimeoutSec int `yaml:"cleanup_timeout_seconds"`
	SweepIntervalSec  int `yaml:"sweep_interval_seconds"`
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
	MaxResources      int `yaml:"max_resources"`
}

type TriggerConfig struct {
	ErrorRate      float64 `yaml:"error_rate"`
	ResponseTimeMs float64 `yaml:"response_time_ms"`
	ResourceUsage  float64 `yaml:"resource_usage"`
}

type FeatureConfig struct {
	Name          string `yaml:"name"`
	Essential     bool   `yaml:"essential"`
	Behavior      string `yaml:"behavior"`
	FallbackValue string `yaml:"fallback_value"`
}

type RecoveryConfig struct {
	Type            string  `yaml:"type"`
	Threshold       float64 `yaml:"threshold"`
	DurationSeconds int     `yaml:"duration_seconds"`
}

type LevelConfig struct {
	Trigger  TriggerConfig    `yaml:"trigger"`
	Features []FeatureConfig  `yaml:"features"`
	Recovery []RecoveryConfig `yaml:"recovery"`
}

type DegradationConfig struct {
	CheckIntervalSec int                    `yaml:"check_interval_seconds"`
	Levels           map[string]LevelConfig `yaml:"levels"`
}

type BoundaryConfig struct {
	MaxErrorsBeforeDegradation int `yaml:"max_errors_before_degradation"`
	MaxErrorsBeforeIsolation   int `yaml:"max_errors_before_isolation"`
	RecoveryTimeoutSec         int `yaml:"recovery_timeout_seconds"`
	IsolationDurationSec       int `yaml:"isolation_duration_seconds"`
	MaxSnapshots               int `yaml:"max_snapshots"`
}

type BoundariesConfig map[string]BoundaryConfig

type CoordinationConfig struct {
	HealthCheckIntervalSec int     `yaml:"health_check_interval_seconds"`
	DegradeErrorRate       float64 `yaml:"degrade_error_rate"`
	DegradeResponseMs      float64 `yaml:"degrade_response_ms"`
	DegradeOpenBreakers    int     `yaml:"degrade_open_breakers"`
}

type RegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// LoadConfig reads the YAML file at path and applies environment
// overrides on top.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv folds recognized environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v, ok := envInt("GK_DEFAULT_TIMEOUT_SECONDS"); ok {
		c.Timeout.DefaultTimeoutSec = v
	}
	if v, ok := envInt("GK_BOUNDARY_MAX_ERRORS"); ok {
		for name, b := range c.Boundaries {
			b.MaxErrorsBeforeIsolation = v
			c.Boundaries[name] = b
		}
	}
	if v, ok := envInt("GK_HEALTH_CHECK_INTERVAL_SECONDS"); ok {
		c.Coordination.HealthCheckIntervalSec = v
	}
	if v, ok := envInt("GK_PERMANENT_BAN_THRESHOLD"); ok {
		c.Penalty.PermanentBanThreshold = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }
func millis(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
