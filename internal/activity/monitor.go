// Package activity maintains rolling per-user request patterns and scores
// behavioral anomalies: bursts, inhuman pacing, metronomic uniformity and
// target fixation. The score feeds the admission gate, which may escalate
// to the penalty manager.
package activity

import (
	"math"
	"sync"
	"time"
)

// RequestPattern is one observed request from a user.
type RequestPattern struct {
	UserID    string
	Timestamp time.Time
	Action    string
	Channel   string
	JobType   string
	JobName   string
}

// Flags raised by the analyzer.
const (
	FlagRapidRequests    = "rapid_requests"
	FlagHighVolume       = "high_volume"
	FlagSubHumanInterval = "sub_human_interval"
	FlagUniformInterval  = "uniform_interval"
	FlagTargetRepetition = "target_repetition"
)

// Config tunes the analyzer. Zero values take defaults.
type Config struct {
	MaxPatternsPerUser       int           // ring capacity per user
	RapidRequestWindow       time.Duration // burst detection window
	RapidRequestThreshold    int           // requests within window considered a burst
	VolumeAnalysisWindow     time.Duration // sustained-volume window
	VolumeThreshold          int           // requests within window considered abusive
	MinHumanInterval         time.Duration // gaps below this are not human
	SuspiciousScoreThreshold float64       // score at which a user is flagged
}

func (c Config) withDefaults() Config {
	if c.MaxPatternsPerUser <= 0 {
		c.MaxPatternsPerUser = 300
	}
	if c.RapidRequestWindow <= 0 {
		c.RapidRequestWindow = 10 * time.Second
	}
	if c.RapidRequestThreshold <= 0 {
		c.RapidRequestThreshold = 10
	}
	if c.VolumeAnalysisWindow <= 0 {
		c.VolumeAnalysisWindow = 5 * time.Minute
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 100
	}
	if c.MinHumanInterval <= 0 {
		c.MinHumanInterval = 500 * time.Millisecond
	}
	if c.SuspiciousScoreThreshold <= 0 {
		c.SuspiciousScoreThreshold = 70
	}
	return c
}

// Analysis is the outcome of AnalyzeActivity.
type Analysis struct {
	IsSuspicious    bool
	SuspiciousScore float64 // clamped to [0,100]
	Flags           []string
}

// Monitor holds bounded per-user pattern rings. Safe for concurrent use.
type Monitor struct {
	cfg Config

	mu    sync.RWMutex
	users map[string]*patternRing

	now func() time.Time // test seam
}

// patternRing is a fixed-capacity ring of recent patterns, oldest first.
type patternRing struct {
	buf   []RequestPattern
	head  int // next write position
	count int
}

func newPatternRing(capacity int) *patternRing {
	return &patternRing{buf: make([]RequestPattern, capacity)}
}

func (r *patternRing) push(p RequestPattern) {
	r.buf[r.head] = p
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// ordered returns patterns oldest first.
func (r *patternRing) ordered() []RequestPattern {
	out := make([]RequestPattern, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// NewMonitor creates an activity monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:   cfg.withDefaults(),
		users: make(map[string]*patternRing),
		now:   time.Now,
	}
}

// RecordRequest appends a pattern to the user's ring.
func (m *Monitor) RecordRequest(p RequestPattern) {
	if p.Timestamp.IsZero() {
		p.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ring, ok := m.users[p.UserID]
	if !ok {
		ring = newPatternRing(m.cfg.MaxPatternsPerUser)
		m.users[p.UserID] = ring
	}
	ring.push(p)
}

// RecentPatterns returns the user's patterns within the given lookback,
// oldest first.
func (m *Monitor) RecentPatterns(userID string, within time.Duration) []RequestPattern {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring, ok := m.users[userID]
	if !ok {
		return nil
	}
	cutoff := m.now().Add(-within)
	all := ring.ordered()
	out := make([]RequestPattern, 0, len(all))
	for _, p := range all {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Forget drops all recorded patterns for a user (appeal approvals).
func (m *Monitor) Forget(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}

// AnalyzeActivity scores the user's recent behavior. Each dimension
// contributes a bounded non-negative addend; the sum is clamped to [0,100].
func (m *Monitor) AnalyzeActivity(userID string) Analysis {
	m.mu.RLock()
	ring, ok := m.users[userID]
	var patterns []RequestPattern
	if ok {
		patterns = ring.ordered()
	}
	m.mu.RUnlock()

	if len(patterns) < 2 {
		return Analysis{}
	}

	now := m.now()
	var score float64
	var flags []string

	// Rapid-fire: burst within the rapid window. Up to 30.
	rapid := countSince(patterns, now.Add(-m.cfg.RapidRequestWindow))
	if rapid >= m.cfg.RapidRequestThreshold {
		score += 30 * math.Min(1, float64(rapid)/float64(2*m.cfg.RapidRequestThreshold))
		flags = append(flags, FlagRapidRequests)
	}

	// Volume: sustained load within the volume window. Flat 20.
	volume := countSince(patterns, now.Add(-m.cfg.VolumeAnalysisWindow))
	if volume >= m.cfg.VolumeThreshold {
		score += 20
		flags = append(flags, FlagHighVolume)
	}

	gaps := interArrivalGaps(patterns)

	// Human interval: fraction of gaps faster than a human could produce.
	// Up to 25.
	if len(gaps) > 0 {
		fast := 0
		for _, g := range gaps {
			if g < m.cfg.MinHumanInterval {
				fast++
			}
		}
		frac := float64(fast) / float64(len(gaps))
		score += 25 * frac
		if frac > 0.5 {
			flags = append(flags, FlagSubHumanInterval)
		}
	}

	// Uniformity: very low coefficient of variation means scripted pacing.
	// Up to 15.
	if len(gaps) >= 5 {
		cv := coefficientOfVariation(gaps)
		if cv < 0.2 {
			score += 15 * (1 - cv/0.2)
			flags = append(flags, FlagUniformInterval)
		}
	}

	// Target repetition: fixation on one (jobType, jobName). Up to 20.
	if len(patterns) >= 5 {
		frac := dominantTargetFraction(patterns)
		if frac >= 0.8 {
			score += 20 * frac
			flags = append(flags, FlagTargetRepetition)
		}
	}

	score = math.Min(100, math.Max(0, score))

	return Analysis{
		IsSuspicious:    score >= m.cfg.SuspiciousScoreThreshold,
		SuspiciousScore: score,
		Flags:           flags,
	}
}

func countSince(patterns []RequestPattern, cutoff time.Time) int {
	n := 0
	for _, p := range patterns {
		if !p.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

func interArrivalGaps(patterns []RequestPattern) []time.Duration {
	gaps := make([]time.Duration, 0, len(patterns)-1)
	for i := 1; i < len(patterns); i++ {
		gaps = append(gaps, patterns[i].Timestamp.Sub(patterns[i-1].Timestamp))
	}
	return gaps
}

func coefficientOfVariation(gaps []time.Duration) float64 {
	var sum float64
	for _, g := range gaps {
		sum += float64(g)
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, g := range gaps {
		d := float64(g) - mean
		variance += d * d
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance) / mean
}

func dominantTargetFraction(patterns []RequestPattern) float64 {
	counts := make(map[string]int)
	for _, p := range patterns {
		counts[p.JobType+"/"+p.JobName]++
	}
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(len(patterns))
}
