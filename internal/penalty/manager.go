// Package penalty implements progressive penalties for abusive users:
// warnings escalate to temporary blocks, extended blocks and permanent bans,
// with whitelist/blacklist overrides and a bounded appeal process.
//
// The manager exclusively owns per-user penalty state in memory; permanent
// list membership is mirrored write-through into the shared counter store
// (wl:<user> / bl:<user> keys) so sibling pods observe it.
package penalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatekeeper/internal/counter"
	"github.com/ocx/gatekeeper/internal/events"
	"github.com/ocx/gatekeeper/internal/metrics"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Type is the penalty applied to a user.
type Type string

const (
	TypeWarning        Type = "WARNING"
	TypeTemporaryBlock Type = "TEMPORARY_BLOCK"
	TypeExtendedBlock  Type = "EXTENDED_BLOCK"
	TypePermanentBan   Type = "PERMANENT_BAN"
)

// Status is a user's standing.
type Status string

const (
	StatusNormal      Status = "NORMAL"
	StatusWhitelisted Status = "WHITELISTED"
	StatusWarned      Status = "WARNED"
	StatusTempBlocked Status = "TEMP_BLOCKED"
	StatusPermBanned  Status = "PERM_BANNED"
)

// Record is one penalty issued to a user. Records flow by value across
// component boundaries.
type Record struct {
	ID         string
	Type       Type
	Severity   Severity
	Reason     string
	IssuedAt   time.Time
	ExpiresAt  *time.Time // nil for warnings and permanent bans
	IsActive   bool
	Appealable bool
	Appealed   bool
	RevokedAt  *time.Time
	RevokedBy  string
	Metadata   map[string]string
}

// UserStatus is the full penalty state for one user.
type UserStatus struct {
	UserID          string
	Status          Status
	WarningCount    int
	BlockCount      int
	TotalViolations int
	CurrentPenalty  *Record
	BlockedUntil    *time.Time
	AppealCount     int
	History         []Record
}

// Decision is the outcome of IsUserAllowed.
type Decision struct {
	Allowed      bool
	Status       Status
	Reason       string
	BlockedUntil *time.Time
}

// Config tunes escalation. Zero values take defaults.
type Config struct {
	BaseTimeout           time.Duration `yaml:"base_timeout"`
	MaxTimeout            time.Duration `yaml:"max_timeout"`
	EscalationMultiplier  float64       `yaml:"escalation_multiplier"`
	PermanentBanThreshold int           `yaml:"permanent_ban_threshold"`
	MaxAppealsPerUser     int           `yaml:"max_appeals_per_user"`
	MaxHistoryPerUser     int           `yaml:"max_history_per_user"`
}

func (c Config) withDefaults() Config {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 10 * time.Minute
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 24 * time.Hour
	}
	if c.EscalationMultiplier <= 1 {
		c.EscalationMultiplier = 2
	}
	if c.PermanentBanThreshold <= 0 {
		c.PermanentBanThreshold = 10
	}
	if c.MaxAppealsPerUser <= 0 {
		c.MaxAppealsPerUser = 3
	}
	if c.MaxHistoryPerUser <= 0 {
		c.MaxHistoryPerUser = 50
	}
	return c
}

// Appeal errors.
var (
	ErrPenaltyNotFound  = errors.New("penalty not found")
	ErrNotAppealable    = errors.New("penalty is not appealable")
	ErrAlreadyAppealed  = errors.New("penalty was already appealed")
	ErrAppealLimit      = errors.New("appeal limit reached")
	ErrPenaltyNotActive = errors.New("penalty is not active")
	ErrUserNotFound     = errors.New("user has no penalty state")
)

// Manager is the penalty state machine. Safe for concurrent use.
type Manager struct {
	cfg     Config
	store   *counter.Store // may be nil; used only to mirror wl/bl keys
	bus     events.Bus     // may be nil
	metrics *metrics.Metrics

	mu        sync.RWMutex
	users     map[string]*UserStatus
	whitelist map[string]bool
	blacklist map[string]bool

	now func() time.Time // test seam
}

// NewManager creates a penalty manager. store, bus and m may be nil.
func NewManager(cfg Config, store *counter.Store, bus events.Bus, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       bus,
		metrics:   m,
		users:     make(map[string]*UserStatus),
		whitelist: make(map[string]bool),
		blacklist: make(map[string]bool),
		now:       time.Now,
	}
}

func (m *Manager) user(userID string) *UserStatus {
	us, ok := m.users[userID]
	if !ok {
		us = &UserStatus{UserID: userID, Status: StatusNormal}
		m.users[userID] = us
	}
	return us
}

// escalate maps (severity, current counters) to a penalty type.
func (m *Manager) escalate(severity Severity, us *UserStatus) Type {
	switch severity {
	case SeverityCritical:
		if us.BlockCount >= 2 || us.TotalViolations >= m.cfg.PermanentBanThreshold {
			return TypePermanentBan
		}
		return TypeExtendedBlock
	case SeverityHigh:
		if us.BlockCount >= 1 {
			return TypeExtendedBlock
		}
		return TypeTemporaryBlock
	case SeverityMedium:
		if us.WarningCount >= 2 {
			return TypeTemporaryBlock
		}
		return TypeWarning
	default:
		return TypeWarning
	}
}

// blockDuration computes the penalty duration from the pre-penalty counters.
// Extended blocks use blockCount+2 as the exponent (carried over from the
// original escalation table).
func (m *Manager) blockDuration(t Type, blockCount int) time.Duration {
	exp := blockCount
	if t == TypeExtendedBlock {
		exp = blockCount + 2
	}
	d := m.cfg.BaseTimeout
	for i := 0; i < exp; i++ {
		d = time.Duration(float64(d) * m.cfg.EscalationMultiplier)
		if d >= m.cfg.MaxTimeout {
			return m.cfg.MaxTimeout
		}
	}
	if d > m.cfg.MaxTimeout {
		d = m.cfg.MaxTimeout
	}
	return d
}

// ApplyPenalty records a violation of the given severity and applies the
// escalated penalty. Returns the issued record by value.
func (m *Manager) ApplyPenalty(ctx context.Context, userID string, severity Severity, reason string) (Record, error) {
	m.mu.Lock()

	us := m.user(userID)
	ptype := m.escalate(severity, us)
	now := m.now()

	rec := Record{
		ID:         uuid.NewString(),
		Type:       ptype,
		Severity:   severity,
		Reason:     reason,
		IssuedAt:   now,
		IsActive:   true,
		Appealable: ptype != TypeWarning && ptype != TypePermanentBan,
		Metadata:   map[string]string{},
	}

	switch ptype {
	case TypeWarning:
		us.WarningCount++
		us.Status = StatusWarned
	case TypeTemporaryBlock, TypeExtendedBlock:
		d := m.blockDuration(ptype, us.BlockCount)
		until := now.Add(d)
		rec.ExpiresAt = &until
		us.BlockCount++
		us.BlockedUntil = &until
		us.Status = StatusTempBlocked
	case TypePermanentBan:
		us.Status = StatusPermBanned
		us.BlockedUntil = nil
		m.blacklist[userID] = true
	}
	us.TotalViolations++
	us.CurrentPenalty = &rec

	us.History = append(us.History, rec)
	if len(us.History) > m.cfg.MaxHistoryPerUser {
		us.History = us.History[len(us.History)-m.cfg.MaxHistoryPerUser:]
	}
	m.mu.Unlock()

	if ptype == TypePermanentBan && m.store != nil {
		if err := m.store.SetWindowStart(ctx, "bl:"+userID, now, 0); err != nil {
			slog.Warn("[Penalty] Failed to mirror blacklist entry", "user", userID, "error", err)
		}
	}

	slog.Info("[Penalty] Applied", "user", userID, "type", ptype, "severity", severity, "reason", reason)
	if m.metrics != nil {
		m.metrics.PenaltiesApplied.WithLabelValues(string(ptype)).Inc()
	}
	if m.bus != nil {
		m.bus.Publish(ctx, &events.Event{
			ID:     rec.ID,
			Type:   events.EventPenaltyApplied,
			Source: "penalty",
			UserID: userID,
			Payload: map[string]interface{}{
				"penalty_type": string(ptype),
				"severity":     string(severity),
				"reason":       reason,
			},
		})
	}

	return rec, nil
}

// IsUserAllowed decides whether the user may proceed. Whitelist wins over
// everything; blacklist wins over penalty state; an expired penalty is
// cleared on read.
func (m *Manager) IsUserAllowed(ctx context.Context, userID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.whitelist[userID] {
		return Decision{Allowed: true, Status: StatusWhitelisted}
	}
	if m.blacklist[userID] {
		return Decision{Allowed: false, Status: StatusPermBanned, Reason: "permanently banned"}
	}

	us, ok := m.users[userID]
	if !ok || us.CurrentPenalty == nil {
		return Decision{Allowed: true, Status: StatusNormal}
	}

	p := us.CurrentPenalty
	if !p.IsActive {
		return Decision{Allowed: true, Status: us.Status}
	}

	// Warnings never block.
	if p.Type == TypeWarning {
		return Decision{Allowed: true, Status: us.Status}
	}

	now := m.now()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		p.IsActive = false
		us.CurrentPenalty = nil
		us.BlockedUntil = nil
		us.Status = StatusNormal
		return Decision{Allowed: true, Status: StatusNormal}
	}

	return Decision{
		Allowed:      false,
		Status:       us.Status,
		Reason:       fmt.Sprintf("temporarily blocked: %s", p.Reason),
		BlockedUntil: us.BlockedUntil,
	}
}

// SubmitAppeal files an appeal against an active, appealable penalty.
func (m *Manager) SubmitAppeal(userID, penaltyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	us, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if us.AppealCount >= m.cfg.MaxAppealsPerUser {
		return ErrAppealLimit
	}

	p := us.CurrentPenalty
	if p == nil || p.ID != penaltyID {
		return ErrPenaltyNotFound
	}
	if !p.IsActive {
		return ErrPenaltyNotActive
	}
	if !p.Appealable {
		return ErrNotAppealable
	}
	if p.Appealed {
		return ErrAlreadyAppealed
	}

	p.Appealed = true
	p.Metadata["appeal_reason"] = reason
	us.AppealCount++

	slog.Info("[Penalty] Appeal submitted", "user", userID, "penalty", penaltyID)
	return nil
}

// ApproveAppeal revokes an appealed penalty and resets the user's status.
func (m *Manager) ApproveAppeal(ctx context.Context, userID, penaltyID, approvedBy string) error {
	m.mu.Lock()
	us, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return ErrUserNotFound
	}
	p := us.CurrentPenalty
	if p == nil || p.ID != penaltyID {
		m.mu.Unlock()
		return ErrPenaltyNotFound
	}
	if !p.Appealed {
		m.mu.Unlock()
		return ErrNotAppealable
	}
	m.revokeLocked(us, p, approvedBy)
	m.mu.Unlock()

	m.publishRevoked(ctx, userID, penaltyID, approvedBy)
	return nil
}

// RevokePenalty revokes a penalty without requiring an appeal (operator
// action). Revoking a permanent ban also removes the blacklist entry.
func (m *Manager) RevokePenalty(ctx context.Context, userID, penaltyID, revokedBy string) error {
	m.mu.Lock()
	us, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return ErrUserNotFound
	}
	p := us.CurrentPenalty
	if p == nil || p.ID != penaltyID {
		m.mu.Unlock()
		return ErrPenaltyNotFound
	}
	wasBan := p.Type == TypePermanentBan
	m.revokeLocked(us, p, revokedBy)
	if wasBan {
		delete(m.blacklist, userID)
	}
	m.mu.Unlock()

	if wasBan && m.store != nil {
		_ = m.store.Reset(ctx, "bl:"+userID)
	}
	m.publishRevoked(ctx, userID, penaltyID, revokedBy)
	return nil
}

func (m *Manager) revokeLocked(us *UserStatus, p *Record, by string) {
	now := m.now()
	p.IsActive = false
	p.RevokedAt = &now
	p.RevokedBy = by
	us.CurrentPenalty = nil
	us.BlockedUntil = nil
	us.Status = StatusNormal

	// Keep history in sync with the revoked record.
	for i := range us.History {
		if us.History[i].ID == p.ID {
			us.History[i] = *p
			break
		}
	}
}

func (m *Manager) publishRevoked(ctx context.Context, userID, penaltyID, by string) {
	slog.Info("[Penalty] Revoked", "user", userID, "penalty", penaltyID, "by", by)
	if m.bus != nil {
		m.bus.Publish(ctx, &events.Event{
			ID:     uuid.NewString(),
			Type:   events.EventPenaltyRevoked,
			Source: "penalty",
			UserID: userID,
			Payload: map[string]interface{}{
				"penalty_id": penaltyID,
				"revoked_by": by,
			},
		})
	}
}

// AddToWhitelist exempts a user from all penalties.
func (m *Manager) AddToWhitelist(ctx context.Context, userID string) {
	m.mu.Lock()
	m.whitelist[userID] = true
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetWindowStart(ctx, "wl:"+userID, m.now(), 0); err != nil {
			slog.Warn("[Penalty] Failed to mirror whitelist entry", "user", userID, "error", err)
		}
	}
}

// RemoveFromWhitelist removes the exemption.
func (m *Manager) RemoveFromWhitelist(ctx context.Context, userID string) {
	m.mu.Lock()
	delete(m.whitelist, userID)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.Reset(ctx, "wl:"+userID)
	}
}

// AddToBlacklist permanently denies a user without issuing a penalty record.
func (m *Manager) AddToBlacklist(ctx context.Context, userID string) {
	m.mu.Lock()
	m.blacklist[userID] = true
	if us, ok := m.users[userID]; ok {
		us.Status = StatusPermBanned
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetWindowStart(ctx, "bl:"+userID, m.now(), 0); err != nil {
			slog.Warn("[Penalty] Failed to mirror blacklist entry", "user", userID, "error", err)
		}
	}
}

// RemoveFromBlacklist lifts a blacklist entry.
func (m *Manager) RemoveFromBlacklist(ctx context.Context, userID string) {
	m.mu.Lock()
	delete(m.blacklist, userID)
	if us, ok := m.users[userID]; ok && us.Status == StatusPermBanned {
		us.Status = StatusNormal
	}
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.Reset(ctx, "bl:"+userID)
	}
}

// GetUserStatus returns a copy of the user's penalty state.
func (m *Manager) GetUserStatus(userID string) (UserStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	us, ok := m.users[userID]
	if !ok {
		return UserStatus{UserID: userID, Status: StatusNormal}, false
	}
	out := *us
	if us.CurrentPenalty != nil {
		p := *us.CurrentPenalty
		out.CurrentPenalty = &p
	}
	out.History = append([]Record(nil), us.History...)
	return out, true
}
