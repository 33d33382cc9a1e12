package authority

import (
	"fmt"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

type EscalationLevel string

const (
	EscalationNone       EscalationLevel = "none"
	EscalationNotify     EscalationLevel = "notify"
	EscalationReminder   EscalationLevel = "reminder"
	EscalationAutoRevoke EscalationLevel = "auto_revoke"
)

// TTLPolicy holds the escalation thresholds for pending repairs.
type TTLPolicy struct {
	NotifyAfter   time.Duration `json:"notify_after" yaml:"notify_after"`
	ReminderAfter time.Duration `json:"reminder_after" yaml:"reminder_after"`
	ExpireAfter   time.Duration `json:"expire_after" yaml:"expire_after"`
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		NotifyAfter:   24 * time.Hour,
		ReminderAfter: 48 * time.Hour,
		ExpireAfter:   72 * time.Hour,
	}
}

// Validate requires strictly increasing, positive thresholds.
func (p TTLPolicy) Validate() error {
	if p.NotifyAfter <= 0 || p.ReminderAfter <= p.NotifyAfter || p.ExpireAfter <= p.ReminderAfter {
		return fmt.Errorf("ttl thresholds must satisfy 0 < notify (%s) < reminder (%s) < expire (%s)",
			p.NotifyAfter, p.ReminderAfter, p.ExpireAfter)
	}
	return nil
}

// Level maps a time spent pending to its escalation level.
func (p TTLPolicy) Level(pending time.Duration) EscalationLevel {
	switch {
	case pending >= p.ExpireAfter:
		return EscalationAutoRevoke
	case pending >= p.ReminderAfter:
		return EscalationReminder
	case pending >= p.NotifyAfter:
		return EscalationNotify
	}
	return EscalationNone
}

type TTLStatus struct {
	Expired         bool            `json:"expired"`
	HoursInPending  float64         `json:"hours_in_pending"`
	EscalationLevel EscalationLevel `json:"escalation_level"`
}

// PendingSince is when m entered PENDING_MERGE, falling back to its creation time for
// manifests written before submitted_at was recorded.
func PendingSince(m *manifest.CompositeManifest) time.Time {
	if m.Authority.SubmittedAt != nil {
		return *m.Authority.SubmittedAt
	}
	return m.CreatedAt
}

// CheckTTLExpiry evaluates m against the policy. Only PENDING_MERGE manifests age.
func (p TTLPolicy) CheckTTLExpiry(m *manifest.CompositeManifest, now time.Time) TTLStatus {
	if m == nil || m.Authority.State != manifest.StatePendingMerge {
		return TTLStatus{EscalationLevel: EscalationNone}
	}
	pending := now.Sub(PendingSince(m))
	if pending < 0 {
		pending = 0
	}
	level := p.Level(pending)
	return TTLStatus{
		Expired:         level == EscalationAutoRevoke,
		HoursInPending:  pending.Hours(),
		EscalationLevel: level,
	}
}

// CheckTTLExpiry uses the default 24/48/72h policy.
func CheckTTLExpiry(m *manifest.CompositeManifest, now time.Time) TTLStatus {
	return DefaultTTLPolicy().CheckTTLExpiry(m, now)
}
