// Package health turns the manifest population into operational signals: health
// metrics, escalation buckets for pending repairs and cleanup candidates.
package health

import (
	"sort"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// DefaultRetention is how long a revoked manifest is kept before cleanup.
const DefaultRetention = 90 * 24 * time.Hour

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Status thresholds against the historical failure rates.
const (
	degradedFactor      = 1.5
	criticalFactor      = 2.0
	criticalFailureRate = 0.25
)

type EscalationCounts struct {
	Notify     int `json:"notify"`
	Reminder   int `json:"reminder"`
	AutoRevoke int `json:"auto_revoke"`
}

// HealthMetrics summarises the repair population at one instant.
type HealthMetrics struct {
	PendingCount        int              `json:"pending_count"`
	TotalDerived        int              `json:"total_derived"`
	FailureRate         float64          `json:"failure_rate"`
	OverlapRatio        float64          `json:"overlap_ratio"`
	AvgHoursToPromotion float64          `json:"avg_hours_to_promotion"`
	FailureRateDelta7d  float64          `json:"failure_rate_delta_7d"`
	FailureRateDelta30d float64          `json:"failure_rate_delta_30d"`
	Escalations         EscalationCounts `json:"escalations"`
	Status              Status           `json:"status"`
	ComputedAt          time.Time        `json:"computed_at"`
}

// CalculateHealthMetrics computes metrics over manifests using the default TTL policy.
//
// FailureRate is revoked derived over all derived, OverlapRatio the share of derived
// manifests stacked on more than one overlay, and AvgHoursToPromotion the mean time
// from creation to promotion of AUTHORITATIVE derived manifests.
func CalculateHealthMetrics(manifests []*manifest.CompositeManifest, histFailRate7d, histFailRate30d float64, now time.Time) HealthMetrics {
	return CalculateWithPolicy(manifests, histFailRate7d, histFailRate30d, now, authority.DefaultTTLPolicy())
}

// CalculateWithPolicy is CalculateHealthMetrics with explicit TTL thresholds.
func CalculateWithPolicy(manifests []*manifest.CompositeManifest, histFailRate7d, histFailRate30d float64, now time.Time, ttl authority.TTLPolicy) HealthMetrics {
	var (
		derived, pending, revoked, stacked int
		promotedHours                      float64
		promotedCount                      int
	)
	for _, m := range manifests {
		if m == nil || !m.IsDerived() {
			continue
		}
		derived++
		switch m.Authority.State {
		case manifest.StatePendingMerge:
			pending++
		case manifest.StateRevoked:
			revoked++
		case manifest.StateAuthoritative:
			if m.Authority.PromotedAt != nil {
				promotedHours += m.Authority.PromotedAt.Sub(m.CreatedAt).Hours()
				promotedCount++
			}
		}
		if len(m.Composition.OverlayManifests) > 1 {
			stacked++
		}
	}

	hm := HealthMetrics{
		PendingCount: pending,
		TotalDerived: derived,
		ComputedAt:   now.UTC(),
	}
	if derived > 0 {
		hm.FailureRate = float64(revoked) / float64(derived)
		hm.OverlapRatio = float64(stacked) / float64(derived)
	}
	if promotedCount > 0 {
		hm.AvgHoursToPromotion = promotedHours / float64(promotedCount)
	}
	hm.FailureRateDelta7d = hm.FailureRate - histFailRate7d
	hm.FailureRateDelta30d = hm.FailureRate - histFailRate30d

	esc := GetEscalationCandidates(manifests, now, ttl)
	hm.Escalations = EscalationCounts{
		Notify:     len(esc.Notify),
		Reminder:   len(esc.Reminder),
		AutoRevoke: len(esc.AutoRevoke),
	}
	hm.Status = status(hm, histFailRate7d, histFailRate30d)
	return hm
}

func status(hm HealthMetrics, hist7d, hist30d float64) Status {
	if hm.Escalations.AutoRevoke > 0 ||
		(hm.FailureRate >= criticalFactor*hist30d && hm.FailureRate >= criticalFailureRate) {
		return StatusCritical
	}
	if hm.FailureRate > degradedFactor*hist7d || hm.Escalations.Reminder > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// EscalationCandidates buckets PENDING_MERGE manifests by escalation level. Each
// bucket is ordered oldest first.
type EscalationCandidates struct {
	Notify     []*manifest.CompositeManifest `json:"notify"`
	Reminder   []*manifest.CompositeManifest `json:"reminder"`
	AutoRevoke []*manifest.CompositeManifest `json:"auto_revoke"`
}

func GetEscalationCandidates(manifests []*manifest.CompositeManifest, now time.Time, ttl authority.TTLPolicy) EscalationCandidates {
	out := EscalationCandidates{
		Notify:     []*manifest.CompositeManifest{},
		Reminder:   []*manifest.CompositeManifest{},
		AutoRevoke: []*manifest.CompositeManifest{},
	}
	for _, m := range manifests {
		switch ttl.CheckTTLExpiry(m, now).EscalationLevel {
		case authority.EscalationNotify:
			out.Notify = append(out.Notify, m)
		case authority.EscalationReminder:
			out.Reminder = append(out.Reminder, m)
		case authority.EscalationAutoRevoke:
			out.AutoRevoke = append(out.AutoRevoke, m)
		}
	}
	for _, bucket := range [][]*manifest.CompositeManifest{out.Notify, out.Reminder, out.AutoRevoke} {
		sort.SliceStable(bucket, func(i, j int) bool {
			return authority.PendingSince(bucket[i]).Before(authority.PendingSince(bucket[j]))
		})
	}
	return out
}

// GetCleanupCandidates returns REVOKED manifests revoked more than DefaultRetention ago.
func GetCleanupCandidates(manifests []*manifest.CompositeManifest, now time.Time) []*manifest.CompositeManifest {
	return CleanupCandidates(manifests, now, DefaultRetention)
}

// CleanupCandidates returns REVOKED manifests whose revoked_at is strictly older than
// retention.
func CleanupCandidates(manifests []*manifest.CompositeManifest, now time.Time, retention time.Duration) []*manifest.CompositeManifest {
	out := make([]*manifest.CompositeManifest, 0)
	for _, m := range manifests {
		if m == nil || m.Authority.State != manifest.StateRevoked || m.Authority.Revocation == nil {
			continue
		}
		if now.Sub(m.Authority.Revocation.RevokedAt) > retention {
			out = append(out, m)
		}
	}
	return out
}
