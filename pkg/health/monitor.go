package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

// SnapshotFunc receives every computed HealthMetrics, e.g. to feed gauges.
type SnapshotFunc func(ctx context.Context, hm HealthMetrics)

// Monitor computes health over a ManifestStore and purges expired revocations.
type Monitor struct {
	store      store.ManifestStore
	ttl        authority.TTLPolicy
	retention  time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	onSnapshot SnapshotFunc
}

type Option func(*Monitor)

func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

func WithTTLPolicy(p authority.TTLPolicy) Option {
	return func(m *Monitor) { m.ttl = p }
}

func WithRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(m *Monitor) { m.onSnapshot = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func NewMonitor(s store.ManifestStore, opts ...Option) *Monitor {
	m := &Monitor{
		store:     s,
		ttl:       authority.DefaultTTLPolicy(),
		retention: DefaultRetention,
		clock:     time.Now,
		logger:    slog.Default().With("component", "health"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) all(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	primaries, err := m.store.ListPrimaries(ctx)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	repairs, err := m.store.ListRepairs(ctx)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	return append(primaries, repairs...), nil
}

// Check computes the current HealthMetrics against the given historical failure rates.
func (m *Monitor) Check(ctx context.Context, histFailRate7d, histFailRate30d float64) (HealthMetrics, error) {
	manifests, err := m.all(ctx)
	if err != nil {
		return HealthMetrics{}, err
	}
	hm := CalculateWithPolicy(manifests, histFailRate7d, histFailRate30d, m.clock(), m.ttl)
	if hm.Status != StatusHealthy {
		m.logger.WarnContext(ctx, "manifest health degraded",
			"status", hm.Status, "failure_rate", hm.FailureRate,
			"pending", hm.PendingCount, "auto_revoke", hm.Escalations.AutoRevoke)
	}
	if m.onSnapshot != nil {
		m.onSnapshot(ctx, hm)
	}
	return hm, nil
}

// Escalations buckets the pending repairs currently in the store.
func (m *Monitor) Escalations(ctx context.Context) (EscalationCandidates, error) {
	manifests, err := m.all(ctx)
	if err != nil {
		return EscalationCandidates{}, err
	}
	return GetEscalationCandidates(manifests, m.clock(), m.ttl), nil
}

// CleanupCandidates lists revoked manifests past retention.
func (m *Monitor) CleanupCandidates(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	manifests, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	return CleanupCandidates(manifests, m.clock(), m.retention), nil
}

// PurgeResult reports a cleanup pass. Revoked primaries are retained because derived
// lineages still point at them.
type PurgeResult struct {
	Deleted  []string `json:"deleted"`
	Retained []string `json:"retained,omitempty"`
}

// PurgeCleanupCandidates deletes DERIVED cleanup candidates and their contracts.
func (m *Monitor) PurgeCleanupCandidates(ctx context.Context) (*PurgeResult, error) {
	candidates, err := m.CleanupCandidates(ctx)
	if err != nil {
		return nil, err
	}
	res := &PurgeResult{Deleted: []string{}}
	var errs []error
	for _, c := range candidates {
		if c.IsPrimary() {
			res.Retained = append(res.Retained, c.JobID)
			continue
		}
		if err := m.store.DeleteRepair(ctx, c.JobID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", c.JobID, err))
			continue
		}
		res.Deleted = append(res.Deleted, c.JobID)
		m.logger.InfoContext(ctx, "revoked repair purged", "job_id", c.JobID,
			"revoked_at", c.Authority.Revocation.RevokedAt)
	}
	return res, repairerrors.Classify(errors.Join(errs...))
}
