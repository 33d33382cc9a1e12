package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func primary(t *testing.T) *manifest.CompositeManifest {
	t.Helper()
	p, err := manifest.CreatePrimaryManifest("J1", []int{0, 1, 2}, now.Add(-200*24*time.Hour))
	require.NoError(t, err)
	return p
}

// derived builds a repair of base created at created and submitted right away.
func derived(t *testing.T, base *manifest.CompositeManifest, idx int, created time.Time) (*manifest.CompositeManifest, *contracts.RepairContract) {
	t.Helper()
	c, err := contracts.CreateRepairContract("J1", []int{idx}, fmt.Sprintf("repair %d", idx), created)
	require.NoError(t, err)
	r, err := manifest.CreateRepairManifest(c, base, manifest.ModeRepair, created)
	require.NoError(t, err)
	r, err = authority.SubmitForMerge(r, created)
	require.NoError(t, err)
	return r, c
}

func promote(t *testing.T, m *manifest.CompositeManifest, at time.Time) *manifest.CompositeManifest {
	t.Helper()
	out, err := authority.PromoteToAuthoritative(m, "alice", at)
	require.NoError(t, err)
	return out
}

func revoke(t *testing.T, m *manifest.CompositeManifest, at time.Time) *manifest.CompositeManifest {
	t.Helper()
	out, err := authority.Revoke(m, manifest.RevokeManualRollback, "alice", at)
	require.NoError(t, err)
	return out
}

func TestCalculateHealthMetrics(t *testing.T) {
	p := primary(t)
	a, _ := derived(t, p, 5, now.Add(-10*time.Hour))
	a = promote(t, a, now.Add(-6*time.Hour)) // 4h to promotion
	b, _ := derived(t, a, 6, now.Add(-5*time.Hour))
	b = promote(t, b, now.Add(-3*time.Hour)) // 2h, stacked on two overlays
	c, _ := derived(t, p, 1, now.Add(-2*time.Hour))
	d, _ := derived(t, p, 2, now.Add(-30*time.Hour))
	d = revoke(t, d, now.Add(-time.Hour))

	hm := CalculateHealthMetrics([]*manifest.CompositeManifest{p, a, b, c, d}, 0.25, 0.25, now)
	assert.Equal(t, 4, hm.TotalDerived)
	assert.Equal(t, 1, hm.PendingCount)
	assert.InDelta(t, 0.25, hm.FailureRate, 1e-9)
	assert.InDelta(t, 0.25, hm.OverlapRatio, 1e-9)
	assert.InDelta(t, 3.0, hm.AvgHoursToPromotion, 1e-9)
	assert.InDelta(t, 0.0, hm.FailureRateDelta7d, 1e-9)
	assert.Equal(t, StatusHealthy, hm.Status)
	assert.Equal(t, EscalationCounts{}, hm.Escalations)
}

func TestCalculateHealthMetricsEmpty(t *testing.T) {
	hm := CalculateHealthMetrics(nil, 0, 0, now)
	assert.Equal(t, 0, hm.TotalDerived)
	assert.Zero(t, hm.FailureRate)
	assert.Zero(t, hm.AvgHoursToPromotion)
	assert.Equal(t, StatusHealthy, hm.Status)
}

func TestHealthStatus(t *testing.T) {
	p := primary(t)
	ok, _ := derived(t, p, 5, now.Add(-time.Hour))
	ok = promote(t, ok, now)
	failed, _ := derived(t, p, 6, now.Add(-time.Hour))
	failed = revoke(t, failed, now)
	reminder, _ := derived(t, p, 7, now.Add(-50*time.Hour))
	stale, _ := derived(t, p, 8, now.Add(-80*time.Hour))

	tests := []struct {
		name      string
		manifests []*manifest.CompositeManifest
		hist7d    float64
		hist30d   float64
		want      Status
	}{
		{"stable failure rate", []*manifest.CompositeManifest{ok, failed}, 0.5, 0.5, StatusHealthy},
		{"failure rate above 7d baseline", []*manifest.CompositeManifest{ok, failed}, 0.3, 0.5, StatusDegraded},
		{"failure rate doubled over 30d", []*manifest.CompositeManifest{ok, failed}, 0.5, 0.2, StatusCritical},
		{"reminder pending", []*manifest.CompositeManifest{ok, reminder}, 0, 0, StatusDegraded},
		{"expired pending", []*manifest.CompositeManifest{ok, stale}, 0, 0, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := CalculateHealthMetrics(tt.manifests, tt.hist7d, tt.hist30d, now)
			assert.Equal(t, tt.want, hm.Status)
		})
	}
}

func TestGetEscalationCandidates(t *testing.T) {
	p := primary(t)
	fresh, _ := derived(t, p, 3, now.Add(-23*time.Hour-59*time.Minute))
	notify, _ := derived(t, p, 4, now.Add(-24*time.Hour))
	reminder, _ := derived(t, p, 5, now.Add(-48*time.Hour))
	expired, _ := derived(t, p, 6, now.Add(-72*time.Hour))
	older, _ := derived(t, p, 7, now.Add(-100*time.Hour))

	got := GetEscalationCandidates([]*manifest.CompositeManifest{p, fresh, notify, reminder, expired, older}, now, authority.DefaultTTLPolicy())
	require.Len(t, got.Notify, 1)
	assert.Equal(t, notify.JobID, got.Notify[0].JobID)
	require.Len(t, got.Reminder, 1)
	assert.Equal(t, reminder.JobID, got.Reminder[0].JobID)
	require.Len(t, got.AutoRevoke, 2)
	assert.Equal(t, older.JobID, got.AutoRevoke[0].JobID, "oldest first")
	assert.Equal(t, expired.JobID, got.AutoRevoke[1].JobID)
}

func TestGetCleanupCandidates(t *testing.T) {
	p := primary(t)
	r91, _ := derived(t, p, 3, now.Add(-100*24*time.Hour))
	r91 = revoke(t, r91, now.Add(-91*24*time.Hour))
	r89, _ := derived(t, p, 4, now.Add(-100*24*time.Hour))
	r89 = revoke(t, r89, now.Add(-89*24*time.Hour))
	exact, _ := derived(t, p, 5, now.Add(-100*24*time.Hour))
	exact = revoke(t, exact, now.Add(-DefaultRetention))

	got := GetCleanupCandidates([]*manifest.CompositeManifest{p, r91, r89, exact}, now)
	require.Len(t, got, 1)
	assert.Equal(t, r91.JobID, got[0].JobID)
}

func TestMonitorPurgeCleanupCandidates(t *testing.T) {
	ctx := context.Background()
	s := store.NewObjectManifestStore(artifacts.NewMemoryStore())

	p := primary(t)
	p, err := authority.Revoke(p, manifest.RevokeBaseTampered, authority.SystemActor, now.Add(-120*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CreatePrimary(ctx, p))

	base := primary(t)
	old, oldContract := derived(t, base, 3, now.Add(-100*24*time.Hour))
	old = revoke(t, old, now.Add(-91*24*time.Hour))
	require.NoError(t, s.CreateRepair(ctx, old, oldContract))

	recent, recentContract := derived(t, base, 4, now.Add(-100*24*time.Hour))
	recent = revoke(t, recent, now.Add(-89*24*time.Hour))
	require.NoError(t, s.CreateRepair(ctx, recent, recentContract))

	var snapshots []HealthMetrics
	mon := NewMonitor(s,
		WithClock(func() time.Time { return now }),
		WithSnapshotFunc(func(_ context.Context, hm HealthMetrics) { snapshots = append(snapshots, hm) }),
	)

	res, err := mon.PurgeCleanupCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.JobID}, res.Deleted)
	assert.Equal(t, []string{"J1"}, res.Retained)

	_, _, err = s.GetRepair(ctx, old.JobID)
	assert.Error(t, err)
	_, _, err = s.GetRepair(ctx, recent.JobID)
	assert.NoError(t, err)

	hm, err := mon.Check(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, hm.TotalDerived)
	require.Len(t, snapshots, 1)
	assert.Equal(t, hm.Status, snapshots[0].Status)
}
