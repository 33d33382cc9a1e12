package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/health"
)

// RepairMetrics records workflow counters and exposes the latest health snapshot as
// observable gauges.
type RepairMetrics struct {
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
	approvals   metric.Int64Counter

	mu     sync.RWMutex
	latest *health.HealthMetrics
}

func NewRepairMetrics(meter metric.Meter) (*RepairMetrics, error) {
	m := &RepairMetrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("repair.decisions.total",
		metric.WithDescription("Policy decisions by outcome and reason code"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("repair.transitions.total",
		metric.WithDescription("Persisted authority transitions by target state"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.approvals, err = meter.Int64Counter("repair.approvals.total",
		metric.WithDescription("Approval and rejection attempts by outcome"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return nil, err
	}

	pending, err := meter.Int64ObservableGauge("repair.pending",
		metric.WithDescription("Repairs waiting for approval at the last health check"),
		metric.WithUnit("{repair}"),
	)
	if err != nil {
		return nil, err
	}
	failureRate, err := meter.Float64ObservableGauge("repair.failure_rate",
		metric.WithDescription("Revoked share of derived manifests at the last health check"),
	)
	if err != nil {
		return nil, err
	}
	overlapRatio, err := meter.Float64ObservableGauge("repair.overlap_ratio",
		metric.WithDescription("Share of derived manifests stacked on more than one overlay"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.latest == nil {
			return nil
		}
		attrs := metric.WithAttributes(attribute.String("status", string(m.latest.Status)))
		o.ObserveInt64(pending, int64(m.latest.PendingCount), attrs)
		o.ObserveFloat64(failureRate, m.latest.FailureRate, attrs)
		o.ObserveFloat64(overlapRatio, m.latest.OverlapRatio, attrs)
		return nil
	}, pending, failureRate, overlapRatio)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RepairMetrics) RecordDecision(ctx context.Context, decision, reasonCode string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("reason_code", reasonCode),
	))
}

func (m *RepairMetrics) RecordTransition(ctx context.Context, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

func (m *RepairMetrics) RecordApproval(ctx context.Context, outcome string) {
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveHealth stores hm for the gauges. It matches health.SnapshotFunc.
func (m *RepairMetrics) ObserveHealth(_ context.Context, hm health.HealthMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := hm
	m.latest = &snapshot
}
