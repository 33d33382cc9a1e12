// Package repair orchestrates the repair workflow: dry run, execute, approve and the
// lifecycle operations around them.
//
// The orchestrator owns no state of its own. Every decision is recomputed from the
// manifest store, and every write is either create-if-absent (repairs are keyed by
// their contract hash) or a compare-and-swap on updated_at.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

const tracerName = "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"

// Metrics receives workflow events. observability.RepairMetrics implements it.
type Metrics interface {
	RecordDecision(ctx context.Context, decision, reasonCode string)
	RecordTransition(ctx context.Context, to string)
	RecordApproval(ctx context.Context, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDecision(context.Context, string, string) {}
func (noopMetrics) RecordTransition(context.Context, string)       {}
func (noopMetrics) RecordApproval(context.Context, string)         {}

// Orchestrator composes the contract, manifest, authority and policy packages over a
// ManifestStore.
type Orchestrator struct {
	store   store.ManifestStore
	engine  *policy.Engine
	ttl     authority.TTLPolicy
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
	journal *store.TransitionJournal
	tracer  trace.Tracer
}

type Option func(*Orchestrator)

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTTLPolicy(p authority.TTLPolicy) Option {
	return func(o *Orchestrator) { o.ttl = p }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithJournal records every authority transition the orchestrator persists.
func WithJournal(j *store.TransitionJournal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// New builds an Orchestrator. A nil engine gets the default policy with no guards.
func New(s store.ManifestStore, engine *policy.Engine, opts ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: manifest store is required", repairerrors.ErrInvalidInput)
	}
	if engine == nil {
		var err error
		if engine, err = policy.NewEngine(nil); err != nil {
			return nil, err
		}
	}
	o := &Orchestrator{
		store:   s,
		engine:  engine,
		ttl:     authority.DefaultTTLPolicy(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "repair"),
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.ttl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", repairerrors.ErrInvalidInput, err)
	}
	return o, nil
}

// TTLPolicy returns the escalation thresholds in use.
func (o *Orchestrator) TTLPolicy() authority.TTLPolicy { return o.ttl }

func (o *Orchestrator) now() time.Time { return o.clock().UTC() }

// record journals a persisted transition. The store write already happened, so a
// journal failure is logged and not returned.
func (o *Orchestrator) record(ctx context.Context, m *manifest.CompositeManifest, from manifest.AuthorityState, actor, reason string) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(store.TransitionFrom(m, from, actor, reason)); err != nil {
		o.logger.WarnContext(ctx, "journal append failed", "job_id", m.JobID, "error", err)
	}
}

// History returns the journaled transitions of a manifest, oldest first. It is empty
// when no journal is configured.
func (o *Orchestrator) History(jobID string) []store.JournalEntry {
	if o.journal == nil {
		return []store.JournalEntry{}
	}
	return o.journal.History(jobID)
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, repairerrors.CodeOf(err))
		}
		span.End()
	}
}

// RegisterPrimary records a PRIMARY manifest for a finished job. Registering the same
// batches again returns the stored manifest; different batches fail with ErrAlreadyExists.
func (o *Orchestrator) RegisterPrimary(ctx context.Context, jobID string, batchIndices []int) (*manifest.CompositeManifest, error) {
	m, err := manifest.CreatePrimaryManifest(jobID, batchIndices, o.now())
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	return o.registerPrimary(ctx, m)
}

// RegisterPrimaryFromCheckpoint seeds the PRIMARY manifest from a completed checkpoint.
func (o *Orchestrator) RegisterPrimaryFromCheckpoint(ctx context.Context, cp *manifest.Checkpoint) (*manifest.CompositeManifest, error) {
	m, err := manifest.CreatePrimaryFromCheckpoint(cp, o.now())
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	return o.registerPrimary(ctx, m)
}

func (o *Orchestrator) registerPrimary(ctx context.Context, m *manifest.CompositeManifest) (*manifest.CompositeManifest, error) {
	err := o.store.CreatePrimary(ctx, m)
	if errors.Is(err, repairerrors.ErrAlreadyExists) {
		existing, gerr := o.store.GetPrimary(ctx, m.JobID)
		if gerr != nil {
			return nil, repairerrors.Classify(gerr)
		}
		if existing.Checksum.TotalHash != m.Checksum.TotalHash {
			return nil, repairerrors.Classify(fmt.Errorf("%w: primary %s is registered with different batches", repairerrors.ErrAlreadyExists, m.JobID))
		}
		return existing, nil
	}
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	o.record(ctx, m, "", authority.SystemActor, "")
	o.logger.InfoContext(ctx, "primary manifest registered",
		"job_id", m.JobID, "batches", len(m.VirtualBatches), "total_hash", m.Checksum.TotalHash)
	return m, nil
}

// EffectiveManifest is the PRIMARY with every AUTHORITATIVE repair of it folded on top,
// in promotion order. It is the base new repairs are composed against.
func (o *Orchestrator) EffectiveManifest(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	primary, err := o.loadPrimary(ctx, jobID)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	eff, _, err := o.effectiveBase(ctx, primary)
	return eff, repairerrors.Classify(err)
}

func (o *Orchestrator) loadPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	primary, err := o.store.GetPrimary(ctx, jobID)
	if errors.Is(err, repairerrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", repairerrors.ErrBaseManifestNotFound, jobID)
	}
	return primary, err
}

// effectiveBase folds the AUTHORITATIVE repairs of primary onto it and reports their
// job ids. A primary that is not AUTHORITATIVE is returned as is; policy blocks it.
func (o *Orchestrator) effectiveBase(ctx context.Context, primary *manifest.CompositeManifest) (*manifest.CompositeManifest, []string, error) {
	if primary.Authority.State != manifest.StateAuthoritative {
		return primary, nil, nil
	}
	repairs, err := o.store.ListRepairs(ctx)
	if err != nil {
		return nil, nil, err
	}
	var promoted []*manifest.CompositeManifest
	for _, r := range repairs {
		if r.TruthAnchor.RootJobID == primary.JobID && r.Authority.State == manifest.StateAuthoritative {
			promoted = append(promoted, r)
		}
	}
	sort.SliceStable(promoted, func(i, j int) bool {
		ti, tj := promotedAt(promoted[i]), promotedAt(promoted[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return promoted[i].JobID < promoted[j].JobID
	})

	base := primary
	folded := make([]string, 0, len(promoted))
	now := o.now()
	for _, r := range promoted {
		if base, err = manifest.MergeManifests(base, r, now); err != nil {
			return nil, nil, err
		}
		folded = append(folded, r.JobID)
	}
	return base, folded, nil
}

func promotedAt(m *manifest.CompositeManifest) time.Time {
	if m.Authority.PromotedAt != nil {
		return *m.Authority.PromotedAt
	}
	return m.UpdatedAt
}

// ListManifests returns every PRIMARY and DERIVED manifest in the store.
func (o *Orchestrator) ListManifests(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	primaries, err := o.store.ListPrimaries(ctx)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	repairs, err := o.store.ListRepairs(ctx)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	return append(primaries, repairs...), nil
}

// ListPendingRepairs returns repairs awaiting a human, oldest first.
func (o *Orchestrator) ListPendingRepairs(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	repairs, err := o.store.ListRepairs(ctx)
	if err != nil {
		return nil, repairerrors.Classify(err)
	}
	pending := make([]*manifest.CompositeManifest, 0)
	for _, r := range repairs {
		if r.Authority.State == manifest.StatePendingMerge {
			pending = append(pending, r)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ti, tj := authority.PendingSince(pending[i]), authority.PendingSince(pending[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return pending[i].JobID < pending[j].JobID
	})
	return pending, nil
}
