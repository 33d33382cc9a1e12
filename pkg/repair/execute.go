package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
)

// ReasonDuplicate marks an ExecuteResult returned for an already executed contract.
const ReasonDuplicate policy.ReasonCode = "DUPLICATE"

// ExecuteResult is the persisted outcome of ExecuteRepair.
type ExecuteResult struct {
	RepairJobID string                      `json:"repair_job_id"`
	Manifest    *manifest.CompositeManifest `json:"manifest,omitempty"`
	Contract    *contracts.RepairContract   `json:"contract,omitempty"`
	Evaluation  policy.Evaluation           `json:"evaluation"`
	// Duplicate is set when the same contract had already been executed.
	Duplicate bool     `json:"duplicate,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// PendingHuman reports whether the repair is waiting for approval.
func (r *ExecuteResult) PendingHuman() bool {
	return r != nil && r.Manifest != nil && r.Manifest.Authority.State == manifest.StatePendingMerge
}

// ExecuteRepair runs the dry run and acts on the policy decision. AUTO_PROMOTE repairs
// are persisted AUTHORITATIVE, REQUIRE_HUMAN repairs PENDING_MERGE. BLOCK persists
// nothing and returns ErrBlocked together with the result carrying the evaluation.
func (o *Orchestrator) ExecuteRepair(ctx context.Context, req RepairRequest) (*ExecuteResult, error) {
	ctx, end := o.startSpan(ctx, "repair.execute", attribute.String("repair.target_job_id", req.TargetJobID))
	res, err := o.execute(ctx, req)
	end(err)
	return res, repairerrors.Classify(err)
}

func (o *Orchestrator) execute(ctx context.Context, req RepairRequest) (*ExecuteResult, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.now()
	}
	dry, err := o.dryRun(ctx, req)
	if err != nil {
		return nil, err
	}

	if dry.Contract != nil {
		if dup, err := o.existing(ctx, dry.Contract); dup != nil || err != nil {
			return dup, err
		}
	}

	res := &ExecuteResult{
		RepairJobID: dry.RepairJobID,
		Contract:    dry.Contract,
		Evaluation:  dry.Evaluation,
		Warnings:    dry.Warnings,
	}
	ev := dry.Evaluation
	o.metrics.RecordDecision(ctx, string(ev.Decision), string(ev.ReasonCode))
	log := o.logger.With("job_id", dry.RepairJobID, "target_job_id", req.TargetJobID,
		"decision", ev.Decision, "reason_code", ev.ReasonCode)

	if ev.Decision == policy.DecisionBlock {
		log.WarnContext(ctx, "repair blocked by policy")
		if dry.Contract == nil || !dry.Valid() {
			return res, fmt.Errorf("%w: %s", repairerrors.ErrInvalidInput, strings.Join(dry.Errors, "; "))
		}
		return res, fmt.Errorf("%w: %s", repairerrors.ErrBlocked, ev.ReasonCode)
	}

	now := o.now()
	m, err := authority.SubmitForMerge(dry.Manifest, now)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "repair state changed", "from", manifest.StateNonAuthoritative, "to", m.Authority.State)
	if ev.Decision == policy.DecisionAutoPromote {
		if m, err = authority.PromoteToAuthoritative(m, authority.SystemActor, now); err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "repair state changed", "from", manifest.StatePendingMerge, "to", m.Authority.State, "promoted_by", authority.SystemActor)
	}

	if err := o.store.CreateRepair(ctx, m, dry.Contract); err != nil {
		if errors.Is(err, repairerrors.ErrAlreadyExists) {
			// Lost a race with a concurrent delivery of the same request.
			if dup, gerr := o.existing(ctx, dry.Contract); dup != nil || gerr != nil {
				return dup, gerr
			}
		}
		return nil, err
	}
	o.metrics.RecordTransition(ctx, string(m.Authority.State))
	actor := ""
	if m.Authority.State == manifest.StateAuthoritative {
		actor = authority.SystemActor
	}
	o.record(ctx, m, manifest.StateNonAuthoritative, actor, string(ev.ReasonCode))
	log.InfoContext(ctx, "repair persisted", "state", m.Authority.State, "generation", m.TruthAnchor.Generation)

	res.Manifest = m
	return res, nil
}

// existing returns the stored repair for contract, if one was already executed.
func (o *Orchestrator) existing(ctx context.Context, contract *contracts.RepairContract) (*ExecuteResult, error) {
	id := contract.RepairJobID()
	m, stored, err := o.store.GetRepair(ctx, id)
	if errors.Is(err, repairerrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stored.ContractHash != contract.ContractHash {
		return nil, fmt.Errorf("%w: repair job id %s belongs to contract %s", repairerrors.ErrAlreadyExists, id, stored.ContractHash)
	}
	o.logger.InfoContext(ctx, "repair already executed", "job_id", id, "state", m.Authority.State)
	return &ExecuteResult{
		RepairJobID: id,
		Manifest:    m,
		Contract:    stored,
		Evaluation:  policy.Evaluation{Decision: decisionFor(m), ReasonCode: ReasonDuplicate},
		Duplicate:   true,
	}, nil
}

// decisionFor reconstructs the decision a stored repair was executed with.
func decisionFor(m *manifest.CompositeManifest) policy.Decision {
	if m.Authority.PromotedBy == authority.SystemActor {
		return policy.DecisionAutoPromote
	}
	return policy.DecisionRequireHuman
}
