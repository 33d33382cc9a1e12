package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
)

// RepairRequest asks for batches of a PRIMARY job to be replaced. A zero RequestedAt
// is stamped with the orchestrator clock; queued requests carry their own so that
// redelivery produces the same contract.
type RepairRequest struct {
	TargetJobID   string                 `json:"target_job_id"`
	BatchIndices  []int                  `json:"batch_indices"`
	Reason        string                 `json:"reason"`
	OperationMode manifest.OperationMode `json:"operation_mode,omitempty"`
	RequestedAt   time.Time              `json:"requested_at,omitempty"`
}

// BaseSummary describes the effective base a repair was composed against.
type BaseSummary struct {
	JobID         string                  `json:"job_id"`
	State         manifest.AuthorityState `json:"state"`
	BatchCount    int                     `json:"batch_count"`
	Generation    int                     `json:"generation"`
	FoldedRepairs []string                `json:"folded_repairs,omitempty"`
	TotalHash     string                  `json:"total_hash"`
	ChainHash     string                  `json:"chain_hash"`
}

// DryRunResult is everything a repair would produce, without any of it persisted.
type DryRunResult struct {
	RepairJobID string                      `json:"repair_job_id,omitempty"`
	Contract    *contracts.RepairContract   `json:"contract,omitempty"`
	Manifest    *manifest.CompositeManifest `json:"manifest,omitempty"`
	Evaluation  policy.Evaluation           `json:"evaluation"`
	Base        *BaseSummary                `json:"base,omitempty"`
	Errors      []string                    `json:"errors,omitempty"`
	Warnings    []string                    `json:"warnings,omitempty"`
}

// Valid reports whether the dry run found no structural problems.
func (r *DryRunResult) Valid() bool { return len(r.Errors) == 0 }

// DryRunRepair composes and evaluates a repair without persisting anything. Structural
// problems are collected in Errors; only a missing base and store failures are returned
// as errors.
func (o *Orchestrator) DryRunRepair(ctx context.Context, req RepairRequest) (*DryRunResult, error) {
	ctx, end := o.startSpan(ctx, "repair.dry_run", attribute.String("repair.target_job_id", req.TargetJobID))
	res, err := o.dryRun(ctx, req)
	end(err)
	return res, repairerrors.Classify(err)
}

func (o *Orchestrator) dryRun(ctx context.Context, req RepairRequest) (*DryRunResult, error) {
	res := &DryRunResult{}
	target := strings.TrimSpace(req.TargetJobID)
	if !contracts.ValidJobID(target) {
		res.Errors = append(res.Errors, fmt.Sprintf("target job id %q is not a valid job id", req.TargetJobID))
		res.Evaluation = invalid(res.Errors)
		return res, nil
	}

	primary, err := o.loadPrimary(ctx, target)
	if err != nil {
		return nil, err
	}
	base, folded, err := o.effectiveBase(ctx, primary)
	if err != nil {
		return nil, err
	}
	res.Base = &BaseSummary{
		JobID:         primary.JobID,
		State:         base.Authority.State,
		BatchCount:    len(base.VirtualBatches),
		Generation:    base.TruthAnchor.Generation,
		FoldedRepairs: folded,
		TotalHash:     base.Checksum.TotalHash,
		ChainHash:     base.Checksum.Chain.ChainHash,
	}

	mode := req.OperationMode
	if mode == "" {
		mode = manifest.ModeRepair
	}
	if !mode.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("operation mode %q is not one of REPAIR, PATCH, RECOMPUTE, SNAPSHOT", req.OperationMode))
	}
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = o.now()
	}
	res.Errors = append(res.Errors, requestProblems(req)...)
	if len(res.Errors) > 0 {
		res.Evaluation = invalid(res.Errors)
		return res, nil
	}

	contract, err := contracts.CreateRepairContract(target, req.BatchIndices, req.Reason, requestedAt)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Evaluation = invalid(res.Errors)
		return res, nil
	}
	res.Contract = contract
	res.RepairJobID = contract.RepairJobID()

	raw, err := json.Marshal(contract)
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	if v := contracts.ValidateContractStructure(raw); !v.Valid {
		res.Errors = append(res.Errors, v.Errors...)
	}

	repair, err := manifest.CreateRepairManifest(contract, base, mode, requestedAt)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else {
		res.Manifest = repair
	}

	res.Evaluation = o.engine.Evaluate(contract, base, repair)
	if len(res.Errors) > 0 && res.Evaluation.Decision != policy.DecisionBlock {
		res.Evaluation = invalid(res.Errors)
	}
	res.Warnings = append(res.Warnings, o.warnings(ctx, contract, base)...)
	return res, nil
}

// requestProblems reports every field problem at once, before a contract is built.
func requestProblems(req RepairRequest) []string {
	var problems []string
	if len(req.BatchIndices) == 0 {
		problems = append(problems, "batch_indices must not be empty")
	}
	seen := make(map[int]bool, len(req.BatchIndices))
	for _, idx := range req.BatchIndices {
		if idx < 0 {
			problems = append(problems, fmt.Sprintf("batch index %d is negative", idx))
		}
		if seen[idx] {
			problems = append(problems, fmt.Sprintf("batch index %d is listed more than once", idx))
		}
		seen[idx] = true
	}
	if strings.TrimSpace(req.Reason) == "" {
		problems = append(problems, "reason must not be blank")
	}
	return problems
}

func invalid(problems []string) policy.Evaluation {
	return policy.Evaluation{
		Decision:   policy.DecisionBlock,
		ReasonCode: policy.ReasonContractInvalid,
		Details:    map[string]any{"errors": append([]string(nil), problems...)},
	}
}

// warnings flag things an operator should know about that do not change the decision.
func (o *Orchestrator) warnings(ctx context.Context, contract *contracts.RepairContract, base *manifest.CompositeManifest) []string {
	var out []string
	if overlap := policy.GetOverlappingBatches(contract, base); len(overlap) > 0 {
		out = append(out, fmt.Sprintf("batches %v already exist in the base and would be replaced", overlap))
	}
	if n := len(base.VirtualBatches); n > 0 {
		last := base.VirtualBatches[n-1].Index
		for _, idx := range contract.RepairScope.BatchIndices {
			if idx > last+1 {
				out = append(out, fmt.Sprintf("batch index %d leaves a gap after the base's last batch %d", idx, last))
				break
			}
		}
	}

	pending, err := o.ListPendingRepairs(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "could not list pending repairs for dry run", "error", err)
		return out
	}
	want := make(map[int]bool, len(contract.RepairScope.BatchIndices))
	for _, idx := range contract.RepairScope.BatchIndices {
		want[idx] = true
	}
	for _, p := range pending {
		if p.TruthAnchor.RootJobID != contract.TargetPrimaryJobID || p.JobID == contract.RepairJobID() {
			continue
		}
		for _, idx := range manifest.RepairIndices(p) {
			if want[idx] {
				out = append(out, fmt.Sprintf("pending repair %s also replaces batch %d", p.JobID, idx))
				break
			}
		}
	}
	return out
}
