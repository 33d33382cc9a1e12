package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// Approval outcomes reported to Metrics.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
)

// ApproveRepair promotes a PENDING_MERGE repair on behalf of approvedBy. The persisted
// contract is re-verified first. Approval never rebases: the repair is promoted exactly
// as it was composed.
func (o *Orchestrator) ApproveRepair(ctx context.Context, repairJobID, approvedBy string) (*manifest.CompositeManifest, error) {
	ctx, end := o.startSpan(ctx, "repair.approve", attribute.String("repair.job_id", repairJobID))
	m, err := o.approve(ctx, repairJobID, approvedBy)
	end(err)
	o.metrics.RecordApproval(ctx, approvalOutcome(err, OutcomeApproved))
	return m, repairerrors.Classify(err)
}

func (o *Orchestrator) approve(ctx context.Context, repairJobID, approvedBy string) (*manifest.CompositeManifest, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return nil, fmt.Errorf("%w: approver is required", repairerrors.ErrInvalidInput)
	}
	m, err := o.loadVerifiedRepair(ctx, repairJobID)
	if err != nil {
		return nil, err
	}
	if m.Authority.State != manifest.StatePendingMerge {
		return nil, fmt.Errorf("%w: %s is %s", repairerrors.ErrNotPending, repairJobID, m.Authority.State)
	}
	now := o.now()
	if status := o.ttl.CheckTTLExpiry(m, now); status.Expired {
		o.logger.WarnContext(ctx, "approval refused, repair expired",
			"job_id", repairJobID, "hours_in_pending", status.HoursInPending)
		return nil, fmt.Errorf("%w: %s has been pending for %.1fh", repairerrors.ErrExpired, repairJobID, status.HoursInPending)
	}
	primary, err := o.loadPrimary(ctx, m.TruthAnchor.RootJobID)
	if err != nil {
		return nil, err
	}
	if primary.Authority.State != manifest.StateAuthoritative {
		return nil, fmt.Errorf("%w: base %s is %s", repairerrors.ErrBlocked, primary.JobID, primary.Authority.State)
	}

	promoted, err := authority.PromoteToAuthoritative(m, approvedBy, now)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateRepair(ctx, promoted, m.UpdatedAt); err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(ctx, string(promoted.Authority.State))
	o.record(ctx, promoted, m.Authority.State, approvedBy, "")
	o.logger.InfoContext(ctx, "repair state changed", "job_id", repairJobID,
		"from", m.Authority.State, "to", promoted.Authority.State, "promoted_by", approvedBy)
	return promoted, nil
}

// RejectRepair revokes a PENDING_MERGE repair with MANUAL_ROLLBACK.
func (o *Orchestrator) RejectRepair(ctx context.Context, repairJobID, rejectedBy string) (*manifest.CompositeManifest, error) {
	ctx, end := o.startSpan(ctx, "repair.reject", attribute.String("repair.job_id", repairJobID))
	m, err := o.revokeRepair(ctx, repairJobID, rejectedBy, manifest.StatePendingMerge)
	end(err)
	o.metrics.RecordApproval(ctx, approvalOutcome(err, OutcomeRejected))
	return m, repairerrors.Classify(err)
}

// RollbackRepair revokes an AUTHORITATIVE repair with MANUAL_ROLLBACK. The effective
// manifest of its target no longer includes it afterwards.
func (o *Orchestrator) RollbackRepair(ctx context.Context, repairJobID, by string) (*manifest.CompositeManifest, error) {
	ctx, end := o.startSpan(ctx, "repair.rollback", attribute.String("repair.job_id", repairJobID))
	m, err := o.revokeRepair(ctx, repairJobID, by, manifest.StateAuthoritative)
	end(err)
	return m, repairerrors.Classify(err)
}

func (o *Orchestrator) revokeRepair(ctx context.Context, repairJobID, by string, want manifest.AuthorityState) (*manifest.CompositeManifest, error) {
	if strings.TrimSpace(by) == "" {
		return nil, fmt.Errorf("%w: actor is required", repairerrors.ErrInvalidInput)
	}
	m, err := o.loadVerifiedRepair(ctx, repairJobID)
	if err != nil {
		return nil, err
	}
	if m.Authority.State != want {
		if want == manifest.StatePendingMerge {
			return nil, fmt.Errorf("%w: %s is %s", repairerrors.ErrNotPending, repairJobID, m.Authority.State)
		}
		return nil, fmt.Errorf("%w: %s is %s, expected %s", repairerrors.ErrIllegalTransition, repairJobID, m.Authority.State, want)
	}
	return o.revoke(ctx, m, manifest.RevokeManualRollback, by)
}

func (o *Orchestrator) revoke(ctx context.Context, m *manifest.CompositeManifest, reason manifest.RevocationReason, by string) (*manifest.CompositeManifest, error) {
	revoked, err := authority.Revoke(m, reason, by, o.now())
	if err != nil {
		return nil, err
	}
	if m.IsPrimary() {
		err = o.store.UpdatePrimary(ctx, revoked, m.UpdatedAt)
	} else {
		err = o.store.UpdateRepair(ctx, revoked, m.UpdatedAt)
	}
	if err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(ctx, string(revoked.Authority.State))
	o.record(ctx, revoked, m.Authority.State, by, string(reason))
	o.logger.InfoContext(ctx, "manifest state changed", "job_id", m.JobID,
		"from", m.Authority.State, "to", revoked.Authority.State, "reason", reason, "revoked_by", by)
	return revoked, nil
}

// loadVerifiedRepair loads a repair and checks that neither it nor its contract has
// been edited since it was written.
func (o *Orchestrator) loadVerifiedRepair(ctx context.Context, repairJobID string) (*manifest.CompositeManifest, error) {
	m, c, err := o.store.GetRepair(ctx, repairJobID)
	if err != nil {
		return nil, err
	}
	if !contracts.VerifyContractHash(c) || c.RepairJobID() != m.JobID {
		o.logger.ErrorContext(ctx, "persisted contract failed verification", "job_id", repairJobID)
		return nil, fmt.Errorf("%w: contract of %s does not verify", repairerrors.ErrChecksumMismatch, repairJobID)
	}
	if !manifest.VerifyChecksum(m) {
		o.logger.ErrorContext(ctx, "persisted manifest failed verification", "job_id", repairJobID)
		return nil, fmt.Errorf("%w: manifest %s does not verify", repairerrors.ErrChecksumMismatch, repairJobID)
	}
	return m, nil
}

// SweepResult lists what one SweepExpired pass did.
type SweepResult struct {
	Revoked []string `json:"revoked"`
	Skipped []string `json:"skipped,omitempty"`
}

// SweepExpired revokes every pending repair whose TTL has run out with TTL_EXPIRED.
// Repairs changed by someone else during the sweep are skipped.
func (o *Orchestrator) SweepExpired(ctx context.Context) (*SweepResult, error) {
	ctx, end := o.startSpan(ctx, "repair.sweep")
	res, err := o.sweep(ctx)
	end(err)
	return res, repairerrors.Classify(err)
}

func (o *Orchestrator) sweep(ctx context.Context) (*SweepResult, error) {
	pending, err := o.ListPendingRepairs(ctx)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{Revoked: []string{}}
	var errs []error
	now := o.now()
	for _, m := range pending {
		if !o.ttl.CheckTTLExpiry(m, now).Expired {
			continue
		}
		_, err := o.revoke(ctx, m, manifest.RevokeTTLExpired, authority.SystemActor)
		switch {
		case err == nil:
			res.Revoked = append(res.Revoked, m.JobID)
		case errors.Is(err, repairerrors.ErrConflict):
			o.logger.InfoContext(ctx, "sweep skipped repair changed concurrently", "job_id", m.JobID)
			res.Skipped = append(res.Skipped, m.JobID)
		default:
			errs = append(errs, fmt.Errorf("revoke %s: %w", m.JobID, err))
		}
	}
	if len(res.Revoked) > 0 {
		o.logger.InfoContext(ctx, "expired repairs revoked", "count", len(res.Revoked))
	}
	return res, errors.Join(errs...)
}

// VerifyPrimary re-checks a PRIMARY manifest. A manifest that fails is revoked with
// BASE_TAMPERED and ErrChecksumMismatch is returned along with it.
func (o *Orchestrator) VerifyPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	ctx, end := o.startSpan(ctx, "repair.verify_primary", attribute.String("repair.job_id", jobID))
	m, err := o.verifyPrimary(ctx, jobID)
	end(err)
	return m, repairerrors.Classify(err)
}

func (o *Orchestrator) verifyPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	m, err := o.loadPrimary(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if manifest.VerifyChecksum(m) {
		return m, nil
	}
	o.logger.ErrorContext(ctx, "primary manifest failed verification", "job_id", jobID, "total_hash", m.Checksum.TotalHash)
	if m.Authority.State == manifest.StateRevoked {
		return m, fmt.Errorf("%w: primary %s", repairerrors.ErrChecksumMismatch, jobID)
	}
	revoked, err := o.revoke(ctx, m, manifest.RevokeBaseTampered, authority.SystemActor)
	if err != nil {
		return nil, err
	}
	return revoked, fmt.Errorf("%w: primary %s revoked", repairerrors.ErrChecksumMismatch, jobID)
}

// PendingStatus pairs a pending repair with its TTL status.
type PendingStatus struct {
	Manifest *manifest.CompositeManifest `json:"manifest"`
	TTL      authority.TTLStatus         `json:"ttl"`
}

// PendingWithTTL is ListPendingRepairs annotated with escalation levels at the
// orchestrator's current time.
func (o *Orchestrator) PendingWithTTL(ctx context.Context) ([]PendingStatus, error) {
	pending, err := o.ListPendingRepairs(ctx)
	if err != nil {
		return nil, err
	}
	now := o.now()
	out := make([]PendingStatus, 0, len(pending))
	for _, m := range pending {
		out = append(out, PendingStatus{Manifest: m, TTL: o.ttl.CheckTTLExpiry(m, now)})
	}
	return out, nil
}

// Now is the orchestrator clock, for callers that must agree with its TTL decisions.
func (o *Orchestrator) Now() time.Time { return o.now() }

func approvalOutcome(err error, ok string) string {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, repairerrors.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, repairerrors.ErrConflict):
		return OutcomeConflict
	}
	return OutcomeInvalid
}
