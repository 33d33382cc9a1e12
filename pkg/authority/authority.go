// Package authority is the only code allowed to change a manifest's authority state.
//
// Transitions:
//
//	NON_AUTHORITATIVE -> PENDING_MERGE
//	PENDING_MERGE     -> AUTHORITATIVE | REVOKED
//	AUTHORITATIVE     -> REVOKED
//	REVOKED           -> (terminal)
//
// Every transition function returns a new manifest and leaves its input alone.
package authority

import (
	"fmt"
	"strings"
	"time"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// SystemActor promotes repairs that policy allows without a human.
const SystemActor = "system-auto"

var transitions = map[manifest.AuthorityState][]manifest.AuthorityState{
	manifest.StateNonAuthoritative: {manifest.StatePendingMerge},
	manifest.StatePendingMerge:     {manifest.StateAuthoritative, manifest.StateRevoked},
	manifest.StateAuthoritative:    {manifest.StateRevoked},
	manifest.StateRevoked:          {},
}

// IsValidTransition reports whether from -> to appears in the transition table.
func IsValidTransition(from, to manifest.AuthorityState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the states reachable from s.
func AllowedTransitions(s manifest.AuthorityState) []manifest.AuthorityState {
	return append([]manifest.AuthorityState(nil), transitions[s]...)
}

func transition(m *manifest.CompositeManifest, to manifest.AuthorityState, now time.Time) (*manifest.CompositeManifest, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is required", repairerrors.ErrInvalidInput)
	}
	from := m.Authority.State
	if !IsValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s cannot move from %s to %s", repairerrors.ErrIllegalTransition, m.JobID, from, to)
	}
	out := m.Clone()
	out.Authority.State = to
	out.UpdatedAt = now.UTC()
	return out, nil
}

// SubmitForMerge moves a NON_AUTHORITATIVE manifest to PENDING_MERGE and starts its TTL clock.
func SubmitForMerge(m *manifest.CompositeManifest, now time.Time) (*manifest.CompositeManifest, error) {
	out, err := transition(m, manifest.StatePendingMerge, now)
	if err != nil {
		return nil, err
	}
	at := now.UTC()
	out.Authority.SubmittedAt = &at
	return out, nil
}

// PromoteToAuthoritative records who promoted the manifest and when.
func PromoteToAuthoritative(m *manifest.CompositeManifest, promotedBy string, now time.Time) (*manifest.CompositeManifest, error) {
	promotedBy = strings.TrimSpace(promotedBy)
	if promotedBy == "" {
		return nil, fmt.Errorf("%w: promoted_by is required", repairerrors.ErrInvalidInput)
	}
	out, err := transition(m, manifest.StateAuthoritative, now)
	if err != nil {
		return nil, err
	}
	at := now.UTC()
	out.Authority.PromotedAt = &at
	out.Authority.PromotedBy = promotedBy
	return out, nil
}

// Revoke ends a manifest's authority. revokedBy may be empty for system revocations.
func Revoke(m *manifest.CompositeManifest, reason manifest.RevocationReason, revokedBy string, now time.Time) (*manifest.CompositeManifest, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: revocation reason %q", repairerrors.ErrInvalidInput, reason)
	}
	out, err := transition(m, manifest.StateRevoked, now)
	if err != nil {
		return nil, err
	}
	out.Authority.Revocation = &manifest.Revocation{
		Reason:    reason,
		RevokedAt: now.UTC(),
		RevokedBy: strings.TrimSpace(revokedBy),
	}
	return out, nil
}
