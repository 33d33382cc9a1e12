// Package manifest builds and verifies Composite Manifests: the persisted description of
// which batches make up a job's view, together with the hash chain that ties every
// repair layer back to the original PRIMARY job.
//
// Every function in this package is pure. Callers pass the current time in and get a
// new manifest back; inputs are never modified.
package manifest

import (
	"time"
)

// SchemaVersion is written into every manifest this package creates.
const SchemaVersion = "1.0.0"

// Strategy is the only supported composition strategy.
const Strategy = "batch-level replacement"

type JobIdentity string

const (
	IdentityPrimary JobIdentity = "PRIMARY"
	IdentityDerived JobIdentity = "DERIVED"
)

type OperationMode string

const (
	ModeRepair    OperationMode = "REPAIR"
	ModePatch     OperationMode = "PATCH"
	ModeRecompute OperationMode = "RECOMPUTE"
	ModeSnapshot  OperationMode = "SNAPSHOT"
)

// Valid reports whether m is a known operation mode.
func (m OperationMode) Valid() bool {
	switch m {
	case ModeRepair, ModePatch, ModeRecompute, ModeSnapshot:
		return true
	}
	return false
}

type AuthorityState string

const (
	StateNonAuthoritative AuthorityState = "NON_AUTHORITATIVE"
	StatePendingMerge     AuthorityState = "PENDING_MERGE"
	StateAuthoritative    AuthorityState = "AUTHORITATIVE"
	StateRevoked          AuthorityState = "REVOKED"
)

func (s AuthorityState) Valid() bool {
	switch s {
	case StateNonAuthoritative, StatePendingMerge, StateAuthoritative, StateRevoked:
		return true
	}
	return false
}

type RevocationReason string

const (
	RevokeTTLExpired     RevocationReason = "TTL_EXPIRED"
	RevokeManualRollback RevocationReason = "MANUAL_ROLLBACK"
	RevokeBaseTampered   RevocationReason = "BASE_TAMPERED"
)

func (r RevocationReason) Valid() bool {
	switch r {
	case RevokeTTLExpired, RevokeManualRollback, RevokeBaseTampered:
		return true
	}
	return false
}

type BatchSource string

const (
	SourcePrimary BatchSource = "primary"
	SourceRepair  BatchSource = "repair"
)

// VirtualBatch points at one stored batch by position. It never carries payload.
type VirtualBatch struct {
	Index  int         `json:"index"`
	Source BatchSource `json:"source"`
}

type Composition struct {
	BaseManifest     string   `json:"base_manifest"`
	OverlayManifests []string `json:"overlay_manifests"`
	Strategy         string   `json:"strategy"`
	Fingerprint      string   `json:"fingerprint"`
}

// TruthAnchor points back at the PRIMARY job. Generation is the repair depth.
type TruthAnchor struct {
	RootJobID  string `json:"root_job_id"`
	Generation int    `json:"generation"`
}

type Revocation struct {
	Reason    RevocationReason `json:"reason"`
	RevokedAt time.Time        `json:"revoked_at"`
	RevokedBy string           `json:"revoked_by,omitempty"`
}

// Authority is owned by the manifest it is embedded in. Only pkg/authority changes it.
type Authority struct {
	State       AuthorityState `json:"state"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	PromotedAt  *time.Time     `json:"promoted_at,omitempty"`
	PromotedBy  string         `json:"promoted_by,omitempty"`
	Revocation  *Revocation    `json:"revocation,omitempty"`
}

type Chain struct {
	BaseHash      string   `json:"base_hash"`
	OverlayHashes []string `json:"overlay_hashes"`
	ChainHash     string   `json:"chain_hash"`
}

type Checksum struct {
	TotalHash string `json:"total_hash"`
	Chain     Chain  `json:"chain"`
}

// CompositeManifest is the persisted manifest entity for both PRIMARY and DERIVED jobs.
type CompositeManifest struct {
	SchemaVersion  string         `json:"schema_version"`
	JobID          string         `json:"job_id"`
	JobIdentity    JobIdentity    `json:"job_identity"`
	OperationMode  OperationMode  `json:"operation_mode"`
	TargetJobID    string         `json:"target_job_id,omitempty"`
	Composition    Composition    `json:"composition"`
	VirtualBatches []VirtualBatch `json:"virtual_batches"`
	TruthAnchor    TruthAnchor    `json:"truth_anchor"`
	Authority      Authority      `json:"authority"`
	Checksum       Checksum       `json:"checksum"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (m *CompositeManifest) IsPrimary() bool { return m.JobIdentity == IdentityPrimary }

func (m *CompositeManifest) IsDerived() bool { return m.JobIdentity == IdentityDerived }

// Clone returns a deep copy of m.
func (m *CompositeManifest) Clone() *CompositeManifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Composition.OverlayManifests = append([]string{}, m.Composition.OverlayManifests...)
	out.VirtualBatches = append([]VirtualBatch{}, m.VirtualBatches...)
	out.Checksum.Chain.OverlayHashes = append([]string{}, m.Checksum.Chain.OverlayHashes...)
	out.Authority = cloneAuthority(m.Authority)
	return &out
}

func cloneAuthority(a Authority) Authority {
	out := a
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		out.SubmittedAt = &t
	}
	if a.PromotedAt != nil {
		t := *a.PromotedAt
		out.PromotedAt = &t
	}
	if a.Revocation != nil {
		r := *a.Revocation
		out.Revocation = &r
	}
	return out
}

// Clone is the function form of (*CompositeManifest).Clone.
func Clone(m *CompositeManifest) *CompositeManifest { return m.Clone() }

// ExistingIndices returns every batch index in m, ascending.
func ExistingIndices(m *CompositeManifest) []int {
	if m == nil {
		return nil
	}
	out := make([]int, 0, len(m.VirtualBatches))
	for _, b := range m.VirtualBatches {
		out = append(out, b.Index)
	}
	return sortedUnique(out)
}

// RepairIndices returns the indices in m that were supplied by a repair layer.
func RepairIndices(m *CompositeManifest) []int {
	if m == nil {
		return nil
	}
	var out []int
	for _, b := range m.VirtualBatches {
		if b.Source == SourceRepair {
			out = append(out, b.Index)
		}
	}
	return sortedUnique(out)
}
