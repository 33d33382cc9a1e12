package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// BatchListHash is H(batches) over the batch list in index order.
func BatchListHash(batches []VirtualBatch) (string, error) {
	if batches == nil {
		batches = []VirtualBatch{}
	}
	return canonicalize.Digest(batches)
}

// primaryFingerprint binds a PRIMARY manifest's composition to its batch list.
func primaryFingerprint(baseManifest, batchHash string) (string, error) {
	return canonicalize.Digest(struct {
		BaseManifest string `json:"base_manifest"`
		Strategy     string `json:"strategy"`
		BatchHash    string `json:"batch_hash"`
	}{baseManifest, Strategy, batchHash})
}

// CreatePrimaryManifest builds the trusted, AUTHORITATIVE manifest of an original
// harvesting run. The hash chain collapses to a single hash of the batch list.
func CreatePrimaryManifest(jobID string, batchIndices []int, now time.Time) (*CompositeManifest, error) {
	if !contracts.ValidJobID(jobID) {
		return nil, fmt.Errorf("%w: job id %q", repairerrors.ErrInvalidInput, jobID)
	}
	indices, err := contracts.NormalizeIndices(batchIndices)
	if err != nil {
		return nil, err
	}

	batches := make([]VirtualBatch, 0, len(indices))
	for _, idx := range indices {
		batches = append(batches, VirtualBatch{Index: idx, Source: SourcePrimary})
	}
	total, err := BatchListHash(batches)
	if err != nil {
		return nil, fmt.Errorf("hash primary batches: %w", err)
	}
	fp, err := primaryFingerprint(jobID, total)
	if err != nil {
		return nil, fmt.Errorf("fingerprint primary manifest: %w", err)
	}

	now = now.UTC()
	return &CompositeManifest{
		SchemaVersion: SchemaVersion,
		JobID:         jobID,
		JobIdentity:   IdentityPrimary,
		OperationMode: ModeSnapshot,
		Composition: Composition{
			BaseManifest:     jobID,
			OverlayManifests: []string{},
			Strategy:         Strategy,
			Fingerprint:      fp,
		},
		VirtualBatches: batches,
		TruthAnchor:    TruthAnchor{RootJobID: jobID, Generation: 0},
		Authority:      Authority{State: StateAuthoritative},
		Checksum: Checksum{
			TotalHash: total,
			Chain: Chain{
				BaseHash:      total,
				OverlayHashes: []string{},
				ChainHash:     total,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CreateRepairManifest composes a DERIVED manifest that replaces the contract's batch
// indices on top of base. The result is NON_AUTHORITATIVE and base is left untouched.
func CreateRepairManifest(contract *contracts.RepairContract, base *CompositeManifest, mode OperationMode, now time.Time) (*CompositeManifest, error) {
	if contract == nil {
		return nil, fmt.Errorf("%w: contract is required", repairerrors.ErrInvalidInput)
	}
	if base == nil {
		return nil, fmt.Errorf("%w: base manifest is required", repairerrors.ErrBaseManifestNotFound)
	}
	if mode == "" {
		mode = ModeRepair
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: operation mode %q", repairerrors.ErrInvalidInput, mode)
	}
	indices, err := contracts.NormalizeIndices(contract.RepairScope.BatchIndices)
	if err != nil {
		return nil, err
	}

	batches := make([]VirtualBatch, 0, len(indices))
	for _, idx := range indices {
		batches = append(batches, VirtualBatch{Index: idx, Source: SourceRepair})
	}
	overlayHash, err := BatchListHash(batches)
	if err != nil {
		return nil, fmt.Errorf("hash repair batches: %w", err)
	}

	repairJobID := contract.RepairJobID()
	now = now.UTC()
	return &CompositeManifest{
		SchemaVersion: SchemaVersion,
		JobID:         repairJobID,
		JobIdentity:   IdentityDerived,
		OperationMode: mode,
		TargetJobID:   base.TruthAnchor.RootJobID,
		Composition: Composition{
			BaseManifest:     base.Composition.BaseManifest,
			OverlayManifests: append(append([]string{}, base.Composition.OverlayManifests...), repairJobID),
			Strategy:         Strategy,
			Fingerprint:      canonicalize.ChainDigest(base.Composition.Fingerprint, overlayHash),
		},
		VirtualBatches: batches,
		TruthAnchor: TruthAnchor{
			RootJobID:  base.TruthAnchor.RootJobID,
			Generation: base.TruthAnchor.Generation + 1,
		},
		Authority: Authority{State: StateNonAuthoritative},
		Checksum: Checksum{
			TotalHash: overlayHash,
			Chain: Chain{
				BaseHash:      base.Checksum.Chain.BaseHash,
				OverlayHashes: append(append([]string{}, base.Checksum.Chain.OverlayHashes...), overlayHash),
				ChainHash:     canonicalize.ChainDigest(base.Checksum.Chain.ChainHash, overlayHash),
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MergeManifests folds an AUTHORITATIVE overlay onto base. The overlay wins on every
// index collision and total_hash is recomputed over the merged batch list.
//
// An overlay composed directly on base contributes its own lineage. One composed on an
// older base (a sibling of repairs already folded into base) is appended to base's
// lineage instead: overlay_manifests, overlay_hashes, chain_hash and generation then
// cover every folded layer. Folding an overlay base already lists changes no lineage.
func MergeManifests(base, overlay *CompositeManifest, now time.Time) (*CompositeManifest, error) {
	if base == nil || overlay == nil {
		return nil, fmt.Errorf("%w: merge requires base and overlay", repairerrors.ErrInvalidInput)
	}
	if overlay.Authority.State != StateAuthoritative {
		return nil, fmt.Errorf("%w: overlay %s is %s, not %s",
			repairerrors.ErrIllegalTransition, overlay.JobID, overlay.Authority.State, StateAuthoritative)
	}
	if len(overlay.Checksum.Chain.OverlayHashes) == 0 {
		return nil, fmt.Errorf("%w: overlay %s has no overlay hash", repairerrors.ErrInvalidInput, overlay.JobID)
	}

	replaced := make(map[int]struct{}, len(overlay.VirtualBatches))
	for _, b := range overlay.VirtualBatches {
		replaced[b.Index] = struct{}{}
	}
	merged := make([]VirtualBatch, 0, len(base.VirtualBatches)+len(overlay.VirtualBatches))
	for _, b := range base.VirtualBatches {
		if _, ok := replaced[b.Index]; !ok {
			merged = append(merged, b)
		}
	}
	merged = append(merged, overlay.VirtualBatches...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })

	total, err := BatchListHash(merged)
	if err != nil {
		return nil, fmt.Errorf("hash merged batches: %w", err)
	}

	out := overlay.Clone()
	switch {
	case containsJob(base.Composition.OverlayManifests, overlay.JobID):
		adoptLineage(out, base)
	case !extendsLineage(base, overlay):
		layer := overlay.Checksum.Chain.OverlayHashes[len(overlay.Checksum.Chain.OverlayHashes)-1]
		adoptLineage(out, base)
		out.Composition.OverlayManifests = append(out.Composition.OverlayManifests, overlay.JobID)
		out.Composition.Fingerprint = canonicalize.ChainDigest(base.Composition.Fingerprint, layer)
		out.TruthAnchor.Generation = base.TruthAnchor.Generation + 1
		out.Checksum.Chain.OverlayHashes = append(out.Checksum.Chain.OverlayHashes, layer)
		out.Checksum.Chain.ChainHash = canonicalize.ChainDigest(base.Checksum.Chain.ChainHash, layer)
	}
	out.Composition.BaseManifest = base.Composition.BaseManifest
	out.VirtualBatches = merged
	out.Checksum.TotalHash = total
	out.UpdatedAt = now.UTC()
	return out, nil
}

// extendsLineage reports whether overlay was composed on exactly base's lineage.
func extendsLineage(base, overlay *CompositeManifest) bool {
	bl, ol := base.Composition.OverlayManifests, overlay.Composition.OverlayManifests
	if len(ol) != len(bl)+1 || ol[len(bl)] != overlay.JobID {
		return false
	}
	for i := range bl {
		if bl[i] != ol[i] {
			return false
		}
	}
	return overlay.Checksum.Chain.BaseHash == base.Checksum.Chain.BaseHash
}

// adoptLineage copies base's lineage onto out.
func adoptLineage(out, base *CompositeManifest) {
	out.Composition.OverlayManifests = append([]string{}, base.Composition.OverlayManifests...)
	out.Composition.Fingerprint = base.Composition.Fingerprint
	out.TruthAnchor.Generation = base.TruthAnchor.Generation
	out.Checksum.Chain = Chain{
		BaseHash:      base.Checksum.Chain.BaseHash,
		OverlayHashes: append([]string{}, base.Checksum.Chain.OverlayHashes...),
		ChainHash:     base.Checksum.Chain.ChainHash,
	}
}

func containsJob(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
