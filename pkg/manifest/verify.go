package manifest

import (
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
)

// VerifyChecksum recomputes the batch-list hash and, for DERIVED manifests, replays the
// hash chain from base_hash through every overlay hash in application order.
func VerifyChecksum(m *CompositeManifest) bool {
	if m == nil {
		return false
	}
	total, err := BatchListHash(m.VirtualBatches)
	if err != nil || total != m.Checksum.TotalHash {
		return false
	}
	chain := m.Checksum.Chain

	switch m.JobIdentity {
	case IdentityPrimary:
		return len(chain.OverlayHashes) == 0 &&
			chain.BaseHash == total &&
			chain.ChainHash == total
	case IdentityDerived:
		if chain.BaseHash == "" || len(chain.OverlayHashes) != m.TruthAnchor.Generation {
			return false
		}
		running := chain.BaseHash
		for _, oh := range chain.OverlayHashes {
			running = canonicalize.ChainDigest(running, oh)
		}
		return running == chain.ChainHash
	}
	return false
}
