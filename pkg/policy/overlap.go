package policy

import (
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// GetOverlappingBatches returns contract indices already present in base, ascending.
func GetOverlappingBatches(c *contracts.RepairContract, base *manifest.CompositeManifest) []int {
	if c == nil || base == nil {
		return nil
	}
	existing := make(map[int]struct{}, len(base.VirtualBatches))
	for _, b := range base.VirtualBatches {
		existing[b.Index] = struct{}{}
	}
	var out []int
	seen := make(map[int]struct{})
	for _, idx := range c.RepairScope.BatchIndices {
		if _, ok := existing[idx]; !ok {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

func HasOverlap(c *contracts.RepairContract, base *manifest.CompositeManifest) bool {
	return len(GetOverlappingBatches(c, base)) > 0
}

// IsGapFill reports whether the contract only touches indices absent from base.
func IsGapFill(c *contracts.RepairContract, base *manifest.CompositeManifest) bool {
	return c != nil && base != nil && len(c.RepairScope.BatchIndices) > 0 && !HasOverlap(c, base)
}
