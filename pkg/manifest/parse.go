package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// SupportedSchema is the range of manifest schema versions this build can read.
const SupportedSchema = "^1.0.0"

var supportedConstraint = mustConstraint(SupportedSchema)

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// ParseManifest decodes raw JSON and rejects anything ValidateManifest would.
func ParseManifest(raw []byte) (*CompositeManifest, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var m CompositeManifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", repairerrors.ErrInvalidInput, err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifestStructure is ParseManifest without the result.
func ValidateManifestStructure(raw []byte) error {
	_, err := ParseManifest(raw)
	return err
}

// ValidateManifest checks the structural invariants of a decoded manifest. It does not
// verify hashes; see VerifyChecksum.
func ValidateManifest(m *CompositeManifest) error {
	var problems []string

	v, err := semver.NewVersion(m.SchemaVersion)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("schema_version %q is not a semantic version", m.SchemaVersion))
	case !supportedConstraint.Check(v):
		problems = append(problems, fmt.Sprintf("schema_version %s outside supported range %s", v, SupportedSchema))
	}

	if !contracts.ValidJobID(m.JobID) {
		problems = append(problems, fmt.Sprintf("job_id %q is invalid", m.JobID))
	}
	switch m.JobIdentity {
	case IdentityPrimary:
		if m.TruthAnchor.RootJobID != m.JobID {
			problems = append(problems, "primary truth_anchor.root_job_id must equal job_id")
		}
		if m.TruthAnchor.Generation != 0 {
			problems = append(problems, "primary generation must be 0")
		}
	case IdentityDerived:
		if m.TruthAnchor.RootJobID == "" {
			problems = append(problems, "derived manifest is missing truth_anchor.root_job_id")
		}
		if m.TargetJobID != "" && m.TargetJobID != m.TruthAnchor.RootJobID {
			problems = append(problems, "target_job_id must equal truth_anchor.root_job_id")
		}
		if m.TruthAnchor.Generation < 1 {
			problems = append(problems, "derived generation must be at least 1")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown job_identity %q", m.JobIdentity))
	}
	if !m.OperationMode.Valid() {
		problems = append(problems, fmt.Sprintf("unknown operation_mode %q", m.OperationMode))
	}
	if m.Composition.Strategy != Strategy {
		problems = append(problems, fmt.Sprintf("unsupported strategy %q", m.Composition.Strategy))
	}
	if !m.Authority.State.Valid() {
		problems = append(problems, fmt.Sprintf("unknown authority state %q", m.Authority.State))
	}
	if rv := m.Authority.Revocation; rv != nil && !rv.Reason.Valid() {
		problems = append(problems, fmt.Sprintf("unknown revocation reason %q", rv.Reason))
	}
	if m.Authority.State == StateRevoked && m.Authority.Revocation == nil {
		problems = append(problems, "revoked manifest is missing authority.revocation")
	}

	seen := make(map[int]struct{}, len(m.VirtualBatches))
	for i, b := range m.VirtualBatches {
		if b.Index < 0 {
			problems = append(problems, fmt.Sprintf("virtual_batches[%d] has negative index", i))
		}
		if _, dup := seen[b.Index]; dup {
			problems = append(problems, fmt.Sprintf("virtual_batches[%d] duplicates index %d", i, b.Index))
		}
		seen[b.Index] = struct{}{}
		if b.Source != SourcePrimary && b.Source != SourceRepair {
			problems = append(problems, fmt.Sprintf("virtual_batches[%d] has unknown source %q", i, b.Source))
		}
		if i > 0 && m.VirtualBatches[i-1].Index > b.Index {
			problems = append(problems, "virtual_batches are not sorted by index")
		}
	}

	for name, d := range map[string]string{
		"total_hash": m.Checksum.TotalHash,
		"base_hash":  m.Checksum.Chain.BaseHash,
		"chain_hash": m.Checksum.Chain.ChainHash,
	} {
		if _, _, err := canonicalize.ParseDigest(d); err != nil {
			problems = append(problems, fmt.Sprintf("checksum %s: %v", name, err))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: manifest %s: %s", repairerrors.ErrInvalidInput, m.JobID, strings.Join(problems, "; "))
	}
	return nil
}

func sortedUnique(in []int) []int {
	sort.Ints(in)
	out := make([]int, 0, len(in))
	for _, v := range in {
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}
