// Package contracts defines the Repair Contract: an immutable, content-hashed
// declaration that a set of batch indices of a primary job should be replaced.
//
// The contract hash is tamper detection, not a signature. Anyone can recompute it;
// what it guarantees is that a persisted contract has not been edited since it was
// issued.
package contracts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidJobID reports whether id is usable as a job identifier and storage path segment.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// RepairScope lists the batch indices a contract replaces, sorted ascending.
type RepairScope struct {
	BatchIndices []int `json:"batch_indices"`
}

// RepairContract is the immutable statement of repair intent.
type RepairContract struct {
	TargetPrimaryJobID string      `json:"target_primary_job_id"`
	RepairScope        RepairScope `json:"repair_scope"`
	Reason             string      `json:"reason"`
	CreatedAt          time.Time   `json:"created_at"`
	ContractHash       string      `json:"contract_hash"`
}

// hashable is the exact field set covered by ContractHash.
type hashable struct {
	TargetPrimaryJobID string      `json:"target_primary_job_id"`
	RepairScope        RepairScope `json:"repair_scope"`
	Reason             string      `json:"reason"`
	CreatedAt          string      `json:"created_at"`
}

// CreateRepairContract issues a hashed contract. Indices are de-duplicated and sorted,
// the reason is NFC-normalized and createdAt is converted to UTC.
func CreateRepairContract(targetJobID string, batchIndices []int, reason string, createdAt time.Time) (*RepairContract, error) {
	targetJobID = strings.TrimSpace(targetJobID)
	reason = canonicalize.NormalizeText(reason)

	if targetJobID == "" {
		return nil, fmt.Errorf("%w: target job id is required", repairerrors.ErrInvalidInput)
	}
	if !ValidJobID(targetJobID) {
		return nil, fmt.Errorf("%w: target job id %q contains unsupported characters", repairerrors.ErrInvalidInput, targetJobID)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", repairerrors.ErrInvalidInput)
	}
	if len(batchIndices) == 0 {
		return nil, fmt.Errorf("%w: at least one batch index is required", repairerrors.ErrInvalidInput)
	}
	indices, err := NormalizeIndices(batchIndices)
	if err != nil {
		return nil, err
	}

	c := &RepairContract{
		TargetPrimaryJobID: targetJobID,
		RepairScope:        RepairScope{BatchIndices: indices},
		Reason:             reason,
		CreatedAt:          createdAt.UTC(),
	}
	hash, err := computeHash(c)
	if err != nil {
		return nil, err
	}
	c.ContractHash = hash
	return c, nil
}

// NormalizeIndices returns a sorted, de-duplicated copy of indices.
func NormalizeIndices(indices []int) ([]int, error) {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 {
			return nil, fmt.Errorf("%w: batch index %d is negative", repairerrors.ErrInvalidInput, idx)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// VerifyContractHash recomputes the hash from the non-hash fields and compares.
func VerifyContractHash(c *RepairContract) bool {
	if c == nil || c.ContractHash == "" {
		return false
	}
	if _, _, err := canonicalize.ParseDigest(c.ContractHash); err != nil {
		return false
	}
	want, err := computeHash(c)
	if err != nil {
		return false
	}
	return want == c.ContractHash
}

// RepairJobID derives the repair job id from the contract, so the same contract always
// names the same repair job.
func (c *RepairContract) RepairJobID() string {
	_, hexPart, err := canonicalize.ParseDigest(c.ContractHash)
	if err != nil {
		hexPart = canonicalize.HashBytes([]byte(c.ContractHash))
	}
	return c.TargetPrimaryJobID + "-repair-" + hexPart[:12]
}

// Clone returns a deep copy.
func (c *RepairContract) Clone() *RepairContract {
	if c == nil {
		return nil
	}
	out := *c
	out.RepairScope.BatchIndices = append([]int(nil), c.RepairScope.BatchIndices...)
	return &out
}

func computeHash(c *RepairContract) (string, error) {
	h := hashable{
		TargetPrimaryJobID: c.TargetPrimaryJobID,
		RepairScope:        c.RepairScope,
		Reason:             c.Reason,
		CreatedAt:          c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if h.RepairScope.BatchIndices == nil {
		h.RepairScope.BatchIndices = []int{}
	}
	d, err := canonicalize.Digest(h)
	if err != nil {
		return "", fmt.Errorf("hash repair contract: %w", err)
	}
	return d, nil
}
