package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

type CheckpointBatch struct {
	Index       int    `json:"index"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Checkpoint is the finalized record of a single ingestion run, written by the
// ingestion tracker. This package only reads it.
type Checkpoint struct {
	JobID       string            `json:"job_id"`
	ResumeFrom  int               `json:"resume_from"`
	Batches     []CheckpointBatch `json:"batches"`
	Status      CheckpointStatus  `json:"status"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ParseCheckpoint decodes a tracker checkpoint.
func ParseCheckpoint(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: decode checkpoint: %v", repairerrors.ErrInvalidInput, err)
	}
	return &cp, nil
}

// CreatePrimaryFromCheckpoint seeds a PRIMARY manifest from a completed checkpoint.
// Running or failed checkpoints are rejected; their batch list is not final.
func CreatePrimaryFromCheckpoint(cp *Checkpoint, now time.Time) (*CompositeManifest, error) {
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint is required", repairerrors.ErrInvalidInput)
	}
	if cp.Status != CheckpointCompleted {
		return nil, fmt.Errorf("%w: checkpoint for %s is %q, not completed",
			repairerrors.ErrInvalidInput, cp.JobID, cp.Status)
	}
	indices := make([]int, 0, len(cp.Batches))
	for _, b := range cp.Batches {
		if b.ContentHash != "" {
			if _, _, err := canonicalize.ParseDigest(b.ContentHash); err != nil {
				return nil, fmt.Errorf("%w: checkpoint batch %d: %v", repairerrors.ErrInvalidInput, b.Index, err)
			}
		}
		indices = append(indices, b.Index)
	}
	return CreatePrimaryManifest(cp.JobID, indices, now)
}
