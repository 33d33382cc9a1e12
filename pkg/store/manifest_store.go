// Package store persists Composite Manifests and their paired Repair Contracts.
//
// Writes are conditional: creates fail if the record exists, and updates carry the
// updated_at the caller loaded, failing with ErrConflict if another writer got there
// first.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// ManifestStore is the durable home of manifests and contracts.
//
// Update* succeed only while the stored updated_at still equals expectedUpdatedAt.
// They move m.UpdatedAt past expectedUpdatedAt when the caller's clock has not, so
// every successful write changes the token.
type ManifestStore interface {
	GetPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error)
	CreatePrimary(ctx context.Context, m *manifest.CompositeManifest) error
	UpdatePrimary(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error
	ListPrimaries(ctx context.Context) ([]*manifest.CompositeManifest, error)

	GetRepair(ctx context.Context, repairJobID string) (*manifest.CompositeManifest, *contracts.RepairContract, error)
	CreateRepair(ctx context.Context, m *manifest.CompositeManifest, c *contracts.RepairContract) error
	UpdateRepair(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error
	DeleteRepair(ctx context.Context, repairJobID string) error
	ListRepairs(ctx context.Context) ([]*manifest.CompositeManifest, error)

	Close() error
}

// advanceUpdatedAt keeps updated_at strictly increasing across writes.
func advanceUpdatedAt(m *manifest.CompositeManifest, expected time.Time) {
	if !m.UpdatedAt.After(expected) {
		m.UpdatedAt = expected.Add(time.Nanosecond).UTC()
	}
}

const (
	manifestPrefix = "manifest/"
	repairPrefix   = "manifest/repair/"
	contractSuffix = ".contract.json"
	jsonSuffix     = ".json"
)

func PrimaryKey(jobID string) string { return manifestPrefix + jobID + jsonSuffix }

func RepairKey(repairJobID string) string { return repairPrefix + repairJobID + jsonSuffix }

func ContractKey(repairJobID string) string { return repairPrefix + repairJobID + contractSuffix }

func encodeManifest(m *manifest.CompositeManifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.JobID, err)
	}
	return data, nil
}

func encodeContract(c *contracts.RepairContract) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte, want manifest.JobIdentity) (*manifest.CompositeManifest, error) {
	m, err := manifest.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored manifest is malformed: %v", repairerrors.ErrChecksumMismatch, err)
	}
	if m.JobIdentity != want {
		return nil, fmt.Errorf("%w: stored manifest %s is %s, expected %s",
			repairerrors.ErrChecksumMismatch, m.JobID, m.JobIdentity, want)
	}
	return m, nil
}

func decodeContract(data []byte) (*contracts.RepairContract, error) {
	c, err := contracts.ParseContract(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored contract is malformed: %v", repairerrors.ErrChecksumMismatch, err)
	}
	return c, nil
}

func checkID(id string) error {
	if !contracts.ValidJobID(id) {
		return fmt.Errorf("%w: job id %q", repairerrors.ErrInvalidInput, id)
	}
	return nil
}

func checkIdentity(m *manifest.CompositeManifest, want manifest.JobIdentity) error {
	if m == nil {
		return fmt.Errorf("%w: manifest is required", repairerrors.ErrInvalidInput)
	}
	if m.JobIdentity != want {
		return fmt.Errorf("%w: manifest %s is %s, expected %s", repairerrors.ErrInvalidInput, m.JobID, m.JobIdentity, want)
	}
	return checkID(m.JobID)
}

// isPrimaryKey matches manifest/<id>.json but not anything under manifest/repair/.
func isPrimaryKey(key string) bool {
	rest := strings.TrimPrefix(key, manifestPrefix)
	return rest != key && !strings.Contains(rest, "/") && strings.HasSuffix(rest, jsonSuffix)
}

func isRepairKey(key string) bool {
	rest := strings.TrimPrefix(key, repairPrefix)
	return rest != key && !strings.Contains(rest, "/") &&
		strings.HasSuffix(rest, jsonSuffix) && !strings.HasSuffix(rest, contractSuffix)
}
