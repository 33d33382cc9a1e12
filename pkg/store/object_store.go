package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// listConcurrency bounds parallel object reads during List calls.
const listConcurrency = 8

// ObjectManifestStore keeps manifests as JSON objects at
// manifest/<primary>.json, manifest/repair/<id>.json and manifest/repair/<id>.contract.json.
type ObjectManifestStore struct {
	objects artifacts.Store
}

func NewObjectManifestStore(objects artifacts.Store) *ObjectManifestStore {
	return &ObjectManifestStore{objects: objects}
}

func storeErr(op, key string, err error) error {
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		return fmt.Errorf("%w: %s", repairerrors.ErrNotFound, key)
	case errors.Is(err, artifacts.ErrInvalidKey):
		return fmt.Errorf("%w: %v", repairerrors.ErrInvalidInput, err)
	}
	return fmt.Errorf("%w: %s %s: %w", repairerrors.ErrStoreUnavailable, op, key, err)
}

func (s *ObjectManifestStore) GetPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	if err := checkID(jobID); err != nil {
		return nil, err
	}
	key := PrimaryKey(jobID)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	return decodeManifest(data, manifest.IdentityPrimary)
}

func (s *ObjectManifestStore) CreatePrimary(ctx context.Context, m *manifest.CompositeManifest) error {
	if err := checkIdentity(m, manifest.IdentityPrimary); err != nil {
		return err
	}
	return s.create(ctx, PrimaryKey(m.JobID), m)
}

func (s *ObjectManifestStore) UpdatePrimary(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	if err := checkIdentity(m, manifest.IdentityPrimary); err != nil {
		return err
	}
	return s.update(ctx, PrimaryKey(m.JobID), m, expectedUpdatedAt)
}

func (s *ObjectManifestStore) ListPrimaries(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	return s.list(ctx, manifestPrefix, isPrimaryKey, manifest.IdentityPrimary)
}

func (s *ObjectManifestStore) GetRepair(ctx context.Context, repairJobID string) (*manifest.CompositeManifest, *contracts.RepairContract, error) {
	if err := checkID(repairJobID); err != nil {
		return nil, nil, err
	}
	key := RepairKey(repairJobID)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, nil, storeErr("get", key, err)
	}
	m, err := decodeManifest(data, manifest.IdentityDerived)
	if err != nil {
		return nil, nil, err
	}

	ckey := ContractKey(repairJobID)
	raw, err := s.objects.Get(ctx, ckey)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: repair %s has no paired contract", repairerrors.ErrChecksumMismatch, repairJobID)
	}
	if err != nil {
		return nil, nil, storeErr("get", ckey, err)
	}
	c, err := decodeContract(raw)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// CreateRepair writes the contract before the manifest, so a visible manifest always
// has its contract. A contract left behind by an earlier partial write is reused when
// it is byte-identical.
func (s *ObjectManifestStore) CreateRepair(ctx context.Context, m *manifest.CompositeManifest, c *contracts.RepairContract) error {
	if err := checkIdentity(m, manifest.IdentityDerived); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: contract is required", repairerrors.ErrInvalidInput)
	}
	craw, err := encodeContract(c)
	if err != nil {
		return err
	}

	ckey := ContractKey(m.JobID)
	if _, err := s.objects.PutIfMatch(ctx, ckey, craw, ""); err != nil {
		if !errors.Is(err, artifacts.ErrPreconditionFailed) {
			return storeErr("put", ckey, err)
		}
		existing, gerr := s.objects.Get(ctx, ckey)
		if gerr != nil {
			return storeErr("get", ckey, gerr)
		}
		if !bytes.Equal(existing, craw) {
			return fmt.Errorf("%w: %s holds a different contract", repairerrors.ErrAlreadyExists, ckey)
		}
	}
	return s.create(ctx, RepairKey(m.JobID), m)
}

func (s *ObjectManifestStore) UpdateRepair(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	if err := checkIdentity(m, manifest.IdentityDerived); err != nil {
		return err
	}
	return s.update(ctx, RepairKey(m.JobID), m, expectedUpdatedAt)
}

// DeleteRepair removes the manifest first, then its contract.
func (s *ObjectManifestStore) DeleteRepair(ctx context.Context, repairJobID string) error {
	if err := checkID(repairJobID); err != nil {
		return err
	}
	for _, key := range []string{RepairKey(repairJobID), ContractKey(repairJobID)} {
		if err := s.objects.Delete(ctx, key); err != nil {
			return storeErr("delete", key, err)
		}
	}
	return nil
}

func (s *ObjectManifestStore) ListRepairs(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	return s.list(ctx, repairPrefix, isRepairKey, manifest.IdentityDerived)
}

func (s *ObjectManifestStore) Close() error {
	if c, ok := s.objects.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *ObjectManifestStore) create(ctx context.Context, key string, m *manifest.CompositeManifest) error {
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if _, err := s.objects.PutIfMatch(ctx, key, data, ""); err != nil {
		if errors.Is(err, artifacts.ErrPreconditionFailed) {
			return fmt.Errorf("%w: %s", repairerrors.ErrAlreadyExists, key)
		}
		return storeErr("put", key, err)
	}
	return nil
}

func (s *ObjectManifestStore) update(ctx context.Context, key string, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	advanceUpdatedAt(m, expectedUpdatedAt)
	current, err := s.objects.Get(ctx, key)
	if err != nil {
		return storeErr("get", key, err)
	}
	stored, err := decodeManifest(current, m.JobIdentity)
	if err != nil {
		return err
	}
	if !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return fmt.Errorf("%w: %s was updated at %s, caller expected %s",
			repairerrors.ErrConflict, m.JobID, stored.UpdatedAt.Format(time.RFC3339Nano), expectedUpdatedAt.Format(time.RFC3339Nano))
	}

	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if _, err := s.objects.PutIfMatch(ctx, key, data, artifacts.Digest(current)); err != nil {
		if errors.Is(err, artifacts.ErrPreconditionFailed) {
			return fmt.Errorf("%w: %s changed during update", repairerrors.ErrConflict, m.JobID)
		}
		return storeErr("put", key, err)
	}
	return nil
}

func (s *ObjectManifestStore) list(ctx context.Context, prefix string, match func(string) bool, identity manifest.JobIdentity) ([]*manifest.CompositeManifest, error) {
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, storeErr("list", prefix, err)
	}
	var selected []string
	for _, k := range keys {
		if match(k) {
			selected = append(selected, k)
		}
	}

	out := make([]*manifest.CompositeManifest, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, key := range selected {
		g.Go(func() error {
			data, err := s.objects.Get(gctx, key)
			if errors.Is(err, artifacts.ErrNotFound) {
				// Deleted between List and Get.
				return nil
			}
			if err != nil {
				return storeErr("get", key, err)
			}
			m, err := decodeManifest(data, identity)
			if err != nil {
				return fmt.Errorf("%s: %w", strings.TrimPrefix(key, manifestPrefix), err)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := out[:0]
	for _, m := range out {
		if m != nil {
			result = append(result, m)
		}
	}
	return result, nil
}
