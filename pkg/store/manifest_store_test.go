package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 123456789, time.UTC)

func stores(t *testing.T) map[string]ManifestStore {
	t.Helper()
	ctx := context.Background()

	sqlite, err := Open(ctx, Config{
		Backend: BackendSQLite,
		DSN:     "file:" + filepath.Join(t.TempDir(), "manifests.db"),
	})
	require.NoError(t, err)

	files, err := Open(ctx, Config{Artifacts: artifacts.Config{Type: artifacts.StoreTypeFS, Dir: t.TempDir()}})
	require.NoError(t, err)

	all := map[string]ManifestStore{
		"object-memory": NewObjectManifestStore(artifacts.NewMemoryStore()),
		"object-fs":     files,
		"sqlite":        sqlite,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func fixtures(t *testing.T) (*manifest.CompositeManifest, *manifest.CompositeManifest, *contracts.RepairContract) {
	t.Helper()
	p, err := manifest.CreatePrimaryManifest("J1", []int{0, 1, 2}, t0)
	require.NoError(t, err)
	c, err := contracts.CreateRepairContract("J1", []int{1}, "refetch", t0)
	require.NoError(t, err)
	r, err := manifest.CreateRepairManifest(c, p, manifest.ModeRepair, t0)
	require.NoError(t, err)
	r, err = authority.SubmitForMerge(r, t0)
	require.NoError(t, err)
	return p, r, c
}

func TestManifestStorePrimary(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, _, _ := fixtures(t)

			_, err := s.GetPrimary(ctx, "J1")
			assert.True(t, errors.Is(err, repairerrors.ErrNotFound))

			require.NoError(t, s.CreatePrimary(ctx, p))
			err = s.CreatePrimary(ctx, p)
			assert.True(t, errors.Is(err, repairerrors.ErrAlreadyExists))

			got, err := s.GetPrimary(ctx, "J1")
			require.NoError(t, err)
			assert.Equal(t, p.Checksum, got.Checksum)
			assert.True(t, got.UpdatedAt.Equal(p.UpdatedAt))
			assert.True(t, manifest.VerifyChecksum(got))

			list, err := s.ListPrimaries(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "J1", list[0].JobID)
		})
	}
}

func TestManifestStoreRepairLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, r, c := fixtures(t)
			require.NoError(t, s.CreatePrimary(ctx, p))

			require.NoError(t, s.CreateRepair(ctx, r, c))
			err := s.CreateRepair(ctx, r, c)
			assert.True(t, errors.Is(err, repairerrors.ErrAlreadyExists))

			gotM, gotC, err := s.GetRepair(ctx, r.JobID)
			require.NoError(t, err)
			assert.Equal(t, manifest.StatePendingMerge, gotM.Authority.State)
			assert.Equal(t, c.ContractHash, gotC.ContractHash)
			assert.True(t, contracts.VerifyContractHash(gotC))

			repairs, err := s.ListRepairs(ctx)
			require.NoError(t, err)
			require.Len(t, repairs, 1)
			primaries, err := s.ListPrimaries(ctx)
			require.NoError(t, err)
			assert.Len(t, primaries, 1, "repairs must not be listed as primaries")

			require.NoError(t, s.DeleteRepair(ctx, r.JobID))
			_, _, err = s.GetRepair(ctx, r.JobID)
			assert.True(t, errors.Is(err, repairerrors.ErrNotFound))
		})
	}
}

func TestManifestStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, r, c := fixtures(t)
			require.NoError(t, s.CreateRepair(ctx, r, c))
			loaded := r.UpdatedAt

			first, err := authority.PromoteToAuthoritative(r, "alice", t0.Add(time.Hour))
			require.NoError(t, err)
			second, err := authority.PromoteToAuthoritative(r, "bob", t0.Add(2*time.Hour))
			require.NoError(t, err)

			require.NoError(t, s.UpdateRepair(ctx, first, loaded))
			err = s.UpdateRepair(ctx, second, loaded)
			assert.True(t, errors.Is(err, repairerrors.ErrConflict), "got %v", err)

			got, _, err := s.GetRepair(ctx, r.JobID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Authority.PromotedBy)

			ghost := r.Clone()
			ghost.JobID = "J1-repair-000000000000"
			err = s.UpdateRepair(ctx, ghost, loaded)
			assert.True(t, errors.Is(err, repairerrors.ErrNotFound), "got %v", err)
		})
	}
}

func TestManifestStoreCompareAndSwapWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, r, c := fixtures(t)
			require.NoError(t, s.CreateRepair(ctx, r, c))
			loaded := r.UpdatedAt

			first, err := authority.PromoteToAuthoritative(r, "alice", loaded)
			require.NoError(t, err)
			second, err := authority.Revoke(r, manifest.RevokeManualRollback, "bob", loaded)
			require.NoError(t, err)

			require.NoError(t, s.UpdateRepair(ctx, first, loaded))
			assert.True(t, first.UpdatedAt.After(loaded))

			err = s.UpdateRepair(ctx, second, loaded)
			assert.True(t, errors.Is(err, repairerrors.ErrConflict), "got %v", err)

			got, _, err := s.GetRepair(ctx, r.JobID)
			require.NoError(t, err)
			assert.Equal(t, manifest.StateAuthoritative, got.Authority.State)
			assert.True(t, got.UpdatedAt.Equal(first.UpdatedAt))
		})
	}
}

func TestManifestStoreRejectsWrongIdentity(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p, r, c := fixtures(t)
			assert.True(t, errors.Is(s.CreatePrimary(ctx, r), repairerrors.ErrInvalidInput))
			assert.True(t, errors.Is(s.CreateRepair(ctx, p, c), repairerrors.ErrInvalidInput))
			assert.True(t, errors.Is(s.CreateRepair(ctx, r, nil), repairerrors.ErrInvalidInput))
			_, err := s.GetPrimary(ctx, "../J1")
			assert.True(t, errors.Is(err, repairerrors.ErrInvalidInput))
		})
	}
}

func TestObjectStoreCreateRepairRecoversPartialWrite(t *testing.T) {
	ctx := context.Background()
	objects := artifacts.NewMemoryStore()
	s := NewObjectManifestStore(objects)
	_, r, c := fixtures(t)

	raw, err := encodeContract(c)
	require.NoError(t, err)
	_, err = objects.Put(ctx, ContractKey(r.JobID), raw)
	require.NoError(t, err)

	require.NoError(t, s.CreateRepair(ctx, r, c))

	other, err := contracts.CreateRepairContract("J1", []int{1}, "different", t0)
	require.NoError(t, err)
	_, err = objects.Put(ctx, ContractKey("J1-repair-ffffffffffff"), raw)
	require.NoError(t, err)
	r2 := r.Clone()
	r2.JobID = "J1-repair-ffffffffffff"
	err = s.CreateRepair(ctx, r2, other)
	assert.True(t, errors.Is(err, repairerrors.ErrAlreadyExists))
}

func TestObjectStoreUsesDocumentedPaths(t *testing.T) {
	ctx := context.Background()
	objects := artifacts.NewMemoryStore()
	s := NewObjectManifestStore(objects)
	p, r, c := fixtures(t)

	require.NoError(t, s.CreatePrimary(ctx, p))
	require.NoError(t, s.CreateRepair(ctx, r, c))

	keys, err := objects.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"manifest/J1.json",
		"manifest/repair/" + r.JobID + ".contract.json",
		"manifest/repair/" + r.JobID + ".json",
	}, keys)
}

func TestObjectStoreMissingContractIsIntegrityFailure(t *testing.T) {
	ctx := context.Background()
	objects := artifacts.NewMemoryStore()
	s := NewObjectManifestStore(objects)
	_, r, c := fixtures(t)
	require.NoError(t, s.CreateRepair(ctx, r, c))
	require.NoError(t, objects.Delete(ctx, ContractKey(r.JobID)))

	_, _, err := s.GetRepair(ctx, r.JobID)
	assert.True(t, errors.Is(err, repairerrors.ErrChecksumMismatch))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "mongo"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: BackendPostgres})
	assert.Error(t, err)
}
