package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// SQLManifestStore implements ManifestStore using database/sql.
// It supports both Postgres and SQLite via standard drivers. Timestamps are stored as
// RFC 3339 text so the compare-and-swap on updated_at is exact on both.
type SQLManifestStore struct {
	db *sql.DB
}

func NewSQLManifestStore(db *sql.DB) *SQLManifestStore {
	return &SQLManifestStore{db: db}
}

const manifestSchema = `
CREATE TABLE IF NOT EXISTS composite_manifests (
	job_id TEXT PRIMARY KEY,
	job_identity TEXT NOT NULL,
	root_job_id TEXT NOT NULL,
	state TEXT NOT NULL,
	manifest TEXT NOT NULL,
	contract TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS composite_manifests_identity_idx ON composite_manifests (job_identity, state);
`

func (s *SQLManifestStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, manifestSchema); err != nil {
		return fmt.Errorf("%w: init schema: %w", repairerrors.ErrStoreUnavailable, err)
	}
	return nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func sqlErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", repairerrors.ErrStoreUnavailable, op, err)
}

func (s *SQLManifestStore) GetPrimary(ctx context.Context, jobID string) (*manifest.CompositeManifest, error) {
	if err := checkID(jobID); err != nil {
		return nil, err
	}
	m, _, err := s.get(ctx, jobID, manifest.IdentityPrimary)
	return m, err
}

func (s *SQLManifestStore) CreatePrimary(ctx context.Context, m *manifest.CompositeManifest) error {
	if err := checkIdentity(m, manifest.IdentityPrimary); err != nil {
		return err
	}
	return s.insert(ctx, m, nil)
}

func (s *SQLManifestStore) UpdatePrimary(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	if err := checkIdentity(m, manifest.IdentityPrimary); err != nil {
		return err
	}
	return s.update(ctx, m, expectedUpdatedAt)
}

func (s *SQLManifestStore) ListPrimaries(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	return s.list(ctx, manifest.IdentityPrimary)
}

func (s *SQLManifestStore) GetRepair(ctx context.Context, repairJobID string) (*manifest.CompositeManifest, *contracts.RepairContract, error) {
	if err := checkID(repairJobID); err != nil {
		return nil, nil, err
	}
	m, raw, err := s.get(ctx, repairJobID, manifest.IdentityDerived)
	if err != nil {
		return nil, nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil, fmt.Errorf("%w: repair %s has no paired contract", repairerrors.ErrChecksumMismatch, repairJobID)
	}
	c, err := decodeContract([]byte(raw.String))
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// CreateRepair stores manifest and contract in one row, so they appear together.
func (s *SQLManifestStore) CreateRepair(ctx context.Context, m *manifest.CompositeManifest, c *contracts.RepairContract) error {
	if err := checkIdentity(m, manifest.IdentityDerived); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: contract is required", repairerrors.ErrInvalidInput)
	}
	return s.insert(ctx, m, c)
}

func (s *SQLManifestStore) UpdateRepair(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	if err := checkIdentity(m, manifest.IdentityDerived); err != nil {
		return err
	}
	return s.update(ctx, m, expectedUpdatedAt)
}

func (s *SQLManifestStore) DeleteRepair(ctx context.Context, repairJobID string) error {
	if err := checkID(repairJobID); err != nil {
		return err
	}
	query := `DELETE FROM composite_manifests WHERE job_id = $1 AND job_identity = $2`
	if _, err := s.db.ExecContext(ctx, query, repairJobID, string(manifest.IdentityDerived)); err != nil {
		return sqlErr("delete repair", err)
	}
	return nil
}

func (s *SQLManifestStore) ListRepairs(ctx context.Context) ([]*manifest.CompositeManifest, error) {
	return s.list(ctx, manifest.IdentityDerived)
}

func (s *SQLManifestStore) Close() error {
	return s.db.Close()
}

func (s *SQLManifestStore) get(ctx context.Context, jobID string, identity manifest.JobIdentity) (*manifest.CompositeManifest, sql.NullString, error) {
	query := `SELECT manifest, contract FROM composite_manifests WHERE job_id = $1 AND job_identity = $2`
	var (
		body     string
		contract sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, jobID, string(identity)).Scan(&body, &contract)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract, fmt.Errorf("%w: %s manifest %s", repairerrors.ErrNotFound, identity, jobID)
	}
	if err != nil {
		return nil, contract, sqlErr("get manifest", err)
	}
	m, err := decodeManifest([]byte(body), identity)
	return m, contract, err
}

func (s *SQLManifestStore) insert(ctx context.Context, m *manifest.CompositeManifest, c *contracts.RepairContract) error {
	body, err := encodeManifest(m)
	if err != nil {
		return err
	}
	var contract sql.NullString
	if c != nil {
		raw, err := encodeContract(c)
		if err != nil {
			return err
		}
		contract = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO composite_manifests (job_id, job_identity, root_job_id, state, manifest, contract, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		m.JobID, string(m.JobIdentity), m.TruthAnchor.RootJobID, string(m.Authority.State),
		string(body), contract, ts(m.CreatedAt), ts(m.UpdatedAt),
	)
	if err != nil {
		return sqlErr("insert manifest", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return sqlErr("insert manifest", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: manifest %s", repairerrors.ErrAlreadyExists, m.JobID)
	}
	return nil
}

func (s *SQLManifestStore) update(ctx context.Context, m *manifest.CompositeManifest, expectedUpdatedAt time.Time) error {
	advanceUpdatedAt(m, expectedUpdatedAt)
	body, err := encodeManifest(m)
	if err != nil {
		return err
	}
	query := `
		UPDATE composite_manifests
		SET manifest = $1, state = $2, updated_at = $3
		WHERE job_id = $4 AND job_identity = $5 AND updated_at = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		string(body), string(m.Authority.State), ts(m.UpdatedAt),
		m.JobID, string(m.JobIdentity), ts(expectedUpdatedAt),
	)
	if err != nil {
		return sqlErr("update manifest", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return sqlErr("update manifest", err)
	}
	if rows == 1 {
		return nil
	}

	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM composite_manifests WHERE job_id = $1 AND job_identity = $2`,
		m.JobID, string(m.JobIdentity),
	).Scan(&n)
	if err != nil {
		return sqlErr("update manifest", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s manifest %s", repairerrors.ErrNotFound, m.JobIdentity, m.JobID)
	}
	return fmt.Errorf("%w: %s was modified by another writer", repairerrors.ErrConflict, m.JobID)
}

func (s *SQLManifestStore) list(ctx context.Context, identity manifest.JobIdentity) ([]*manifest.CompositeManifest, error) {
	query := `SELECT manifest FROM composite_manifests WHERE job_identity = $1 ORDER BY job_id`
	rows, err := s.db.QueryContext(ctx, query, string(identity))
	if err != nil {
		return nil, sqlErr("list manifests", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*manifest.CompositeManifest, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, sqlErr("list manifests", err)
		}
		m, err := decodeManifest([]byte(body), identity)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlErr("list manifests", err)
	}
	return result, nil
}
