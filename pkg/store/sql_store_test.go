package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

func TestSQLManifestStore_CreatePrimaryConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLManifestStore(db)
	p, _, _ := fixtures(t)

	mock.ExpectExec("INSERT INTO composite_manifests").
		WithArgs(p.JobID, "PRIMARY", "J1", "AUTHORITATIVE", sqlmock.AnyArg(), nil, ts(p.CreatedAt), ts(p.UpdatedAt)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreatePrimary(context.Background(), p)
	if !errors.Is(err, repairerrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLManifestStore_UpdateCompareAndSwap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLManifestStore(db)
	_, r, _ := fixtures(t)
	expected := r.UpdatedAt
	next := r.Clone()
	next.UpdatedAt = expected.Add(time.Minute)

	mock.ExpectExec("UPDATE composite_manifests").
		WithArgs(sqlmock.AnyArg(), "PENDING_MERGE", ts(next.UpdatedAt), r.JobID, "DERIVED", ts(expected)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(r.JobID, "DERIVED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err = s.UpdateRepair(context.Background(), next, expected)
	if !errors.Is(err, repairerrors.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("UPDATE composite_manifests").
		WithArgs(sqlmock.AnyArg(), "PENDING_MERGE", ts(next.UpdatedAt), r.JobID, "DERIVED", ts(expected)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateRepair(context.Background(), next, expected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLManifestStore_DriverFailureIsStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLManifestStore(db)
	mock.ExpectQuery("SELECT manifest, contract FROM composite_manifests").
		WithArgs("J1", "PRIMARY").
		WillReturnError(errors.New("connection reset"))

	_, err = s.GetPrimary(context.Background(), "J1")
	if !errors.Is(err, repairerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
