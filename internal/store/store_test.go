package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
	"github.com/roach88/formcore/internal/repo/repotest"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store {
		return createTestStore(t)
	})
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{repotest.SampleForm("d", "f1")}}))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	f, err := s2.GetForm(ctx, "d", "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.FormID)

	version, err := s2.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetForm(context.Background(), "d", "f1")
	assert.ErrorIs(t, err, repo.ErrFormNotFound)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newWithDB(db), mock
}

func batchWithCase() repo.Batch {
	c := repotest.SampleCase("d", "c1")
	c.SetIndex(model.CaseIndex{Identifier: "parent", ReferencedID: "p1", Relationship: model.RelationshipChild})
	return repo.Batch{
		Forms: []*model.Form{repotest.SampleForm("d", "f1")},
		Cases: []*model.Case{c},
	}
}

func TestCommitBatchRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO forms`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO cases`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.CommitBatch(context.Background(), batchWithCase())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchRollsBackOnIndexFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO forms`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO cases`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM case_indices`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO case_indices`).WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := s.CommitBatch(context.Background(), batchWithCase())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert index c1/parent")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchCommitsAllWrites(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO forms`).WithArgs("d", "f1", sqlmock.AnyArg(), int(model.StateNormal),
		sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "dev1", "", "", "", "hash-f1",
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO cases`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM case_indices`).WithArgs("d", "c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO case_indices`).WithArgs("d", "c1", "parent", "p1", "", int(model.RelationshipChild)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitBatch(context.Background(), batchWithCase()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchReportsCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM unfinished_submissions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.CommitBatch(context.Background(), repo.Batch{ClearUnfinished: []string{"u1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchRejectsInvalidBatchBeforeBegin(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.CommitBatch(context.Background(), repo.Batch{Cases: []*model.Case{{CaseID: "c1"}}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
