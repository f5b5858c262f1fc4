package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoledger/todo-client/internal/storage"
)

var columns = []string{"id", "action", "batch_id", "link", "status", "polls", "error_kind", "error", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestInsertSubmission(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := storage.SubmissionRecord{
		ID:        "sub-1",
		Action:    "create_project",
		Status:    "BUILT",
		CreatedAt: now,
		UpdatedAt: now,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submissions")).
		WithArgs("sub-1", "create_project", "", "", "BUILT", 0, "", "", now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.InsertSubmission(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubmissionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSubmission(context.Background(), storage.SubmissionRecord{ID: "missing", UpdatedAt: time.Now()})
	require.ErrorIs(t, err, storage.ErrSubmissionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmission(t *testing.T) {
	store, mock := newMockStore(t)
	created := "2026-03-01T12:00:00Z"
	updated := "2026-03-01T12:00:05.5Z"
	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("sub-1", "create_task", "abc", "http://ledger/batch_statuses?id=abc", "COMMITTED", 4, "", "", created, updated))

	rec, ok, err := store.GetSubmission(context.Background(), "sub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "COMMITTED", rec.Status)
	assert.Equal(t, 4, rec.Polls)
	assert.Equal(t, 5500*time.Millisecond, rec.UpdatedAt.Sub(rec.CreatedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmissionMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, ok, err := store.GetSubmission(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSubmissionsDefaultsLimit(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("b", "edit_task", "", "", "INVALID", 1, "", "", "2026-03-02T00:00:00Z", "2026-03-02T00:00:01Z").
			AddRow("a", "create_project", "", "", "COMMITTED", 2, "", "", "2026-03-01T00:00:00Z", "2026-03-01T00:00:01Z"))

	recs, err := store.ListSubmissions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSubmissionsPropagatesQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.ListSubmissions(context.Background(), 10)
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS submissions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
