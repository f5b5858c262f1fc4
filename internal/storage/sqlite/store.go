// Package sqlite is the single-file journal backend for workstation use.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/todoledger/todo-client/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	db *sql.DB
}

var _ storage.Journal = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite journal: %w", err)
	}
	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already opened database without running migrations.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) InsertSubmission(ctx context.Context, rec storage.SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions (id, action, batch_id, link, status, polls, error_kind, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
`, rec.ID, rec.Action, rec.BatchID, rec.Link, rec.Status, rec.Polls, rec.ErrorKind, rec.Error, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubmission(ctx context.Context, rec storage.SubmissionRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE submissions
SET batch_id = ?, link = ?, status = ?, polls = ?, error_kind = NULLIF(?, ''), error = NULLIF(?, ''), updated_at = ?
WHERE id = ?
`, rec.BatchID, rec.Link, rec.Status, rec.Polls, rec.ErrorKind, rec.Error, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n == 0 {
		return storage.ErrSubmissionNotFound
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (storage.SubmissionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, action, batch_id, link, status, polls, COALESCE(error_kind,''), COALESCE(error,''), created_at, updated_at
FROM submissions
WHERE id = ?
`, id)
	rec, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SubmissionRecord{}, false, nil
	}
	if err != nil {
		return storage.SubmissionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]storage.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, action, batch_id, link, status, polls, COALESCE(error_kind,''), COALESCE(error,''), created_at, updated_at
FROM submissions
ORDER BY created_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]storage.SubmissionRecord, 0)
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (storage.SubmissionRecord, error) {
	var rec storage.SubmissionRecord
	var created, updated string
	if err := row.Scan(&rec.ID, &rec.Action, &rec.BatchID, &rec.Link, &rec.Status, &rec.Polls, &rec.ErrorKind, &rec.Error, &created, &updated); err != nil {
		return rec, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse journal timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
