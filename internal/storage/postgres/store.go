package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/todoledger/todo-client/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

// Pool is the subset of *pgxpool.Pool the journal uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	pool Pool
}

var _ storage.Journal = (*Store)(nil)

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := New(pool)
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already connected pool without running migrations.
func New(pool Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) InsertSubmission(ctx context.Context, rec storage.SubmissionRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO submissions (id, action, batch_id, link, status, polls, error_kind, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::text, ''), NULLIF($8::text, ''), $9, $10)
`, rec.ID, rec.Action, rec.BatchID, rec.Link, rec.Status, rec.Polls, rec.ErrorKind, rec.Error, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubmission(ctx context.Context, rec storage.SubmissionRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE submissions
SET batch_id = $2,
    link = $3,
    status = $4,
    polls = $5,
    error_kind = NULLIF($6::text, ''),
    error = NULLIF($7::text, ''),
    updated_at = $8
WHERE id = $1
`, rec.ID, rec.BatchID, rec.Link, rec.Status, rec.Polls, rec.ErrorKind, rec.Error, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrSubmissionNotFound
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (storage.SubmissionRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, action, batch_id, link, status, polls, COALESCE(error_kind,''), COALESCE(error,''), created_at, updated_at
FROM submissions
WHERE id = $1
`, id)
	rec, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, `
SELECT id, action, batch_id, link, status, polls, COALESCE(error_kind,''), COALESCE(error,''), created_at, updated_at
FROM submissions
ORDER BY created_at DESC
LIMIT $1
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

func scanSubmission(row pgx.Row) (storage.SubmissionRecord, error) {
	var rec storage.SubmissionRecord
	var created, updated time.Time
	if err := row.Scan(&rec.ID, &rec.Action, &rec.BatchID, &rec.Link, &rec.Status, &rec.Polls, &rec.ErrorKind, &rec.Error, &created, &updated); err != nil {
		return rec, err
	}
	rec.CreatedAt = created.UTC()
	rec.UpdatedAt = updated.UTC()
	return rec, nil
}
