package storage

import (
	"context"
	"errors"
	"time"
)

var ErrSubmissionNotFound = errors.New("submission not found")

// SubmissionRecord is the outcome metadata of one submission. It never holds key
// material or envelope bytes.
type SubmissionRecord struct {
	ID        string
	Action    string
	BatchID   string
	Link      string
	Status    string
	Polls     int
	ErrorKind string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal records submission outcomes. Implementations must be safe for
// concurrent use.
type Journal interface {
	Close()

	InsertSubmission(ctx context.Context, rec SubmissionRecord) error
	UpdateSubmission(ctx context.Context, rec SubmissionRecord) error
	GetSubmission(ctx context.Context, id string) (SubmissionRecord, bool, error)
	ListSubmissions(ctx context.Context, limit int) ([]SubmissionRecord, error)
}

// NopJournal discards everything; it is used when the journal is disabled.
type NopJournal struct{}

func (NopJournal) Close() {}

func (NopJournal) InsertSubmission(context.Context, SubmissionRecord) error { return nil }

func (NopJournal) UpdateSubmission(context.Context, SubmissionRecord) error { return nil }

func (NopJournal) GetSubmission(context.Context, string) (SubmissionRecord, bool, error) {
	return SubmissionRecord{}, false, nil
}

func (NopJournal) ListSubmissions(context.Context, int) ([]SubmissionRecord, error) {
	return nil, nil
}
