package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/todoledger/todo-client/internal/actions"
	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/envelope"
	"github.com/todoledger/todo-client/internal/protocol"
	"github.com/todoledger/todo-client/internal/storage"
)

// Journal statuses recorded before the ledger has answered.
const (
	JournalBuilt  = "BUILT"
	JournalFailed = "FAILED"
)

// journalWriteTimeout bounds the final journal write, which runs even after the
// submission context is done.
const journalWriteTimeout = 5 * time.Second

type TxnParams struct {
	// Submitter may be nil when DryRun is set.
	Submitter *Submitter
	Builder   envelope.Builder
	// Namespace defaults to the namespace of the builder's family.
	Namespace string
	Journal   storage.Journal
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
	DryRun    bool
}

// TxnService turns one action into one submitted batch.
type TxnService struct {
	submitter *Submitter
	builder   envelope.Builder
	namespace string
	journal   storage.Journal
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	dryRun    bool
}

// Prepared is a signed batch list ready to post.
type Prepared struct {
	Action        protocol.Action
	TransactionID string
	BatchID       string
	BatchList     []byte
}

type Outcome struct {
	JournalID     string `json:"journal_id,omitempty"`
	Action        string `json:"action"`
	TransactionID string `json:"transaction_id"`
	BatchID       string `json:"batch_id"`
	DryRun        bool   `json:"dry_run,omitempty"`
	Result        Result `json:"result"`
	BatchList     []byte `json:"-"`
}

func NewTxnService(params TxnParams) (*TxnService, error) {
	if params.Submitter == nil && !params.DryRun {
		return nil, errors.New("submitter is required unless running dry")
	}
	if params.Namespace == "" {
		name := params.Builder.Family.Name
		if name == "" {
			name = envelope.DefaultFamilyName
		}
		params.Namespace = protocol.Namespace(name)
	}
	if params.Journal == nil {
		params.Journal = storage.NopJournal{}
	}
	if params.Logger == nil {
		params.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if params.Tracer == nil {
		params.Tracer = otel.Tracer("github.com/todoledger/todo-client/internal/service")
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &TxnService{
		submitter: params.Submitter,
		builder:   params.Builder,
		namespace: params.Namespace,
		journal:   params.Journal,
		logger:    params.Logger,
		tracer:    params.Tracer,
		now:       params.Now,
		dryRun:    params.DryRun,
	}, nil
}

func (s *TxnService) Namespace() string {
	return s.namespace
}

// NewKeySigner validates raw key material. The error is INVALID_KEY and is
// returned before any header exists.
func NewKeySigner(priv []byte) (*txcrypto.Signer, error) {
	signer, err := txcrypto.NewSigner(priv)
	if err != nil {
		return nil, NewError(KindInvalidKey, StageKey, "private key rejected", false, err)
	}
	return signer, nil
}

// Prepare encodes body and signs it into a one-transaction batch list without
// touching the network.
func (s *TxnService) Prepare(signer envelope.Signer, action protocol.Action, body protocol.ActionBody) (Prepared, error) {
	name := action.String()
	if signer == nil {
		return Prepared{}, NewError(KindInvalidKey, StageKey, "signer is required", false, envelope.ErrNoSigner).withAction(name)
	}
	payload, err := protocol.Payload{Action: action, Timestamp: s.now().Unix(), Body: body}.Encode()
	if err != nil {
		return Prepared{}, NewError(KindEncoding, StageEncode, "encode payload", false, err).withAction(name)
	}
	txn, err := s.builder.BuildTransaction(signer, payload, s.namespace)
	if err != nil {
		return Prepared{}, buildError(StageTransaction, err).withAction(name)
	}
	list, batchID, err := s.builder.BuildBatchList(signer, []protocol.Transaction{txn})
	if err != nil {
		return Prepared{}, buildError(StageBatch, err).withAction(name)
	}
	return Prepared{
		Action:        action,
		TransactionID: txn.HeaderSignature,
		BatchID:       batchID,
		BatchList:     list,
	}, nil
}

// ExecuteArgs validates positional arguments for the named action and executes it.
func (s *TxnService) ExecuteArgs(ctx context.Context, signer envelope.Signer, name string, args []string) (Outcome, error) {
	action, body, err := actions.Parse(name, args)
	if err != nil {
		return Outcome{Action: name}, NewError(KindEncoding, StageEncode, "invalid action arguments", false, err).withAction(name)
	}
	return s.Execute(ctx, signer, action, body)
}

// Execute prepares and submits one action. A ledger rejection is returned as
// Outcome.Result.Status == INVALID with a nil error.
func (s *TxnService) Execute(ctx context.Context, signer envelope.Signer, action protocol.Action, body protocol.ActionBody) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "txn.execute", trace.WithAttributes(attribute.String("todo.action", action.String())))
	defer span.End()

	out := Outcome{Action: action.String(), DryRun: s.dryRun}
	prepared, err := s.Prepare(signer, action, body)
	if err != nil {
		recordSpanError(span, err)
		s.logger.Warn("transaction not built",
			slog.String("action", out.Action),
			slog.String("error_kind", string(KindOf(err))),
			slog.String("error", err.Error()),
		)
		return out, err
	}
	out.TransactionID = prepared.TransactionID
	out.BatchID = prepared.BatchID
	out.BatchList = prepared.BatchList
	span.SetAttributes(attribute.String("ledger.batch_id", prepared.BatchID))

	if s.dryRun {
		out.Result = Result{BatchID: prepared.BatchID, Status: protocol.StatusUnknown}
		s.logger.Info("dry run batch prepared",
			slog.String("action", out.Action),
			slog.String("batch_id", prepared.BatchID),
			slog.Int("bytes", len(prepared.BatchList)),
		)
		return out, nil
	}

	out.JournalID = uuid.NewString()
	created := s.now().UTC()
	rec := storage.SubmissionRecord{
		ID:        out.JournalID,
		Action:    out.Action,
		BatchID:   prepared.BatchID,
		Status:    JournalBuilt,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.journal.InsertSubmission(ctx, rec); err != nil {
		s.logger.Warn("journal insert failed", slog.String("journal_id", rec.ID), slog.String("error", err.Error()))
	}

	res, err := s.submitter.Submit(ctx, prepared.BatchList)
	if res.BatchID == "" {
		res.BatchID = prepared.BatchID
	}
	out.Result = res

	rec.Link = res.Link
	rec.Polls = res.Polls
	rec.Status = res.Status
	rec.UpdatedAt = s.now().UTC()
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.withAction(out.Action)
			rec.ErrorKind = string(e.Kind)
		}
		rec.Error = err.Error()
		if rec.Status == "" || rec.Status == protocol.StatusUnknown {
			rec.Status = JournalFailed
		}
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
	jerr := s.journal.UpdateSubmission(jctx, rec)
	cancel()
	if jerr != nil {
		s.logger.Warn("journal update failed", slog.String("journal_id", rec.ID), slog.String("error", jerr.Error()))
	}

	if err != nil {
		recordSpanError(span, err)
		s.logger.Error("submission failed",
			slog.String("action", out.Action),
			slog.String("batch_id", prepared.BatchID),
			slog.String("error_kind", rec.ErrorKind),
			slog.String("error", err.Error()),
		)
		return out, err
	}
	s.logger.Info("submission finished",
		slog.String("action", out.Action),
		slog.String("batch_id", res.BatchID),
		slog.String("status", res.Status),
		slog.Int("polls", res.Polls),
	)
	return out, nil
}

func buildError(stage string, err error) *Error {
	switch {
	case errors.Is(err, envelope.ErrNoSigner):
		return NewError(KindInvalidKey, stage, "signer is required", false, err)
	case errors.Is(err, envelope.ErrNoNamespace), errors.Is(err, envelope.ErrEmptyBatch):
		return NewError(KindEncoding, stage, "envelope is incomplete", false, err)
	default:
		return NewError(KindSigning, stage, "sign header", false, err)
	}
}
