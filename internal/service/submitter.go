package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/todoledger/todo-client/internal/protocol"
)

const (
	maxResponseBytes = 2 << 20

	defaultPollInterval      = 500 * time.Millisecond
	defaultMaxPolls          = 120
	defaultMaxNetworkRetries = 5
	defaultBackoffBase       = 250 * time.Millisecond
	defaultBackoffMax        = 10 * time.Second
)

type SubmitterParams struct {
	BaseURL           string
	HTTPClient        *http.Client
	PollInterval      time.Duration
	MaxPolls          int
	MaxNetworkRetries int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// RequestsPerSecond caps status requests; zero means unlimited.
	RequestsPerSecond float64
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

// Submitter posts batch lists to the ledger REST API and polls their status
// until the ledger reports a terminal outcome or the poll budget runs out.
type Submitter struct {
	baseURL           *url.URL
	client            *http.Client
	pollInterval      time.Duration
	maxPolls          int
	maxNetworkRetries int
	backoffBase       time.Duration
	backoffMax        time.Duration
	limiter           *rate.Limiter
	logger            *slog.Logger
	tracer            trace.Tracer
}

// Result is the observed outcome of one submission.
type Result struct {
	BatchID             string                        `json:"batch_id"`
	Link                string                        `json:"link"`
	Status              string                        `json:"status"`
	Polls               int                           `json:"polls"`
	InvalidTransactions []protocol.InvalidTransaction `json:"invalid_transactions,omitempty"`
}

func (r Result) Committed() bool {
	return r.Status == protocol.StatusCommitted
}

// Rejected reports a delivered batch the ledger refused. It is a valid outcome,
// not a failure to communicate.
func (r Result) Rejected() bool {
	return r.Status == protocol.StatusInvalid
}

func NewSubmitter(params SubmitterParams) (*Submitter, error) {
	if strings.TrimSpace(params.BaseURL) == "" {
		return nil, errors.New("ledger base url is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(params.BaseURL), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse ledger base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ledger base url must be http or https, got %q", base.Scheme)
	}
	if params.HTTPClient == nil {
		params.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if params.PollInterval <= 0 {
		params.PollInterval = defaultPollInterval
	}
	if params.MaxPolls <= 0 {
		params.MaxPolls = defaultMaxPolls
	}
	if params.MaxNetworkRetries < 0 {
		params.MaxNetworkRetries = 0
	} else if params.MaxNetworkRetries == 0 {
		params.MaxNetworkRetries = defaultMaxNetworkRetries
	}
	if params.BackoffBase <= 0 {
		params.BackoffBase = defaultBackoffBase
	}
	if params.BackoffMax <= 0 {
		params.BackoffMax = defaultBackoffMax
	}
	if params.Logger == nil {
		params.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if params.Tracer == nil {
		params.Tracer = otel.Tracer("github.com/todoledger/todo-client/internal/service")
	}
	limit := rate.Inf
	if params.RequestsPerSecond > 0 {
		limit = rate.Limit(params.RequestsPerSecond)
	}
	return &Submitter{
		baseURL:           base,
		client:            params.HTTPClient,
		pollInterval:      params.PollInterval,
		maxPolls:          params.MaxPolls,
		maxNetworkRetries: params.MaxNetworkRetries,
		backoffBase:       params.BackoffBase,
		backoffMax:        params.BackoffMax,
		limiter:           rate.NewLimiter(limit, 1),
		logger:            params.Logger,
		tracer:            params.Tracer,
	}, nil
}

// Submit posts batchList and polls its status link until COMMITTED or INVALID.
// Exhausting the poll or retry budget returns a TIMEOUT error alongside the last
// observed Result.
func (s *Submitter) Submit(ctx context.Context, batchList []byte) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.submit")
	defer span.End()

	link, err := s.Post(ctx, batchList)
	if err != nil {
		recordSpanError(span, err)
		return Result{}, err
	}
	res, err := s.Poll(ctx, link)
	span.SetAttributes(
		attribute.String("ledger.batch_id", res.BatchID),
		attribute.String("ledger.status", res.Status),
		attribute.Int("ledger.polls", res.Polls),
	)
	if err != nil {
		recordSpanError(span, err)
	}
	return res, err
}

// Post sends the batch list and returns the status link from the response.
func (s *Submitter) Post(ctx context.Context, batchList []byte) (string, error) {
	endpoint := s.baseURL.ResolveReference(&url.URL{Path: "batches"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(batchList))
	if err != nil {
		return "", NewError(KindSubmission, StageSubmit, "build request", false, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	status, body, err := s.do(req)
	if err != nil {
		return "", NewError(KindNetwork, StageSubmit, "post batches", true, err)
	}
	if status < 200 || status > 299 {
		return "", NewError(KindSubmission, StageSubmit, describeHTTPError(status, body), status >= 500, nil)
	}
	var resp protocol.SubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", NewError(KindSubmission, StageSubmit, "decode submit response", false, err)
	}
	if strings.TrimSpace(resp.Link) == "" {
		return "", NewError(KindSubmission, StageSubmit, "submit response has no link", false, nil)
	}
	link, err := s.resolve(resp.Link)
	if err != nil {
		return "", NewError(KindSubmission, StageSubmit, "invalid status link", false, err)
	}
	s.logger.Info("batch submitted", slog.String("link", link))
	return link, nil
}

// Poll reads link until a terminal status is observed. A PENDING answer counts
// as one poll; transport failures and 5xx answers are retried with backoff and
// do not count.
func (s *Submitter) Poll(ctx context.Context, link string) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.poll")
	defer span.End()

	res := Result{Link: link, BatchID: batchIDFromLink(link), Status: protocol.StatusUnknown}
	failures := 0
	for res.Polls < s.maxPolls {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, s.cancelled(ctx, err)
		}
		st, err := s.fetchStatus(ctx, link)
		if err != nil {
			var e *Error
			if errors.As(err, &e) && !e.Retryable {
				return res, err
			}
			if ctx.Err() != nil {
				return res, s.cancelled(ctx, ctx.Err())
			}
			failures++
			if failures > s.maxNetworkRetries {
				return res, NewError(KindTimeout, StagePoll, fmt.Sprintf("network retry budget of %d exhausted", s.maxNetworkRetries), true, err)
			}
			backoff := computeBackoff(failures, s.backoffBase, s.backoffMax)
			s.logger.Warn("batch status poll failed",
				slog.String("batch_id", res.BatchID),
				slog.Int("failures", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			if err := sleep(ctx, backoff); err != nil {
				return res, s.cancelled(ctx, err)
			}
			continue
		}
		failures = 0
		res.Polls++
		res.Status = st.Status
		if st.ID != "" {
			res.BatchID = st.ID
		}
		res.InvalidTransactions = st.InvalidTransactions
		span.AddEvent("status", trace.WithAttributes(attribute.String("ledger.status", st.Status)))
		if protocol.IsTerminalStatus(st.Status) {
			s.logger.Info("batch reached terminal status",
				slog.String("batch_id", res.BatchID),
				slog.String("status", res.Status),
				slog.Int("polls", res.Polls),
			)
			return res, nil
		}
		if res.Polls >= s.maxPolls {
			break
		}
		if err := sleep(ctx, s.pollInterval); err != nil {
			return res, s.cancelled(ctx, err)
		}
	}
	return res, NewError(KindTimeout, StagePoll, fmt.Sprintf("batch still %s after %d polls", res.Status, res.Polls), true, nil)
}

// Status performs a single lookup of a batch by id.
func (s *Submitter) Status(ctx context.Context, batchID string) (protocol.BatchStatus, error) {
	if strings.TrimSpace(batchID) == "" {
		return protocol.BatchStatus{}, NewError(KindSubmission, StageStatus, "batch id is required", false, nil)
	}
	u := s.baseURL.ResolveReference(&url.URL{Path: "batch_statuses"})
	q := u.Query()
	q.Set("id", batchID)
	u.RawQuery = q.Encode()
	if err := s.limiter.Wait(ctx); err != nil {
		return protocol.BatchStatus{}, s.cancelled(ctx, err)
	}
	st, err := s.fetchStatus(ctx, u.String())
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Stage = StageStatus
		}
		return protocol.BatchStatus{}, err
	}
	return st, nil
}

func (s *Submitter) fetchStatus(ctx context.Context, link string) (protocol.BatchStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return protocol.BatchStatus{}, NewError(KindSubmission, StagePoll, "build request", false, err)
	}
	req.Header.Set("Accept", "application/json")
	status, body, err := s.do(req)
	if err != nil {
		return protocol.BatchStatus{}, NewError(KindNetwork, StagePoll, "get batch status", true, err)
	}
	if status >= 500 {
		return protocol.BatchStatus{}, NewError(KindNetwork, StagePoll, describeHTTPError(status, body), true, nil)
	}
	if status < 200 || status > 299 {
		return protocol.BatchStatus{}, NewError(KindSubmission, StagePoll, describeHTTPError(status, body), false, nil)
	}
	var resp protocol.BatchStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return protocol.BatchStatus{}, NewError(KindSubmission, StagePoll, "decode batch status", false, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Status == "" {
		return protocol.BatchStatus{}, NewError(KindSubmission, StagePoll, "batch status response has no data", false, nil)
	}
	return resp.Data[0], nil
}

func (s *Submitter) do(req *http.Request) (int, []byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (s *Submitter) resolve(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", err
	}
	return s.baseURL.ResolveReference(u).String(), nil
}

func (s *Submitter) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return NewError(KindTimeout, StagePoll, "polling stopped before a terminal status", true, err)
}

func batchIDFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("id")
}

func describeHTTPError(status int, body []byte) string {
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return fmt.Sprintf("ledger returned %d: %s", status, resp.Error.Message)
	}
	return fmt.Sprintf("ledger returned %d: %s", status, truncate(strings.TrimSpace(string(body)), 200))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func computeBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base << uint(min(attempts-1, 10))
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
