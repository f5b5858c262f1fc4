// Package ledgertest runs an in-process ledger REST API for tests. It accepts
// batch lists on POST /batches and answers GET /batch_statuses from a scripted
// sequence of statuses.
package ledgertest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/logging"
	"github.com/todoledger/todo-client/internal/protocol"
)

const maxBodyBytes = 8 << 20

type Option func(*Ledger)

// WithStatuses scripts the statuses returned by successive polls. The last
// status repeats once the script runs out.
func WithStatuses(statuses ...string) Option {
	return func(l *Ledger) { l.statuses = statuses }
}

// WithoutLink makes POST /batches answer 202 with an empty body.
func WithoutLink() Option {
	return func(l *Ledger) { l.omitLink = true }
}

// WithRelativeLink makes POST /batches answer with a path-only status link.
func WithRelativeLink() Option {
	return func(l *Ledger) { l.relativeLink = true }
}

// WithStatusFailures makes the next n status requests fail with 503.
func WithStatusFailures(n int) Option {
	return func(l *Ledger) { l.statusFailures = n }
}

// WithSubmitStatus forces POST /batches to answer code with an error body.
func WithSubmitStatus(code int) Option {
	return func(l *Ledger) { l.submitStatus = code }
}

// WithLogger receives one http_request event per handled request.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

type Ledger struct {
	server *httptest.Server
	logger *slog.Logger

	mu             sync.Mutex
	statuses       []string
	omitLink       bool
	relativeLink   bool
	statusFailures int
	submitStatus   int
	posts          int
	polls          int
	batches        map[string]protocol.Batch
	order          []string
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		statuses: []string{protocol.StatusCommitted},
		batches:  map[string]protocol.Batch{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.statuses) == 0 {
		l.statuses = []string{protocol.StatusCommitted}
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batches", l.handleSubmit)
	mux.HandleFunc("GET /batch_statuses", l.handleStatus)
	l.server = httptest.NewServer(logging.Middleware(l.logger, logging.Environment{Service: "ledgertest"})(mux))
	return l
}

func (l *Ledger) URL() string {
	return l.server.URL
}

func (l *Ledger) Client() *http.Client {
	return l.server.Client()
}

func (l *Ledger) Close() {
	l.server.Close()
}

// Posts is the number of POST /batches requests received.
func (l *Ledger) Posts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posts
}

// Polls is the number of status requests that returned a status.
func (l *Ledger) Polls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polls
}

// Batches returns accepted batches in arrival order.
func (l *Ledger) Batches() []protocol.Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.Batch, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.batches[id])
	}
	return out
}

func (l *Ledger) handleSubmit(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	l.posts++
	submitStatus := l.submitStatus
	l.mu.Unlock()

	logging.AddField(r.Context(), "op", "submit_batches")
	if submitStatus != 0 {
		writeError(w, submitStatus, 10, "Unavailable", "forced failure")
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/octet-stream") {
		writeError(w, http.StatusBadRequest, 42, "Wrong Content Type", "batches must be application/octet-stream")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, 34, "No Batches Submitted", err.Error())
		return
	}
	list, err := protocol.UnmarshalBatchList(raw)
	if err != nil || len(list.Batches) == 0 {
		writeError(w, http.StatusBadRequest, 35, "Protobuf Not Decodable", "batch list could not be decoded")
		return
	}
	ids := make([]string, 0, len(list.Batches))
	for _, batch := range list.Batches {
		header, err := protocol.UnmarshalBatchHeader(batch.Header)
		if err != nil || !txcrypto.Verify(header.SignerPublicKey, batch.Header, batch.HeaderSignature) {
			writeError(w, http.StatusBadRequest, 30, "Submitted Batches Invalid", "batch signature did not verify")
			return
		}
		ids = append(ids, batch.HeaderSignature)
	}

	l.mu.Lock()
	for i, id := range ids {
		if _, seen := l.batches[id]; !seen {
			l.order = append(l.order, id)
		}
		l.batches[id] = list.Batches[i]
	}
	omit, relative := l.omitLink, l.relativeLink
	l.mu.Unlock()

	logging.AddField(r.Context(), "batch_count", len(ids))
	if omit {
		writeJSON(w, http.StatusAccepted, map[string]any{})
		return
	}
	link := "/batch_statuses?id=" + strings.Join(ids, ",")
	if !relative {
		link = l.server.URL + link
	}
	writeJSON(w, http.StatusAccepted, protocol.SubmitResponse{Link: link})
}

func (l *Ledger) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.Split(r.URL.Query().Get("id"), ",")[0]
	logging.AddField(r.Context(), "op", "batch_statuses")
	logging.AddField(r.Context(), "batch_id", id)
	if id == "" {
		writeError(w, http.StatusBadRequest, 66, "Id Query Invalid or Missing", "id query parameter is required")
		return
	}

	l.mu.Lock()
	if l.statusFailures > 0 {
		l.statusFailures--
		l.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, 18, "Validator Timed Out", "validator did not respond")
		return
	}
	batch, known := l.batches[id]
	status := protocol.StatusUnknown
	if known {
		idx := min(l.polls, len(l.statuses)-1)
		status = l.statuses[idx]
		l.polls++
	}
	l.mu.Unlock()

	st := protocol.BatchStatus{ID: id, Status: status}
	if status == protocol.StatusInvalid {
		st.InvalidTransactions = invalidTransactions(batch)
	}
	writeJSON(w, http.StatusOK, protocol.BatchStatusResponse{
		Data: []protocol.BatchStatus{st},
		Link: l.server.URL + r.URL.RequestURI(),
	})
}

func invalidTransactions(batch protocol.Batch) []protocol.InvalidTransaction {
	if len(batch.Transactions) == 0 {
		return nil
	}
	return []protocol.InvalidTransaction{{
		ID:      batch.Transactions[0].HeaderSignature,
		Message: "transaction rejected by family handler",
	}}
}

func writeError(w http.ResponseWriter, status, code int, title, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: code, Title: title, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
