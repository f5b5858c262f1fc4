package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/envelope"
	"github.com/todoledger/todo-client/internal/ledgertest"
	"github.com/todoledger/todo-client/internal/protocol"
)

func newTestSubmitter(t *testing.T, baseURL string, tweak func(*SubmitterParams)) *Submitter {
	t.Helper()
	params := SubmitterParams{
		BaseURL:           baseURL,
		PollInterval:      time.Millisecond,
		MaxPolls:          20,
		MaxNetworkRetries: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&params)
	}
	sub, err := NewSubmitter(params)
	require.NoError(t, err)
	return sub
}

func testBatchList(t *testing.T, project string) ([]byte, string) {
	t.Helper()
	signer, err := txcrypto.SignerFromPassphrase("submitter-test")
	require.NoError(t, err)
	payload, err := protocol.EncodePayload(protocol.ActionCreateProject, 1700000000, protocol.CreateProject{ProjectName: project})
	require.NoError(t, err)
	txn, err := envelope.BuildTransaction(signer, payload, protocol.Namespace("todo"))
	require.NoError(t, err)
	list, batchID, err := envelope.BuildBatchList(signer, []protocol.Transaction{txn})
	require.NoError(t, err)
	return list, batchID
}

func TestSubmitCommitsAfterPendingPolls(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(
		protocol.StatusPending, protocol.StatusPending, protocol.StatusPending, protocol.StatusCommitted,
	))
	defer ledger.Close()
	list, batchID := testBatchList(t, "alpha")

	res, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCommitted, res.Status)
	assert.True(t, res.Committed())
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 4, ledger.Polls())
	assert.Equal(t, batchID, res.BatchID)
	assert.Equal(t, 1, ledger.Posts())
}

func TestSubmitReturnsInvalidWithoutFurtherPolling(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(protocol.StatusInvalid, protocol.StatusCommitted))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	res, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), list)
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.False(t, res.Committed())
	assert.Equal(t, 1, res.Polls)
	assert.Equal(t, 1, ledger.Polls())
	require.Len(t, res.InvalidTransactions, 1)
	assert.NotEmpty(t, res.InvalidTransactions[0].Message)
}

func TestSubmitMissingLinkIsSubmissionError(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithoutLink())
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	_, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), list)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubmission))
	assert.Equal(t, 0, ledger.Polls())

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, StageSubmit, e.Stage)
}

func TestSubmitTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	list, _ := testBatchList(t, "alpha")

	_, err := newTestSubmitter(t, url, nil).Submit(context.Background(), list)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestSubmitServerErrorOnPostIsSubmissionError(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithSubmitStatus(503))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	_, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), list)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubmission))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "forced failure")
	assert.Equal(t, 1, ledger.Posts())
}

func TestSubmitUndecodableBatchReportsLedgerMessage(t *testing.T) {
	ledger := ledgertest.New()
	defer ledger.Close()

	_, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), []byte{0xff, 0xff})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubmission))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "ledger returned 400")
}

func TestPollRetriesTransientFailures(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatusFailures(2))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	res, err := newTestSubmitter(t, ledger.URL(), nil).Submit(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCommitted, res.Status)
	assert.Equal(t, 1, res.Polls)
}

func TestPollRetryBudgetExhaustedIsTimeout(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatusFailures(100))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	sub := newTestSubmitter(t, ledger.URL(), func(p *SubmitterParams) { p.MaxNetworkRetries = 2 })
	res, err := sub.Submit(context.Background(), list)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, 0, res.Polls)
	assert.Contains(t, err.Error(), "retry budget of 2 exhausted")
	assert.True(t, IsKind(errors.Unwrap(err), KindNetwork))
}

func TestPollWithRetriesDisabledStopsAtFirstFailure(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatusFailures(1))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	sub := newTestSubmitter(t, ledger.URL(), func(p *SubmitterParams) { p.MaxNetworkRetries = -1 })
	res, err := sub.Submit(context.Background(), list)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Contains(t, err.Error(), "retry budget of 0 exhausted")
	assert.Equal(t, 0, res.Polls)
	assert.Equal(t, 0, ledger.Polls())
}

func TestPollMaxPollsIsTimeout(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(protocol.StatusPending))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	sub := newTestSubmitter(t, ledger.URL(), func(p *SubmitterParams) { p.MaxPolls = 3 })
	res, err := sub.Submit(context.Background(), list)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, 3, ledger.Polls())
	assert.Equal(t, protocol.StatusPending, res.Status)
}

func TestPollHonoursContextDeadline(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(protocol.StatusPending))
	defer ledger.Close()
	list, _ := testBatchList(t, "alpha")

	sub := newTestSubmitter(t, ledger.URL(), func(p *SubmitterParams) {
		p.PollInterval = time.Second
		p.MaxPolls = 1000
	})
	link, err := sub.Post(context.Background(), list)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = sub.Poll(ctx, link)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestPostResolvesRelativeLink(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithRelativeLink())
	defer ledger.Close()
	list, batchID := testBatchList(t, "alpha")

	link, err := newTestSubmitter(t, ledger.URL(), nil).Post(context.Background(), list)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, ledger.URL()+"/batch_statuses?id="))
	assert.Equal(t, batchID, batchIDFromLink(link))
}

func TestStatusLooksUpBatch(t *testing.T) {
	ledger := ledgertest.New()
	defer ledger.Close()
	list, batchID := testBatchList(t, "alpha")
	sub := newTestSubmitter(t, ledger.URL(), nil)

	_, err := sub.Post(context.Background(), list)
	require.NoError(t, err)

	st, err := sub.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, batchID, st.ID)
	assert.Equal(t, protocol.StatusCommitted, st.Status)

	st, err = sub.Status(context.Background(), "unknown-batch")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnknown, st.Status)
}

func TestStatusRequiresBatchID(t *testing.T) {
	sub := newTestSubmitter(t, "http://127.0.0.1:1", nil)
	_, err := sub.Status(context.Background(), " ")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubmission))
}

func TestNewSubmitterRejectsBadBaseURL(t *testing.T) {
	_, err := NewSubmitter(SubmitterParams{})
	require.Error(t, err)
	_, err = NewSubmitter(SubmitterParams{BaseURL: "ftp://ledger"})
	require.Error(t, err)
}

func TestComputeBackoff(t *testing.T) {
	base, max := 250*time.Millisecond, 10*time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{4, 2 * time.Second},
		{6, 8 * time.Second},
		{7, max},
		{50, max},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, computeBackoff(tc.attempts, base, max), "attempts=%d", tc.attempts)
	}
}
