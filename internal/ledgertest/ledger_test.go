package ledgertest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoledger/todo-client/internal/logging"
	"github.com/todoledger/todo-client/internal/protocol"
)

func TestLedgerRejectsUndecodableBatchAndLogsRequest(t *testing.T) {
	var logs bytes.Buffer
	ledger := New(WithLogger(logging.NewJSONLoggerTo(&logs, "info")))
	defer ledger.Close()

	resp, err := ledger.Client().Post(ledger.URL()+"/batches", "application/octet-stream", strings.NewReader("\xff\xff"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 35, body.Error.Code)
	assert.Equal(t, 1, ledger.Posts())
	assert.Empty(t, ledger.Batches())

	// Close waits for in-flight handlers, so the request event has been written.
	ledger.Close()
	text := logs.String()
	assert.Contains(t, text, `"msg":"http_request"`)
	assert.Contains(t, text, `"op":"submit_batches"`)
}

func TestLedgerRejectsWrongContentType(t *testing.T) {
	ledger := New()
	defer ledger.Close()

	resp, err := ledger.Client().Post(ledger.URL()+"/batches", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLedgerUnknownBatchIsUnknown(t *testing.T) {
	ledger := New()
	defer ledger.Close()

	resp, err := ledger.Client().Get(ledger.URL() + "/batch_statuses?id=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body protocol.BatchStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, protocol.StatusUnknown, body.Data[0].Status)
	assert.Equal(t, 0, ledger.Polls())
}
