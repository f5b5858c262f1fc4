package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func decodeEvent(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line struct {
		Msg   string         `json:"msg"`
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "http_request", line.Msg)
	return line.Event
}

func TestTransportLogsRequestAndSetsRequestID(t *testing.T) {
	var seenID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: Transport(nil, NewJSONLoggerTo(&buf, "info"), Environment{Service: "todo-txn", Version: "test"})}
	resp, err := client.Post(srv.URL+"/batches", "application/octet-stream", bytes.NewReader([]byte{1, 2}))
	require.NoError(t, err)
	resp.Body.Close()

	require.NotEmpty(t, seenID)
	event := decodeEvent(t, &buf)
	assert.Equal(t, seenID, event["request_id"])
	assert.Equal(t, "POST", event["method"])
	assert.Equal(t, "/batches", event["path"])
	assert.Equal(t, float64(http.StatusAccepted), event["status_code"])
	assert.Equal(t, "success", event["outcome"])
	assert.Equal(t, "todo-txn", event["service"])
}

func TestTransportRecordsTransportErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	rt := Transport(failing, NewJSONLoggerTo(&buf, "info"), Environment{})
	req := httptest.NewRequest(http.MethodGet, "http://ledger.invalid/batch_statuses?id=abc", nil)
	_, err := rt.RoundTrip(req)
	require.Error(t, err)

	event := decodeEvent(t, &buf)
	assert.Equal(t, "error", event["outcome"])
	assert.Equal(t, "connection refused", event["error"])
	assert.NotContains(t, event, "status_code")
}

func TestMiddlewareLogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	h := Middleware(NewJSONLoggerTo(&buf, "info"), Environment{Service: "ledger"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddField(r.Context(), "batch_id", "abc")
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batch_statuses", nil))

	event := decodeEvent(t, &buf)
	assert.Equal(t, float64(http.StatusTeapot), event["status_code"])
	assert.Equal(t, "abc", event["batch_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
