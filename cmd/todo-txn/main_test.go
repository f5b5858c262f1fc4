package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoledger/todo-client/internal/config"
	"github.com/todoledger/todo-client/internal/ledgertest"
	"github.com/todoledger/todo-client/internal/protocol"
	"github.com/todoledger/todo-client/internal/service"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Default(baseURL)
	require.NoError(t, err)
	cfg.Poll.IntervalMS = 1
	cfg.Poll.BackoffBaseMS = 1
	cfg.Poll.BackoffMaxMS = 2
	cfg.Poll.RequestsPerSecond = 1000
	cfg.Keys.PassphraseEnv = "TODO_TXN_TEST_PASSPHRASE"
	t.Setenv("TODO_TXN_TEST_PASSPHRASE", "cli-test")
	return cfg
}

func TestRunWritesOnlyResultToStdout(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(protocol.StatusPending, protocol.StatusCommitted))
	defer ledger.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), testConfig(t, ledger.URL()), options{
		args:   []string{"create_project", "alpha"},
		stdout: &stdout,
		stderr: &stderr,
	})
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	dec := json.NewDecoder(&stdout)
	var out service.Outcome
	require.NoError(t, dec.Decode(&out))
	assert.Equal(t, "create_project", out.Action)
	assert.Equal(t, protocol.StatusCommitted, out.Result.Status)
	var extra json.RawMessage
	assert.ErrorIs(t, dec.Decode(&extra), io.EOF, "stdout must hold exactly one JSON document")

	assert.Contains(t, stderr.String(), `"msg":"http_request"`)
	assert.NotContains(t, stderr.String(), "cli-test")
}

func TestRunRejectedBatchExitsThree(t *testing.T) {
	ledger := ledgertest.New(ledgertest.WithStatuses(protocol.StatusInvalid))
	defer ledger.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), testConfig(t, ledger.URL()), options{
		args:   []string{"progress_task", "alpha", "t1"},
		stdout: &stdout,
		stderr: &stderr,
	})
	assert.Equal(t, exitRejected, code)

	var out service.Outcome
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.True(t, out.Result.Rejected())
}

func TestRunBadArgumentsPrintsUsageToStderr(t *testing.T) {
	ledger := ledgertest.New()
	defer ledger.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), testConfig(t, ledger.URL()), options{
		args:   []string{"create_task", "alpha"},
		stdout: &stdout,
		stderr: &stderr,
	})
	assert.Equal(t, exitUsage, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "usage:")
	assert.Equal(t, 0, ledger.Posts())
}
