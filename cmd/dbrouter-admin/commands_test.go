package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	corr   string
	body   string
}

func newAPI(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*rec = recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			corr:   r.Header.Get(correlation.Header),
			body:   string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(correlation.Header, "resp-corr-1234")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

const healthResponse = `{
  "replica-b": {"role":"replica","healthy":false,"degraded":true,"phase":"degraded","consecutive_failures":5,
    "replication_lag_seconds":0,"lag_known":false,"latency_ms":0,"stale":false,"last_error":"connection refused",
    "pool":{"active":0,"max_size":10,"utilization":0}},
  "primary": {"role":"primary","healthy":true,"degraded":false,"phase":"healthy","consecutive_failures":0,
    "replication_lag_seconds":0,"lag_known":false,"latency_ms":1.5,"last_check":"2026-01-02T03:04:05Z","stale":false,
    "pool":{"active":3,"max_size":20,"utilization":0.15}},
  "replica-a": {"role":"replica","healthy":true,"degraded":false,"phase":"healthy","consecutive_failures":0,
    "replication_lag_seconds":2.5,"lag_known":true,"latency_ms":2,"last_check":"2026-01-02T03:04:05Z","stale":true,
    "pool":{"active":1,"max_size":10,"utilization":0.1}}
}`

func TestStatusCommand(t *testing.T) {
	srv, rec := newAPI(t, http.StatusOK, healthResponse)

	out, _, err := runCLI(t, "status", "--addr", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/internal/db-health", rec.path)
	assert.True(t, correlation.Valid(rec.corr), "request carries a correlation id")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.True(t, strings.HasPrefix(lines[1], "primary"), "primary listed first")
	assert.True(t, strings.HasPrefix(lines[2], "replica-a"))
	assert.True(t, strings.HasPrefix(lines[3], "replica-b"))
	assert.Contains(t, lines[2], "2.5s")
	assert.Contains(t, lines[2], "(stale)")
	assert.Contains(t, lines[3], "never")
	assert.Contains(t, out, "replica-b: connection refused")
}

func TestStatusCommandJSON(t *testing.T) {
	srv, _ := newAPI(t, http.StatusOK, `{"primary":{"role":"primary"}}`)

	out, _, err := runCLI(t, "status", "--addr", srv.URL, "--json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "primary")
}

func TestResetCommand(t *testing.T) {
	srv, rec := newAPI(t, http.StatusOK, `{"alias":"replica-1","phase":"healthy","degraded":false}`)

	out, _, err := runCLI(t, "reset", "replica-1", "--addr", srv.URL, "--api-key", "secret")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/internal/db-health/replica-1/reset", rec.path)
	assert.Equal(t, "Bearer secret", rec.auth)
	assert.Equal(t, "Alias replica-1 reset, phase is now healthy\n", out)
}

func TestAliasAfterFlags(t *testing.T) {
	srv, rec := newAPI(t, http.StatusOK, `{"role":"replica","healthy":true,"phase":"healthy","pool":{}}`)

	_, _, err := runCLI(t, "probe", "--addr", srv.URL, "replica-1")
	require.NoError(t, err)
	assert.Equal(t, "/internal/db-health/replica-1/probe", rec.path)
}

func TestAliasIsRequired(t *testing.T) {
	_, stderr, err := runCLI(t, "reset", "--addr", "http://127.0.0.1:1")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "exactly one alias is required")
}

func TestOptimizeCommand(t *testing.T) {
	response := `{"alias":"primary","previous_size":20,"new_size":8,"reason":"shrink"}`

	t.Run("explicit target", func(t *testing.T) {
		srv, rec := newAPI(t, http.StatusOK, response)
		out, _, err := runCLI(t, "optimize", "primary", "--addr", srv.URL, "--target", "0.6")
		require.NoError(t, err)
		assert.Equal(t, "/internal/pools/primary/optimize", rec.path)
		assert.JSONEq(t, `{"target_utilization":0.6}`, rec.body)
		assert.Equal(t, "Pool primary resized from 20 to 8 (shrink)\n", out)
	})

	t.Run("server default", func(t *testing.T) {
		srv, rec := newAPI(t, http.StatusOK, response)
		_, _, err := runCLI(t, "optimize", "primary", "--addr", srv.URL)
		require.NoError(t, err)
		assert.JSONEq(t, `{"target_utilization":null}`, rec.body)
	})
}

func TestDeadlocksCommand(t *testing.T) {
	srv, rec := newAPI(t, http.StatusOK, `{"count":1,"patterns":[{"signature":"abc123","alias":"primary",
		"relations":["accounts","orders"],"lock_modes":["ShareLock"],"count":4,"last_seen":"2026-01-02T03:04:05Z"}]}`)

	out, _, err := runCLI(t, "deadlocks", "--addr", srv.URL, "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, "limit=10", rec.query)
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "accounts,orders")
	assert.Contains(t, out, "ShareLock")
}

func TestDeadlocksEmpty(t *testing.T) {
	srv, _ := newAPI(t, http.StatusOK, `{"count":0,"patterns":[]}`)

	out, _, err := runCLI(t, "deadlocks", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "No deadlocks recorded.\n", out)
}

func TestAPIErrorIsReported(t *testing.T) {
	srv, _ := newAPI(t, http.StatusForbidden, `{"error":"Invalid API key"}`)

	_, _, err := runCLI(t, "reset", "primary", "--addr", srv.URL, "--api-key", "wrong")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "Invalid API key", apiErr.Message)
	assert.Equal(t, "resp-corr-1234", apiErr.CorrelationID)
}

func TestAddrWithoutScheme(t *testing.T) {
	c := newAPIClient("127.0.0.1:8089/", "", defaultTimeout)
	assert.Equal(t, "http://127.0.0.1:8089", c.baseURL)
}

func TestHashKey(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := handleHashKey([]string{"--cost", "4"}, strings.NewReader("s3cret\n"), &stdout, &stderr)
	require.NoError(t, err)

	hash := strings.TrimSpace(stdout.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestHashKeyRejectsEmpty(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := handleHashKey(nil, strings.NewReader(""), &stdout, &stderr)
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := runCLI(t, "frobnicate")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestCommandHelp(t *testing.T) {
	_, stderr, err := runCLI(t, "deadlocks", "--help")
	assert.ErrorIs(t, err, errHelp)
	assert.Contains(t, stderr, "List recorded deadlock patterns")
}
