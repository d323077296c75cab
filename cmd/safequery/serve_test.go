package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/safequery"
)

func newOfflineInstance(t *testing.T) *safequery.SafeQuery {
	t.Helper()
	config := safequery.Config{}
	config.Allowlist.Tables = map[string][]string{"orders": {"order_id"}}
	sq, err := safequery.NewWithEngine(offlineEngine{}, config, zerolog.Nop())
	require.NoError(t, err)
	return sq
}

func TestBuildConnString(t *testing.T) {
	t.Parallel()
	conn := safequery.ConnectionConfig{Host: "db.internal", Port: 5432, DBName: "shop", SSLMode: "require"}

	got := buildConnString(conn, "analyst", "s3cret")
	assert.Equal(t, "host=db.internal port=5432 dbname=shop user=analyst password=s3cret sslmode=require", got)

	got = buildConnString(safequery.ConnectionConfig{DBName: "shop"}, "", "")
	assert.Equal(t, "dbname=shop", got)
}

func TestBuildHandlerHealthAndMetrics(t *testing.T) {
	t.Parallel()
	settings := safequery.ServerSettings{
		HealthCheckEnabled: true,
		HealthCheckPath:    "/health",
		MetricsEnabled:     true,
		MetricsPath:        "/metrics",
	}
	srv := httptest.NewServer(buildHandler(settings, newOfflineInstance(t), zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestBuildHandlerDisabledEndpoints(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(buildHandler(safequery.ServerSettings{}, newOfflineInstance(t), zerolog.Nop()))
	defer srv.Close()

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestBuildHandlerMCPInitialize(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(buildHandler(safequery.ServerSettings{}, newOfflineInstance(t), zerolog.Nop()))
	defer srv.Close()

	payload := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"safequery"`)
}

func TestBuildHandlerPanicsOnEmptyPaths(t *testing.T) {
	t.Parallel()
	sq := newOfflineInstance(t)

	assert.PanicsWithValue(t, "safequery: health_check_path must be set when health_check_enabled is true", func() {
		buildHandler(safequery.ServerSettings{HealthCheckEnabled: true}, sq, zerolog.Nop())
	})
	assert.PanicsWithValue(t, "safequery: metrics_path must be set when metrics_enabled is true", func() {
		buildHandler(safequery.ServerSettings{MetricsEnabled: true}, sq, zerolog.Nop())
	})
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		logger := setupLogger(safequery.LoggingConfig{Level: tc.level})
		assert.Equal(t, tc.want, logger.GetLevel(), tc.level)
	}
}

func TestSetupLoggerFileOutput(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "safequery.log")

	logger := setupLogger(safequery.LoggingConfig{Level: "info", Format: "json", Output: path})
	logger.Info().Str("tool", "ask").Msg("tool call")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool":"ask"`)
	assert.Contains(t, string(data), `"message":"tool call"`)
}
