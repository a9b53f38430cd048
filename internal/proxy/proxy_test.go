// ABOUTME: Orchestrator tests for wiring, root endpoints, and startup seeding
// ABOUTME: Exercises the assembled handler and the Run lifecycle

package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/webchat-proxy/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:         "127.0.0.1",
		Port:         8000,
		DatabasePath: filepath.Join(t.TempDir(), "data", "chat.db"),
		CORSOrigins:  "http://localhost:3000",
	}
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Store().Close() })
	return s
}

func TestRootAndHealth(t *testing.T) {
	s := newServer(t, testConfig(t))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var root map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, "webchat-proxy", root["name"])
	assert.Equal(t, "running", root["status"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	// Unknown paths fall through to a 404, not the root descriptor.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIRoutesMounted(t *testing.T) {
	s := newServer(t, testConfig(t))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/gateways", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCORSApplied(t *testing.T) {
	s := newServer(t, testConfig(t))

	req := httptest.NewRequest("GET", "/api/gateways", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSeedDefaultGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultGatewayURL = "ws://127.0.0.1:1"
	s := newServer(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.seedDefaultGateway(ctx))
	gateways, err := s.Store().ListGateways(ctx)
	require.NoError(t, err)
	require.Len(t, gateways, 1)
	assert.Equal(t, "default", gateways[0].ID)
	assert.Equal(t, "ws://127.0.0.1:1", gateways[0].URL)

	// Seeding is a no-op once any gateway exists.
	require.NoError(t, s.seedDefaultGateway(ctx))
	gateways, err = s.Store().ListGateways(ctx)
	require.NoError(t, err)
	assert.Len(t, gateways, 1)
}

func TestSeedSkippedWithoutURL(t *testing.T) {
	s := newServer(t, testConfig(t))
	require.NoError(t, s.seedDefaultGateway(context.Background()))
	gateways, err := s.Store().ListGateways(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gateways)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = freePort(t)
	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + cfg.ListenAddr() + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err, "server never came up")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
