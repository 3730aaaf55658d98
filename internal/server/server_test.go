package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-engine/internal/auth"
	"github.com/sakif/code-engine/internal/service"
)

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// no sandbox: execution is unavailable, everything else works
	engine := service.NewEngine(nil, service.Options{Version: "test"}, logger)
	s := New(cfg, engine, logger)
	t.Cleanup(func() {
		s.stop()
		engine.Close()
	})
	return s.Handler()
}

func request(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: []string{"*"}})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"execute without sandbox", http.MethodPost, "/execute", `{"code":"print(1)"}`, http.StatusServiceUnavailable},
		{"async without sandbox", http.MethodPost, "/execute/async", `{"code":"print(1)"}`, http.StatusServiceUnavailable},
		{"unknown task", http.MethodGet, "/execute/abc", "", http.StatusNotFound},
		{"analyze", http.MethodPost, "/analyze", `{"code":"x = 1\n"}`, http.StatusOK},
		{"diff", http.MethodPost, "/diff", `{"diff":"--- a/a.go\n+++ b/a.go\n"}`, http.StatusOK},
		{"transform", http.MethodPost, "/transform", `{"data":"aGVsbG8=","algorithm":"xxhash"}`, http.StatusOK},
		{"fingerprints", http.MethodPost, "/transform/fingerprints", `{"data":"aGVsbG8="}`, http.StatusOK},
		{"metrics disabled", http.MethodGet, "/metrics", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/analyze", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := request(t, h, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestServer_Health(t *testing.T) {
	h := newTestServer(t, Config{})

	rr := request(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rr.Body.String(), `"version":"test"`)
}

func TestServer_Auth(t *testing.T) {
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", "", time.Hour)
	require.NoError(t, err)
	h := newTestServer(t, Config{Tokens: tokens})

	rr := request(t, h, http.MethodPost, "/analyze", `{"code":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := tokens.Generate("ci")
	require.NoError(t, err)
	rr = request(t, h, http.MethodPost, "/analyze", `{"code":"x"}`,
		http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rr.Code)

	// health stays open for liveness checks
	rr = request(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_RateLimit(t *testing.T) {
	h := newTestServer(t, Config{RateLimitRPS: 0.01, RateLimitBurst: 2})

	for range 2 {
		rr := request(t, h, http.MethodPost, "/analyze", `{"code":"x"}`, nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := request(t, h, http.MethodPost, "/analyze", `{"code":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// health checks are never limited
	rr = request(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestServer(t, Config{Registry: reg})

	request(t, h, http.MethodPost, "/analyze", `{"code":"x"}`, nil)

	rr := request(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `codeengine_http_requests_total{code="200",method="post"} 1`)
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: []string{"http://app.example"}})

	rr := request(t, h, http.MethodOptions, "/execute", "", http.Header{
		"Origin":                        {"http://app.example"},
		"Access-Control-Request-Method": {"POST"},
	})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
