package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var teapot = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte("tea"))
})

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := chimiddleware.RequestID(Logger(logger)(teapot))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	out := buf.String()
	assert.Contains(t, out, `"path":"/healthz"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"bytes":3`)
	assert.Contains(t, out, `"request_id"`)
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, 2)
	now := time.Now()
	rl.now = func() time.Time { return now }

	allowed, _ := rl.Allow("a")
	assert.True(t, allowed)
	allowed, _ = rl.Allow("a")
	assert.True(t, allowed)

	allowed, retry := rl.Allow("a")
	assert.False(t, allowed, "burst exhausted")
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Second)

	allowed, _ = rl.Allow("b")
	assert.True(t, allowed, "buckets are per caller")

	now = now.Add(time.Second)
	allowed, _ = rl.Allow("a")
	assert.True(t, allowed, "bucket refills")
}

func TestRateLimiter_Sweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(visitorIdle + time.Second)
	rl.Allow("busy")
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "idle")
	assert.Contains(t, rl.visitors, "busy")
}

func TestRateLimiter_Middleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 0.5, 1).Middleware(teapot)

	req := httptest.NewRequest(http.MethodPost, "/execute", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTeapot, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	// another port on the same host shares the bucket
	req.RemoteAddr = "10.0.0.1:6000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"wildcard", []string{"*"}, http.MethodPost, "http://a.example", false, http.StatusTeapot, "*"},
		{"listed origin", []string{"http://a.example"}, http.MethodPost, "http://a.example", false, http.StatusTeapot, "http://a.example"},
		{"unlisted origin", []string{"http://a.example"}, http.MethodPost, "http://b.example", false, http.StatusTeapot, ""},
		{"same origin", nil, http.MethodGet, "", false, http.StatusTeapot, ""},
		{"preflight allowed", []string{"*"}, http.MethodOptions, "http://a.example", true, http.StatusNoContent, "*"},
		{"preflight refused", nil, http.MethodOptions, "http://a.example", true, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/execute", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()
			CORS(tt.origins)(teapot).ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantAllow, rr.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
