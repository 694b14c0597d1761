package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalbox/evalbox/internal/adapter/blob/memblob"
	"github.com/evalbox/evalbox/internal/adapter/bus/membus"
	httpserver "github.com/evalbox/evalbox/internal/adapter/httpserver"
	"github.com/evalbox/evalbox/internal/adapter/index/memindex"
	"github.com/evalbox/evalbox/internal/adapter/queue/memqueue"
	"github.com/evalbox/evalbox/internal/adapter/store/memstore"
	"github.com/evalbox/evalbox/internal/app"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/usecase"
)

func gatewayConfig() config.Config {
	return config.Config{
		MaxSourceBytes:         1 << 20,
		MaxRequestBytes:        1 << 21,
		MinTimeoutS:            1,
		MaxTimeoutS:            900,
		SupportedLanguages:     []string{"python"},
		PriorityClasses:        []string{"default"},
		SubmitVisibilityGraceS: 10,
		CORSAllowOrigins:       "*",
		RateLimitPerMin:        120,
	}
}

func buildHandler(t *testing.T, cfg config.Config, checks ...httpserver.ReadyCheck) http.Handler {
	t.Helper()
	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(cfg, memqueue.New(), membus.New(), nil),
		usecase.NewQueryService(cfg, memstore.New(), memindex.New()),
		usecase.NewProxyService(memstore.New(), memindex.New(), memblob.New(), nil),
		checks...,
	)
	return app.BuildRouter(cfg, srv)
}

func TestRouterHealthz(t *testing.T) {
	t.Parallel()
	h := buildHandler(t, gatewayConfig())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterMetrics(t *testing.T) {
	t.Parallel()
	h := buildHandler(t, gatewayConfig())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterReadyzDegraded(t *testing.T) {
	t.Parallel()
	bad := httpserver.ReadyCheck{Name: "store", Probe: func(context.Context) error {
		return context.DeadlineExceeded
	}}
	h := buildHandler(t, gatewayConfig(), bad)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store")
}

func TestRouterSubmitThroughChain(t *testing.T) {
	t.Parallel()
	h := buildHandler(t, gatewayConfig())
	body, err := json.Marshal(map[string]any{
		"source_text":  "print('hi')",
		"language_tag": "python",
		"timeout_s":    30,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	var acc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "queued", acc["status"])
}

func TestRouterCORSPreflight(t *testing.T) {
	t.Parallel()
	h := buildHandler(t, gatewayConfig())
	req := httptest.NewRequest(http.MethodOptions, "/eval", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterRateLimitsMutations(t *testing.T) {
	t.Parallel()
	cfg := gatewayConfig()
	cfg.RateLimitPerMin = 2
	h := buildHandler(t, cfg)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader([]byte("{}")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, app.ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		app.ParseOrigins("https://a.example.com, https://b.example.com"))
}
