package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalbox/evalbox/internal/domain"
)

func TestWriteErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid_argument", domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"not_found_wrapped", fmt.Errorf("op=usecase.Status: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"rate_limited", domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"runner_busy", domain.ErrRunnerBusy, http.StatusServiceUnavailable, "RUNNER_BUSY"},
		{"queue_full", domain.ErrQueueFull, http.StatusServiceUnavailable, "OVERLOADED"},
		{"runner_unavailable", domain.ErrRunnerUnavailable, http.StatusBadGateway, "RUNNER_UNAVAILABLE"},
		{"upstream_timeout", domain.ErrUpstreamTimeout, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{"body_too_large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err, nil)
			assert.Equal(t, tc.status, rec.Code)
			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tc.code, env.Error.Code)
			assert.NotEmpty(t, env.Error.Message)
		})
	}
}

func TestNegotiateJSON(t *testing.T) {
	t.Parallel()
	for _, accept := range []string{"", "*/*", "application/json", "text/html, application/json;q=0.9"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		rec := httptest.NewRecorder()
		assert.True(t, negotiateJSON(rec, req), "accept %q should pass", accept)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	assert.False(t, negotiateJSON(rec, req))
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}
