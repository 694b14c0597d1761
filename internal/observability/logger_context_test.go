package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	t.Parallel()

	base := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), base)
	assert.NotNil(t, LoggerFromContext(ctx))

	// absent logger falls back to default
	assert.NotNil(t, LoggerFromContext(context.Background()))
	assert.NotNil(t, LoggerFromContext(nil)) //nolint:staticcheck // nil tolerance is part of the contract
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-01H")
	assert.Equal(t, "req-01H", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))

	// empty ids are not stored
	ctx = ContextWithRequestID(context.Background(), "")
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestEvalIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithEvalID(context.Background(), "eval-1")
	assert.Equal(t, "eval-1", EvalIDFromContext(ctx))
	assert.Empty(t, EvalIDFromContext(context.Background()))
}

func TestLoggerFoldsEvalID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := ContextWithLogger(context.Background(), base)
	ctx = ContextWithEvalID(ctx, "eval-42")

	LoggerFromContext(ctx).Info("probe")
	assert.Contains(t, buf.String(), `"eval_id":"eval-42"`)
}
