package otel

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestLogTraceFields_NoPanic(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ev := logger.Info()
	LogTraceFields(context.Background())(ev)
}

func TestLogTraceFields_AddsIDsInsideSpan(t *testing.T) {
	shutdown, err := Setup("warden-test", "0.0.1", true)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	tr := Tracer("github.com/leadgov-io/warden/internal/otel/test")
	ctx, span := tr.Start(context.Background(), "test.operation")
	defer span.End()

	traceID, spanID := TraceContextFrom(ctx)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, spanID)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogTraceFields(ctx)).Msg("correlated")
	assert.Contains(t, buf.String(), traceID)
	assert.Contains(t, buf.String(), spanID)
}
