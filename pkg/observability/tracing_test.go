package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(DefaultTracingConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingUnsupportedExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.ExporterType = "zipkin"

	_, err := InitTracing(config)
	assert.Error(t, err)
}

func TestStartPartitionSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	t.Run("success", func(t *testing.T) {
		ctx, span := StartPartitionSpan(context.Background(), tracer, "changestream.fetch", "p1",
			attribute.Int("changestream.attempt", 1))
		assert.Len(t, TraceFields(ctx), 2)
		EndSpan(span, nil)
	})

	t.Run("failure", func(t *testing.T) {
		_, span := StartPartitionSpan(context.Background(), tracer, "changestream.fetch", "p2")
		EndSpan(span, errors.New("stream reset"))
	})

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "changestream.fetch", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("changestream.partition_token", "p1"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("changestream.attempt", 1))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "stream reset", spans[1].Status().Description)
}

func TestTraceFieldsWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceFields(context.Background()))
}
