package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"deployline/internal/config"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	_, span := p.Tracer().Start(context.Background(), "x")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_RejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
}

func TestNewWithSpanProcessor_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p := NewWithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.Tracer().Start(context.Background(), "engine.RegisterDevice")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "engine.RegisterDevice", spans[0].Name)
	require.True(t, p.Enabled())
}
