package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Same(t, before, otel.GetTracerProvider())
}

func TestSetup_InstallsGlobalProvider(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed here.
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		ServiceName: "abbey-test",
	})
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok, "expected the SDK provider to be installed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestNewProvider_ExportsWithServiceResource(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(Config{ServiceName: "abbey", ServiceVersion: "0.1.0", SampleRate: 1},
		sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "lifecycle.Run")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "lifecycle.Run", spans[0].Name)

	attrs := spans[0].Resource.Attributes()
	assert.Contains(t, attrs, semconv.ServiceName("abbey"))
	assert.Contains(t, attrs, semconv.ServiceVersion("0.1.0"))
}

func TestNewProvider_Sampling(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want int
	}{
		{name: "always", rate: 1, want: 1},
		{name: "above one", rate: 3, want: 1},
		{name: "never", rate: 0, want: 0},
		{name: "negative", rate: -1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := tracetest.NewInMemoryExporter()
			tp, err := NewProvider(Config{SampleRate: tt.rate}, sdktrace.WithSyncer(exporter))
			require.NoError(t, err)

			_, span := tp.Tracer("test").Start(context.Background(), "span")
			span.End()
			assert.Len(t, exporter.GetSpans(), tt.want)
		})
	}
}

func TestServiceNameDefault(t *testing.T) {
	assert.Equal(t, "abbey", serviceName(Config{}))
	assert.Equal(t, "custom", serviceName(Config{ServiceName: "custom"}))
}
