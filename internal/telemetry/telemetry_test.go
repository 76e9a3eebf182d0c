package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/wardenlabs/warden/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Same(t, before, otel.GetTracerProvider(), "disabled setup must not touch the global provider")
}

func TestSetupEnabledWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Insecure: true,
	})
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok, "global provider replaced by SDK provider")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx), "shutdown with no buffered spans is clean")
}
