package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInit_DisabledLeavesGlobals(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(context.Background(), config.TelemetryConfig{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_DefaultsWithoutOptions(t *testing.T) {
	p, err := Init(context.Background(), config.DefaultTelemetryConfig(), WithLogger(nil), WithVersion(""))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestInit_SampleRateOutOfRange(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.5} {
		cfg := config.DefaultTelemetryConfig()
		cfg.Enabled = true
		cfg.SampleRate = rate

		_, err := Init(context.Background(), cfg)
		require.Error(t, err, rate)
		assert.Contains(t, err.Error(), "sample rate")
	}
}

func TestInit_EnabledInstallsSDK(t *testing.T) {
	keepGlobals(t)

	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "queenbee-test"
	cfg.SampleRate = 1

	p, err := Init(context.Background(), cfg,
		WithLogger(zaptest.NewLogger(t)), WithVersion("v1.2.3"), WithInstance("node-a"))
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, sdkTracer := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, sdkMeter := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, sdkTracer)
	assert.True(t, sdkMeter)

	// 没有 collector，导出可能失败，只要求按时返回
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_NilShutdown(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}
