package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "camrelay", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignalRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	ctx, span := TraceSignal(context.Background(), "route_offer", "cam-1", "v1")
	RecordError(ctx, errors.New("no viewer"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.route_offer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var device string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == DeviceIDKey {
			device = kv.Value.AsString()
		}
	}
	assert.Equal(t, "cam-1", device)
}

func TestTraceWebSocketMessageWithoutProvider(t *testing.T) {
	_, span := TraceWebSocketMessage(context.Background(), "offer", "device:cam-1")
	assert.NotNil(t, span)
	span.End()
}
