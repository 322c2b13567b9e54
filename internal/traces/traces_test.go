package traces

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "risk.test", ReferrerID(7), Stage("bot_detection"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "risk.test", ended[0].Name())

	attrs := map[string]any{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.EqualValues(t, 7, attrs["referral.referrer_id"])
	assert.Equal(t, "bot_detection", attrs["risk.stage"])
}
