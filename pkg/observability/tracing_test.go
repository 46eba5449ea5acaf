package observability

import (
	"bytes"
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

func TestProcessTracer_Iteration(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	pt := NewProcessTracerWithProvider(tp, "SQL ETL", "orders")
	_, span := pt.StartIteration(context.Background(), 3)
	span.SetAttribute("etl.extracted", 10)
	span.SetAttribute("etl.last_loaded", uint64(42))
	span.End(nil)

	_, failed := pt.StartIteration(context.Background(), 4)
	failed.End(errors.New("sink down"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "SQL ETL.orders.iteration", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("etl.extracted", 10))
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("etl.last_loaded", 42))
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("etl.iteration", 3))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "sink down", spans[1].Status().Description)
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(TracingConfig{ServiceName: "nebula-etl-test", SamplingRate: 1, Writer: &buf})
	require.NoError(t, err)

	_, span := NewProcessTracer("ETL", "init").StartIteration(context.Background(), 1)
	span.End(nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "ETL.init.iteration")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(), sampler(0.5).Description())
}
