package datacollection

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestPrometheusTelemetryEmit(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel := NewPrometheusTelemetry(registry)
	require.NoError(t, tel.Register())
	require.NoError(t, tel.Register())

	ctx := context.Background()
	require.NoError(t, tel.Emit(ctx, Metric{Name: MetricPayloads, Kind: KindCounter, Value: 1, Labels: map[string]string{"channel": "orders", "outcome": OutcomeSucceeded}}))
	require.NoError(t, tel.Emit(ctx, Metric{Name: MetricPayloads, Kind: KindCounter, Value: 2, Labels: map[string]string{"channel": "orders", "outcome": OutcomeSucceeded}}))
	require.NoError(t, tel.Emit(ctx, Metric{Name: MetricStatistics, Kind: KindGauge, Value: 7, Labels: map[string]string{"statistic": "outstanding"}}))
	require.NoError(t, tel.Emit(ctx, Metric{Name: MetricTaskDuration, Kind: KindDuration, Value: 0.2, Labels: map[string]string{"channel": "orders", "outcome": OutcomeSucceeded}}))

	assert.Equal(t, 3.0, testutil.ToFloat64(tel.Counter(MetricPayloads, "orders", OutcomeSucceeded)))
	assert.Equal(t, 7.0, testutil.ToFloat64(tel.Gauge(MetricStatistics, "", "outstanding")))
	assert.Error(t, tel.Emit(ctx, Metric{Kind: KindCounter, Value: -1}))
	assert.Error(t, tel.Emit(ctx, Metric{Kind: MetricKind(42)}))

	count, err := testutil.GatherAndCount(registry, "taskflow_collector_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	tel.Reset()
	assert.Equal(t, 0.0, testutil.ToFloat64(tel.Counter(MetricPayloads, "orders", OutcomeSucceeded)))
}

func TestPrometheusTelemetryRegisterTwiceAcrossInstances(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, NewPrometheusTelemetry(registry).Start(context.Background()))
	require.NoError(t, NewPrometheusTelemetry(registry).Register())
}

func TestTracingBoundaryLoggerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	logger := NewTracingBoundaryLogger(provider)

	ctx := context.Background()
	require.NoError(t, logger.BoundaryLog(ctx, BoundaryTrace{Direction: BoundaryReceive, ChannelID: "orders", Size: 12}))
	require.NoError(t, logger.BoundaryLog(ctx, BoundaryTrace{Direction: BoundarySend, ChannelID: "replies", Err: errors.New("broker down")}))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "taskflow.boundary.receive", spans[0].Name())
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())
	assert.Equal(t, "taskflow.boundary.send", spans[1].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[1].SpanKind())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}
