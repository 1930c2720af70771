package datacollection

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/drblury/taskflow/datacollection"

// TracingBoundaryLogger records boundary traces as OpenTelemetry spans.
type TracingBoundaryLogger struct {
	tracer trace.Tracer
}

// NewTracingBoundaryLogger uses provider, or the global provider when nil.
func NewTracingBoundaryLogger(provider trace.TracerProvider) *TracingBoundaryLogger {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingBoundaryLogger{tracer: provider.Tracer(tracerName)}
}

func (l *TracingBoundaryLogger) BoundaryLog(ctx context.Context, tr BoundaryTrace) error {
	kind := trace.SpanKindConsumer
	if tr.Direction == BoundarySend {
		kind = trace.SpanKindProducer
	}
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if !tr.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(tr.Time))
	}
	_, span := l.tracer.Start(ctx, "taskflow.boundary."+string(tr.Direction), opts...)
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", tr.Transport),
		attribute.String("messaging.destination.name", tr.Topic),
		attribute.String("taskflow.channel", tr.ChannelID),
		attribute.String("taskflow.payload_id", tr.PayloadID),
		attribute.String("taskflow.correlation_id", tr.CorrelationID),
		attribute.String("taskflow.message_type", tr.MessageType),
		attribute.String("taskflow.action", tr.Action),
		attribute.String("taskflow.originator", tr.Originator),
		attribute.Int("messaging.message.body.size", tr.Size),
	)
	if tr.Err != nil {
		span.RecordError(tr.Err)
		span.SetStatus(codes.Error, tr.Err.Error())
	}
	return nil
}
