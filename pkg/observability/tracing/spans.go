package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by docroute spans.
const InstrumentationName = "github.com/nimburion/docroute"

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants
const (
	// SpanOperationQuery covers a whole query, from classification to the last page.
	SpanOperationQuery SpanOperation = "query"
	// SpanOperationRoundTrip covers one fetch from one physical partition, retries included.
	SpanOperationRoundTrip SpanOperation = "round_trip"
	// SpanOperationWrite covers one document mutation.
	SpanOperationWrite SpanOperation = "write"
)

// Attribute keys shared by docroute spans
const (
	AttrRouteKind    = attribute.Key("docroute.route.kind")
	AttrPartition    = attribute.Key("docroute.partition")
	AttrPartitions   = attribute.Key("docroute.partitions")
	AttrMapVersion   = attribute.Key("docroute.map.version")
	AttrQueryID      = attribute.Key("docroute.query.id")
	AttrAttempts     = attribute.Key("docroute.attempts")
	AttrDocuments    = attribute.Key("docroute.documents")
	AttrRequestUnits = attribute.Key("docroute.request_units")
	AttrWriteOp      = attribute.Key("docroute.write.op")
)

// StartQuerySpan starts the span of a query. kind is the routing class.
func StartQuerySpan(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, fmt.Sprintf("docroute.%s %s", SpanOperationQuery, kind),
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(append([]attribute.KeyValue{AttrRouteKind.String(kind)}, attrs...)...)
	return ctx, span
}

// StartRoundTripSpan starts the client span of a round trip to one partition.
func StartRoundTripSpan(ctx context.Context, partition string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, "docroute."+string(SpanOperationRoundTrip),
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(append([]attribute.KeyValue{AttrPartition.String(partition)}, attrs...)...)
	return ctx, span
}

// StartWriteSpan starts the client span of a document mutation.
func StartWriteSpan(ctx context.Context, op, partition string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, fmt.Sprintf("docroute.%s %s", SpanOperationWrite, op),
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrWriteOp.String(op), AttrPartition.String(partition))
	return ctx, span
}

// RecordError records an error in the current span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
