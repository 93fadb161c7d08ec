package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestQueryAndRoundTripSpans(t *testing.T) {
	recorder := setupTestTracer(t)

	ctx, query := StartQuerySpan(context.Background(), "fan-out", AttrMapVersion.Int64(3))
	_, rt := StartRoundTripSpan(ctx, "2", AttrAttempts.Int(1))
	RecordSuccess(rt)
	rt.End()
	query.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	rtSpan, querySpan := spans[0], spans[1]

	if querySpan.Name() != "docroute.query fan-out" {
		t.Errorf("unexpected query span name %q", querySpan.Name())
	}
	if got := attrs(querySpan)[AttrRouteKind].AsString(); got != "fan-out" {
		t.Errorf("route kind attribute = %q", got)
	}
	if got := attrs(querySpan)[AttrMapVersion].AsInt64(); got != 3 {
		t.Errorf("map version attribute = %d", got)
	}

	if rtSpan.SpanKind() != trace.SpanKindClient {
		t.Errorf("round trip span should be a client span, got %v", rtSpan.SpanKind())
	}
	if rtSpan.Parent().SpanID() != querySpan.SpanContext().SpanID() {
		t.Error("round trip span must be a child of the query span")
	}
	if got := attrs(rtSpan)[AttrPartition].AsString(); got != "2" {
		t.Errorf("partition attribute = %q", got)
	}
	if rtSpan.Status().Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", rtSpan.Status().Code)
	}
}

func TestWriteSpan_RecordError(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartWriteSpan(context.Background(), "create", "0")
	RecordError(span, errors.New("conflict"))
	RecordError(span, nil)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "docroute.write create" {
		t.Errorf("unexpected span name %q", s.Name())
	}
	if s.Status().Code != codes.Error || s.Status().Description != "conflict" {
		t.Errorf("unexpected status %+v", s.Status())
	}
	if len(s.Events()) != 1 {
		t.Errorf("expected one recorded error event, got %d", len(s.Events()))
	}
	if got := attrs(s)[AttrWriteOp].AsString(); got != "create" {
		t.Errorf("write op attribute = %q", got)
	}
}
