package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relay spans and metrics.
var (
	AttrConnID    = attribute.Key("aesterisk.conn.id")
	AttrRole      = attribute.Key("aesterisk.role")
	AttrPrincipal = attribute.Key("aesterisk.principal")
	AttrNode      = attribute.Key("aesterisk.node")
	AttrEvent     = attribute.Key("aesterisk.event")
	AttrPacket    = attribute.Key("aesterisk.packet")
	AttrReason    = attribute.Key("aesterisk.reason")
	AttrRemote    = attribute.Key("aesterisk.remote")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound connection.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound connection (agent to relay).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
