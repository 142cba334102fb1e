package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Narrabot spans.
var (
	AttrUserID        = attribute.Key("narrabot.user.id")
	AttrChatID        = attribute.Key("narrabot.chat.id")
	AttrEventType     = attribute.Key("narrabot.event.type")
	AttrCorrelationID = attribute.Key("narrabot.correlation.id")
	AttrFragmentID    = attribute.Key("narrabot.fragment.id")
	AttrMissionID     = attribute.Key("narrabot.mission.id")
	AttrHintID        = attribute.Key("narrabot.hint.id")
	AttrWorkflowID    = attribute.Key("narrabot.workflow.id")
	AttrCommand       = attribute.Key("narrabot.command")
	AttrStore         = attribute.Key("narrabot.store")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway, transport update).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (bus publish, store write, Telegram API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
