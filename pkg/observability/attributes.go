package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Capability execution attributes.
var (
	AttrCapabilityID = attribute.Key("ccos.capability.id")
	AttrNamespace    = attribute.Key("ccos.capability.namespace")
	AttrPlanID       = attribute.Key("ccos.plan.id")
	AttrOutcome      = attribute.Key("ccos.outcome")
	AttrErrorKind    = attribute.Key("error.kind")
	AttrResource     = attribute.Key("ccos.resource.type")
)

// Values of AttrOutcome.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// CapabilityOperation returns the span attributes of one capability execution.
func CapabilityOperation(capabilityID, namespace, planID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrNamespace.String(namespace),
		AttrPlanID.String(planID),
	}
}

// addSpanEvent adds an event to the span in ctx.
func addSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// setSpanError records err on the span in ctx and marks it failed.
func setSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
