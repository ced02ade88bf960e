// Package observability provides kernel-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kernel-specific semantic convention attributes.
var (
	// Pack attributes
	AttrPackID    = attribute.Key("rumi.pack.id")
	AttrPackState = attribute.Key("rumi.pack.state")

	// Flow execution attributes
	AttrFlowID = attribute.Key("rumi.flow.id")
	AttrStepID = attribute.Key("rumi.step.id")
	AttrPhase  = attribute.Key("rumi.phase")

	// Egress attributes
	AttrEgressDomain = attribute.Key("rumi.egress.domain")
	AttrEgressPort   = attribute.Key("rumi.egress.port")
	AttrEgressStatus = attribute.Key("rumi.egress.status")

	// Capability attributes
	AttrPermissionID = attribute.Key("rumi.capability.permission_id")
	AttrPrincipalID  = attribute.Key("rumi.capability.principal_id")

	// Container attributes
	AttrContainerID = attribute.Key("rumi.container.id")
)

// FlowStepOperation creates attributes for a single FlowExecutor step.
func FlowStepOperation(flowID, stepID, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFlowID.String(flowID),
		AttrStepID.String(stepID),
		AttrPhase.String(phase),
	}
}

// EgressOperation creates attributes for an EgressBroker request.
func EgressOperation(packID, domain string, port int, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPackID.String(packID),
		AttrEgressDomain.String(domain),
		AttrEgressPort.Int(port),
		AttrEgressStatus.String(status),
	}
}

// CapabilityOperation creates attributes for a CapabilityBroker dispatch.
func CapabilityOperation(principalID, permissionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrPermissionID.String(permissionID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error, if any, on the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
