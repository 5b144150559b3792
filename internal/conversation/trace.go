package conversation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func traceAttr(key, value string) trace.EventOption {
	return trace.WithAttributes(attribute.String(key, value))
}
