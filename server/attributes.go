package server

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
)

func errorAttributes(e *Error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(instrumentation.AttrError, e.Code)}
	if e.DebugKey != "" {
		attrs = append(attrs, attribute.String(instrumentation.AttrDebugKey, e.DebugKey))
	}
	return attrs
}
