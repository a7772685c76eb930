package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
)

// Observer records a span and a storage metric per backend operation.
// The zero value and a nil *Observer do nothing.
type Observer struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewObserver creates an observer for the named backend. inst may be nil.
func NewObserver(backend string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{backend: backend, inst: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Do runs fn as the named operation. ErrNotFound is recorded as a miss.
func (o *Observer) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if o == nil || o.inst == nil {
		return fn(ctx)
	}

	ctx, span := o.tracer.Start(ctx, "storage."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	instrumentation.AddStorageAttributes(span, operation, o.backend)

	start := time.Now()
	err := fn(ctx)

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case errors.Is(err, ErrNotFound):
		result = "miss"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	o.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	return err
}
