// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics cover the HTTP layer, the OAuth and OPAQUE flows, refresh token
// rotation and storage operations. Traces follow a request from the handler
// through the server into the stores.
//
// # Quick Start
//
//	inst, err := instrumentation.New(ctx, instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "dodeka-oauth",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// With Enabled=false every provider is a no-op, so callers can always record
// without nil checks on the instrumentation's metrics.
package instrumentation
