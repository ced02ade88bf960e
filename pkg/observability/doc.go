// Package observability provides OpenTelemetry tracing and metrics for the
// kernel process. cmd/rumikernel creates the provider at startup when
// RUMI_OTLP_ENDPOINT is set; the Flow executor, the container runner and
// the egress broker do not call into this package.
//
// Initialize at process startup:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "rumikernel",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//	})
//	defer provider.Shutdown(ctx)
//
// Track an operation end-to-end (span + RED metrics) with one call:
//
//	ctx, done := provider.TrackOperation(ctx, "flow.execute",
//		observability.FlowStepOperation(flowID, stepID, phase)...)
//	defer done(err)
package observability
