// Package instrumentation provides OpenTelemetry metrics and tracing for the tenant proxy.
//
// Metrics can be exported in the Prometheus exposition format and traces over OTLP/HTTP:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "mcp-oauth-tenant",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//		TracesExporter:  instrumentation.TracesExporterOTLP,
//		OTLPEndpoint:    "http://otel-collector:4318/v1/traces",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false, no-op providers are used and every Record* helper is
// still safe to call. All helpers on *Metrics are nil-safe as well.
package instrumentation
