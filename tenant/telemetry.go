package tenant

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
)

// telemetry bundles the metrics and tracer of a component. The zero value records nothing.
type telemetry struct {
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

func (t *telemetry) set(inst *instrumentation.Instrumentation) {
	if inst == nil {
		t.metrics = nil
		t.tracer = nil
		return
	}
	t.metrics = inst.Metrics()
	t.tracer = inst.Tracer("tenant")
}

func (t *telemetry) start(ctx context.Context, name string) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, name)
}
