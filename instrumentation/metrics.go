package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Verification outcomes recorded by RecordVerification
const (
	VerifyOutcomeValid        = "valid"
	VerifyOutcomeDegraded     = "degraded"
	VerifyOutcomeInvalid      = "invalid"
	VerifyOutcomeFailOpen     = "fail_open"
	VerifyOutcomeUnavailable  = "unavailable"
	VerifyOutcomeError        = "error"
	VerifyOutcomeNoTenant     = "no_tenant"
	VerifyOutcomeScanFallback = "scan_fallback"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Tenant correlation
	CallbacksTotal        metric.Int64Counter
	CorrelationsWritten   metric.Int64Counter
	CorrelationsResolved  metric.Int64Counter
	CorrelationMisses     metric.Int64Counter
	ExchangesTotal        metric.Int64Counter
	VerificationsTotal    metric.Int64Counter
	VerificationDuration  metric.Float64Histogram
	RefreshesTotal        metric.Int64Counter
	BindingsMigratedTotal metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageEntries           metric.Int64ObservableGauge

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	tenantMeter := inst.Meter("tenant")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.CallbacksTotal, tenantMeter, "tenant.callbacks.total", "Provider callbacks observed, by tenant presence", "{callback}"},
		{&m.CorrelationsWritten, tenantMeter, "tenant.correlations.written", "Transient tenant correlations written, by kind", "{correlation}"},
		{&m.CorrelationsResolved, tenantMeter, "tenant.correlations.resolved", "Tenant correlations resolved during code exchange, by key kind", "{correlation}"},
		{&m.CorrelationMisses, tenantMeter, "tenant.correlations.missed", "Code exchanges whose tenant could not be resolved", "{exchange}"},
		{&m.ExchangesTotal, tenantMeter, "tenant.exchanges.total", "Code exchanges, by result", "{exchange}"},
		{&m.VerificationsTotal, tenantMeter, "tenant.verifications.total", "Token verifications, by outcome", "{verification}"},
		{&m.RefreshesTotal, tenantMeter, "tenant.refreshes.total", "Upstream refresh grants, by result", "{refresh}"},
		{&m.BindingsMigratedTotal, tenantMeter, "tenant.bindings.migrated", "Legacy client bindings rewritten canonically, by result", "{binding}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Number of audit events, by type", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Storage operations, by operation and result", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "provider.api.calls.total", "Upstream provider API calls", "{call}"},
		{&m.ProviderAPIErrors, providerMeter, "provider.api.errors", "Upstream provider API errors", "{error}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.VerificationDuration, tenantMeter, "tenant.verification.duration", "Token verification duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.ProviderAPIDuration, providerMeter, "provider.api.duration", "Upstream provider API call duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = histogram
	}

	var err error
	m.StorageEntries, err = storageMeter.Int64ObservableGauge(
		"storage.entries",
		metric.WithDescription("Current number of entries held by the store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.entries gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, endpoint, and status code
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.String(AttrHTTPStatusCode, strconv.Itoa(statusCode)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCallback records a provider callback and whether it carried a tenant id
func (m *Metrics) RecordCallback(ctx context.Context, tenantPresent bool) {
	if m == nil {
		return
	}
	m.CallbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrTenantPresent, tenantPresent),
	))
}

// RecordCorrelationWritten records a transient correlation write ("state" or "code")
func (m *Metrics) RecordCorrelationWritten(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.CorrelationsWritten.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCorrelationKind, kind),
	))
}

// RecordCorrelationResolved records which key kind resolved a tenant at exchange time
func (m *Metrics) RecordCorrelationResolved(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.CorrelationsResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCorrelationKind, kind),
	))
}

// RecordCorrelationMiss records a code exchange without a resolvable tenant
func (m *Metrics) RecordCorrelationMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.CorrelationMisses.Add(ctx, 1)
}

// RecordExchange records the result of a code exchange ("success" or "error")
func (m *Metrics) RecordExchange(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.ExchangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResult, result),
	))
}

// RecordVerification records a token verification outcome (see VerifyOutcome*)
func (m *Metrics) RecordVerification(ctx context.Context, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrVerifyOutcome, outcome))
	m.VerificationsTotal.Add(ctx, 1, attrs)
	m.VerificationDuration.Record(ctx, durationMs, attrs)
}

// RecordRefresh records an upstream refresh grant and whether the refresh token rotated
func (m *Metrics) RecordRefresh(ctx context.Context, result string, rotated bool) {
	if m == nil {
		return
	}
	m.RefreshesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResult, result),
		attribute.Bool(AttrTokenRotated, rotated),
	))
}

// RecordBindingMigrated records one legacy binding processed by the migration
func (m *Metrics) RecordBindingMigrated(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.BindingsMigratedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResult, result),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimiterType, limiterType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
	))
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPICall records an upstream call. statusCode is 0 when no response arrived.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
		attribute.String(AttrProviderStatus, strconv.Itoa(statusCode)),
	)
	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, attrs)
	}
}
