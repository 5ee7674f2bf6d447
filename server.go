package oauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/codeflow"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

// Health status values reported by Server.Health.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// Server wires the tenant components to a provider and a correlation store.
// It is transport-agnostic; Handler exposes it over HTTP.
type Server struct {
	provider providers.Provider
	store    storage.CorrelationStore
	config   Config
	logger   *slog.Logger

	encryptor   *security.Encryptor
	auditor     *security.Auditor
	rateLimiter *security.RateLimiter

	flow        *codeflow.Flow
	bindings    *tenant.Bindings
	callback    *tenant.CallbackHandler
	coordinator *tenant.Coordinator
	verifier    *tenant.Verifier
	refresher   *tenant.Refresher

	instrumentation *instrumentation.Instrumentation
}

// instrumentable is implemented by components that accept instrumentation,
// such as the Intuit provider and the storage backends.
type instrumentable interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// NewServer creates a Server. A missing provider or store, or an invalid
// configuration, yields tenant.ErrConfiguration.
func NewServer(provider providers.Provider, store storage.CorrelationStore, config Config) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", tenant.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: correlation store is required", tenant.ErrConfiguration)
	}

	config = config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.Logger

	encryptor, err := security.NewEncryptor(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tenant.ErrConfiguration, err)
	}
	if !encryptor.IsEnabled() {
		logger.Warn("Refresh token encryption at rest is disabled, configure an encryption key")
	}

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)

	s := &Server{
		provider:  provider,
		store:     store,
		config:    config,
		logger:    logger,
		encryptor: encryptor,
		auditor:   auditor,
	}

	if config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	s.flow = codeflow.New(store, provider, codeflow.Config{
		CodeTTL:     config.Flow.CodeTTL,
		RequirePKCE: config.Flow.RequirePKCE,
	}, logger)
	s.flow.SetEncryptor(encryptor)
	s.flow.SetAuditor(auditor)

	s.bindings = tenant.NewBindings(store, encryptor, logger)

	s.callback = tenant.NewCallbackHandler(store, s.flow, tenant.CallbackConfig{
		TenantParam:       config.Tenant.TenantParam,
		CorrelationTTL:    config.Tenant.CorrelationTTL,
		TrustProxy:        config.RateLimit.TrustProxy,
		TrustedProxyCount: config.RateLimit.TrustedProxyCount,
	}, logger)
	s.callback.SetAuditor(auditor)

	s.coordinator = tenant.NewCoordinator(store, s.flow, s.flow, s.bindings, logger)
	s.coordinator.SetAuditor(auditor)

	s.verifier = tenant.NewVerifier(provider, s.bindings, tenant.VerifierConfig{
		RequiredScopes:       config.Tenant.RequiredScopes,
		FailClosedOnTimeout:  config.Tenant.FailClosedOnTimeout,
		SingleTenantFallback: config.Tenant.SingleTenantFallback,
	}, logger)
	s.verifier.SetAuditor(auditor)

	s.refresher = tenant.NewRefresher(provider, s.bindings, logger)
	s.refresher.SetAuditor(auditor)

	logger.Info("Tenant OAuth server initialized",
		"provider", provider.Name(),
		"tenant_param", config.Tenant.TenantParam,
		"correlation_ttl", config.Tenant.CorrelationTTL,
		"fail_closed_on_timeout", config.Tenant.FailClosedOnTimeout,
		"single_tenant_fallback", config.Tenant.SingleTenantFallback,
		"encryption", encryptor.IsEnabled(),
		"rate_limit", config.RateLimit.Rate)

	return s, nil
}

// SetInstrumentation enables metrics and tracing on every component,
// the provider and the store included when they support it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.auditor.SetInstrumentation(inst)
	s.bindings.SetInstrumentation(inst)
	s.callback.SetInstrumentation(inst)
	s.coordinator.SetInstrumentation(inst)
	s.verifier.SetInstrumentation(inst)
	s.refresher.SetInstrumentation(inst)

	if p, ok := s.provider.(instrumentable); ok {
		p.SetInstrumentation(inst)
	}
	if st, ok := s.store.(instrumentable); ok {
		st.SetInstrumentation(inst)
	}
}

// Bindings returns the client binding facade for collaborators such as tool handlers.
func (s *Server) Bindings() *tenant.Bindings {
	return s.bindings
}

// Verifier returns the token verifier.
func (s *Server) Verifier() *tenant.Verifier {
	return s.verifier
}

// Refresher returns the token refresher.
func (s *Server) Refresher() *tenant.Refresher {
	return s.refresher
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Storage  string `json:"storage"`
}

// Health reports store connectivity. The provider is not probed.
func (s *Server) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:   HealthStatusHealthy,
		Provider: s.provider.Name(),
		Storage:  "connected",
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Correlation store health check failed", "error", err)
		report.Status = HealthStatusDegraded
		report.Storage = "unreachable"
	}
	return report
}

// Shutdown stops background goroutines owned by the server.
// The store and provider are owned by the caller.
func (s *Server) Shutdown(_ context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info("Tenant OAuth server stopped")
	return nil
}
