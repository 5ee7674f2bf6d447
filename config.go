package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/internal/codeflow"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

// DefaultTrustedProxyCount is the number of reverse proxies assumed when TrustProxy is set.
const DefaultTrustedProxyCount = 1

// Config holds the tenant proxy configuration.
// Structured using composition, zero values are secure defaults.
type Config struct {
	// Issuer is the public base URL of this server, e.g. https://mcp.example.com.
	// It controls HSTS on responses.
	Issuer string

	// Tenant configures tenant capture, resolution and verification
	Tenant TenantConfig

	// Flow configures the authorization-code flow in front of the provider
	Flow FlowConfig

	// RateLimit configures per-IP limiting of the callback, token and protected endpoints
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TenantConfig holds tenant correlation settings.
type TenantConfig struct {
	// TenantParam is the callback query parameter carrying the tenant id (default "realmId").
	TenantParam string

	// CorrelationTTL is how long state and code correlations live (default 600s).
	CorrelationTTL time.Duration

	// RequiredScopes are reported as the scopes of verified tokens.
	RequiredScopes []string

	// FailClosedOnTimeout rejects tokens when the provider does not answer in
	// time. Default: false (timeouts yield tenant-less claims).
	FailClosedOnTimeout bool

	// SingleTenantFallback resolves unindexed tokens to the first stored binding.
	// Only correct for single-tenant deployments. Default: false.
	SingleTenantFallback bool
}

// FlowConfig holds authorization-code flow settings.
type FlowConfig struct {
	// CodeTTL is how long pending requests and issued codes remain valid (default 10m).
	CodeTTL time.Duration

	// RequirePKCE rejects authorization requests without an S256 code challenge.
	RequirePKCE bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server (default 1).
	TrustedProxyCount int
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for refresh token encryption at rest.
	// Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	EnableAuditLogging bool
}

// applyDefaults fills unset fields. It does not modify the caller's copy.
func (c Config) applyDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tenant.TenantParam == "" {
		c.Tenant.TenantParam = tenant.DefaultTenantParam
	}
	if c.Tenant.CorrelationTTL <= 0 {
		c.Tenant.CorrelationTTL = storage.DefaultCorrelationTTL
	}
	if c.Flow.CodeTTL <= 0 {
		c.Flow.CodeTTL = codeflow.DefaultCodeTTL
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = max(1, int(c.RateLimit.Rate)*2)
	}
	return c
}

func (c Config) validate() error {
	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", tenant.ErrConfiguration)
	}
	if n := len(c.Security.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("%w: encryption key must be 32 bytes, got %d", tenant.ErrConfiguration, n)
	}
	if c.Tenant.SingleTenantFallback {
		c.Logger.Warn("Single-tenant fallback enabled: unindexed tokens resolve to the first stored binding")
	}
	if !c.Tenant.FailClosedOnTimeout {
		c.Logger.Warn("Fail-open on verification timeout: tokens are accepted without a tenant when the provider is slow")
	}
	return nil
}
