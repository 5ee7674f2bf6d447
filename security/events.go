package security

// Event type constants for security audit logging.
const (
	// Tenant correlation events

	// EventTenantCaptured is logged when a callback carried a tenant id that was recorded
	EventTenantCaptured = "tenant_captured"

	// EventTenantMissingOnCallback is logged when the provider callback carried no tenant id
	EventTenantMissingOnCallback = "tenant_missing_on_callback"

	// EventTenantBound is logged when a client binding is written after a code exchange
	EventTenantBound = "tenant_bound"

	// EventCorrelationMiss is logged when no tenant could be resolved for a code exchange
	EventCorrelationMiss = "correlation_miss"

	// EventSingleTenantFallback is logged when the verifier resolved a binding by scan
	EventSingleTenantFallback = "single_tenant_fallback"

	// EventBindingMigrated is logged when a legacy binding is rewritten canonically
	EventBindingMigrated = "binding_migrated"

	// Authorization flow events

	// EventAuthorizationStarted is logged when a client authorization request is forwarded upstream
	EventAuthorizationStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when a code is issued to a client after the upstream callback
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Token lifecycle events

	// EventTokenRefreshed is logged when the upstream refresh grant succeeded
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshFailed is logged when the upstream refresh grant failed
	EventRefreshFailed = "refresh_failed"

	// EventTokenRevoked is logged when an upstream grant was revoked and the binding cleared
	EventTokenRevoked = "token_revoked"

	// Verification events

	// EventAuthFailure is logged when a presented token is rejected
	EventAuthFailure = "auth_failure"

	// EventVerificationFailOpen is logged when verification timed out and the request was let through
	EventVerificationFailOpen = "verification_fail_open"

	// EventVerificationDegraded is logged when upstream answered with an unexpected status
	EventVerificationDegraded = "verification_degraded"

	// Security violation events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidProviderCallback is logged when the provider redirected back with an error
	EventInvalidProviderCallback = "invalid_provider_callback"
)
