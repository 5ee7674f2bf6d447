package tenant

import "errors"

var (
	// ErrAuthentication means the token is invalid or could not be validated.
	// Requests carrying it are rejected with 401.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCorrelationMiss means no tenant could be resolved for a code exchange.
	// Exchange never returns it; it is logged, audited and counted.
	ErrCorrelationMiss = errors.New("no tenant correlated with authorization code")

	// ErrTenantRequired is returned by RequireTenant when the session has no tenant bound.
	ErrTenantRequired = errors.New("no company is bound to this session, re-authenticate to select one")

	// ErrUpstreamUnavailable means the provider did not answer in time or at all.
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

	// ErrRefreshFailed means the provider rejected a refresh grant or no refresh token is stored.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrConfiguration means required configuration, such as app credentials, is missing.
	ErrConfiguration = errors.New("invalid configuration")
)
