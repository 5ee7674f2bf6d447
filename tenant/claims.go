package tenant

import (
	"context"
	"fmt"
	"time"
)

// TimeoutFallbackClientID is the client id carried by claims issued when
// verification timed out and FailClosedOnTimeout is not set.
const TimeoutFallbackClientID = "timeout-fallback"

// AccessClaims describes a verified access token.
// An empty TenantID means the caller must re-authenticate before tenant-scoped
// calls; it is not a verification failure.
type AccessClaims struct {
	// Token is the upstream access token, forwarded to business API calls.
	Token string

	ClientID string
	TenantID string

	// Subject is the upstream user id, when the provider returned one.
	Subject string

	Scopes      []string
	ValidatedAt time.Time

	// TimedOut is set when the provider did not answer and the token was let through.
	TimedOut bool

	// Degraded is set when the provider answered with a status other than 200 or 401.
	Degraded bool

	// UpstreamStatus is the userinfo HTTP status, or 0 when no answer arrived.
	UpstreamStatus int
}

// HasTenant reports whether a tenant is bound.
func (c *AccessClaims) HasTenant() bool {
	return c != nil && c.TenantID != ""
}

type contextKey int

const claimsContextKey contextKey = iota

// ContextWithClaims returns a copy of ctx carrying claims.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims stored by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*AccessClaims)
	return claims, ok && claims != nil
}

// RequireTenant returns the verified claims when they carry a tenant.
// Tools call it before any tenant-scoped API request.
func RequireTenant(ctx context.Context) (*AccessClaims, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no verified token in context", ErrAuthentication)
	}
	if !claims.HasTenant() {
		return nil, ErrTenantRequired
	}
	return claims, nil
}
