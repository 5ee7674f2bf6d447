package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth-tenant/internal/codeflow"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeServerError            = "server_error"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrTemporarilyUnavailable indicates the upstream provider could not be reached
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)

// toOAuthError maps tenant and code flow errors onto OAuth error responses.
// Descriptions never include upstream error text.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, tenant.ErrAuthentication):
		return ErrInvalidToken("The access token is invalid or expired")
	case errors.Is(err, tenant.ErrUpstreamUnavailable):
		return ErrTemporarilyUnavailable("The identity provider is not responding, try again later")
	case errors.Is(err, tenant.ErrTenantRequired):
		return NewOAuthError(ErrorCodeAccessDenied, tenant.ErrTenantRequired.Error(), http.StatusForbidden)
	case errors.Is(err, tenant.ErrRefreshFailed):
		return ErrInvalidGrant("The refresh token was rejected, re-authenticate")
	case errors.Is(err, codeflow.ErrInvalidGrant):
		return ErrInvalidGrant("Authorization code is invalid, expired or already used")
	case errors.Is(err, codeflow.ErrInvalidRequest):
		return ErrInvalidRequest(requestDescription(err))
	default:
		return ErrServerError("Internal server error")
	}
}

// requestDescription strips the sentinel prefix from a codeflow validation error.
func requestDescription(err error) string {
	if desc, ok := strings.CutPrefix(err.Error(), codeflow.ErrInvalidRequest.Error()+": "); ok && desc != "" {
		return desc
	}
	return "Invalid authorization request"
}
