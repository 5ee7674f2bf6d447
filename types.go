package oauth

import "time"

// TokenResponse is the token endpoint success body (RFC 6749 Section 5.1).
// The tokens are the provider's own; this server issues no tokens of its own.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// SessionResponse describes a verified access token. TenantID is empty when
// the client must re-authenticate to select a company.
type SessionResponse struct {
	ClientID       string    `json:"client_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	Subject        string    `json:"sub,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
	ValidatedAt    time.Time `json:"validated_at"`
	TimedOut       bool      `json:"timed_out,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
}
