package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider defines the interface for the upstream OAuth identity provider whose
// tokens the proxy issues and verifies. Access tokens are treated as opaque and
// can only be validated by a live call to the provider.
type Provider interface {
	// Name returns the provider name (e.g., "intuit")
	Name() string

	// AuthorizationURL generates the URL to redirect users for authentication.
	// codeChallenge and codeChallengeMethod are for PKCE (pass empty strings to disable).
	AuthorizationURL(state string, codeChallenge string, codeChallengeMethod string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// codeVerifier is for PKCE verification (pass empty string if not using PKCE).
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error)

	// ValidateToken validates an access token against the provider's userinfo
	// endpoint. It returns ErrInvalidToken when the provider rejects the token,
	// a *StatusError for any other non-200 answer and an error matching
	// ErrTimeout when the provider did not answer in time.
	ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error)

	// RefreshToken runs the refresh_token grant. Providers that rotate refresh
	// tokens return the new one in the result.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable.
	// Returns nil if the provider is healthy, or an error describing the issue.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// GivenName is the user's first name
	GivenName string

	// FamilyName is the user's last name
	FamilyName string

	// PhoneNumber is the user's phone number, if the phone scope was granted
	PhoneNumber string
}
