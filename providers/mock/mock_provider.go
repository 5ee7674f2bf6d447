// Package mock provides a function-field implementation of providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/providers"
)

var _ providers.Provider = (*MockProvider)(nil)

// MockProvider stands in for the Intuit provider. Each method calls the
// matching *Func field; nil fields fall back to the defaults noted on them.
type MockProvider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCodeFunc fails with an error when nil.
	ExchangeCodeFunc func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// ValidateTokenFunc fails with an error when nil.
	ValidateTokenFunc func(ctx context.Context, accessToken string) (*providers.UserInfo, error)

	// RefreshTokenFunc fails with an error when nil.
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	RevokeTokenFunc func(ctx context.Context, token string) error
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts is keyed by method name. Read it through Calls in concurrent tests.
	CallCounts map[string]int

	mu sync.Mutex
}

// NewMockProvider returns a provider that accepts everything. Exchanges yield
// "mock-access-token"/"mock-refresh-token", refreshes rotate to
// "new-mock-access-token"/"new-mock-refresh-token" and every access token
// belongs to user "mock-user-123".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		ExchangeCodeFunc: func(context.Context, string, string) (*oauth2.Token, error) {
			return intuitToken("mock-access-token", "mock-refresh-token"), nil
		},
		ValidateTokenFunc: func(context.Context, string) (*providers.UserInfo, error) {
			return &providers.UserInfo{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				GivenName:     "Mock",
				FamilyName:    "User",
			}, nil
		},
		RefreshTokenFunc: func(context.Context, string) (*oauth2.Token, error) {
			return intuitToken("new-mock-access-token", "new-mock-refresh-token"), nil
		},
	}
}

// intuitToken mirrors the shape of an Intuit bearer token response.
func intuitToken(access, refresh string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
	return tok.WithExtra(map[string]any{"x_refresh_token_expires_in": float64(8726400)})
}

// record counts a call to method and returns fn as read under the lock.
// The lock is released before fn runs so it may call back into the mock.
func record[F any](m *MockProvider, method string, fn *F) F {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
	return *fn
}

// Calls returns how often method was invoked.
func (m *MockProvider) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// Name defaults to "mock".
func (m *MockProvider) Name() string {
	if fn := record(m, "Name", &m.NameFunc); fn != nil {
		return fn()
	}
	return "mock"
}

// AuthorizationURL defaults to a mock.example.com URL echoing its arguments.
func (m *MockProvider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	if fn := record(m, "AuthorizationURL", &m.AuthorizationURLFunc); fn != nil {
		return fn(state, codeChallenge, codeChallengeMethod)
	}
	q := url.Values{"state": {state}}
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", codeChallengeMethod)
	}
	return "https://mock.example.com/authorize?" + q.Encode()
}

func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	if fn := record(m, "ExchangeCode", &m.ExchangeCodeFunc); fn != nil {
		return fn(ctx, code, codeVerifier)
	}
	return nil, fmt.Errorf("ExchangeCodeFunc not configured")
}

func (m *MockProvider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	if fn := record(m, "ValidateToken", &m.ValidateTokenFunc); fn != nil {
		return fn(ctx, accessToken)
	}
	return nil, fmt.Errorf("ValidateTokenFunc not configured")
}

func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if fn := record(m, "RefreshToken", &m.RefreshTokenFunc); fn != nil {
		return fn(ctx, refreshToken)
	}
	return nil, fmt.Errorf("RefreshTokenFunc not configured")
}

func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	if fn := record(m, "RevokeToken", &m.RevokeTokenFunc); fn != nil {
		return fn(ctx, token)
	}
	return nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) error {
	if fn := record(m, "HealthCheck", &m.HealthCheckFunc); fn != nil {
		return fn(ctx)
	}
	return nil
}
