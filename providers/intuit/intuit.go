package intuit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const providerName = "intuit"

// Production endpoints.
const (
	AuthorizationEndpoint = "https://appcenter.intuit.com/connect/oauth2"
	TokenEndpoint         = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	UserInfoEndpoint      = "https://accounts.platform.intuit.com/v1/openid_connect/userinfo"
	RevocationEndpoint    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	DiscoveryEndpoint     = "https://developer.api.intuit.com/.well-known/openid_configuration"
)

// AccountingScope grants access to the QuickBooks Online accounting API.
const AccountingScope = "com.intuit.quickbooks.accounting"

// TenantParam is the callback query parameter carrying the company id.
const TenantParam = "realmId"

const (
	// DefaultValidateTimeout bounds userinfo calls.
	DefaultValidateTimeout = 10 * time.Second

	// DefaultTokenTimeout bounds token endpoint calls.
	DefaultTokenTimeout = 30 * time.Second

	// healthCheckTimeout bounds discovery document fetches.
	healthCheckTimeout = 5 * time.Second

	// maxResponseSize limits how much of a provider response body is read.
	maxResponseSize = 1 << 20
)

// Endpoints overrides the provider URLs, mainly for tests against httptest servers.
// Empty fields use the production endpoints.
type Endpoints struct {
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RevokeURL    string
	DiscoveryURL string
}

// Config holds Intuit OAuth configuration.
type Config struct {
	// ClientID is the Intuit app client ID.
	ClientID string

	// ClientSecret is the Intuit app client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL registered with the app.
	RedirectURL string

	// Scopes defaults to [AccountingScope].
	Scopes []string

	// Endpoints overrides the production URLs.
	Endpoints Endpoints

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// ValidateTimeout bounds userinfo calls (default: 10s).
	ValidateTimeout time.Duration

	// TokenTimeout bounds exchange, refresh and revoke calls (default: 30s).
	TokenTimeout time.Duration

	// Logger is optional (default: slog.Default()).
	Logger *slog.Logger
}

// Provider implements the providers.Provider interface for Intuit.
type Provider struct {
	config          *oauth2.Config
	endpoints       Endpoints
	httpClient      *http.Client
	validateTimeout time.Duration
	tokenTimeout    time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewProvider creates a new Intuit OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{AccountingScope}
	}

	endpoints := cfg.Endpoints
	if endpoints.AuthURL == "" {
		endpoints.AuthURL = AuthorizationEndpoint
	}
	if endpoints.TokenURL == "" {
		endpoints.TokenURL = TokenEndpoint
	}
	if endpoints.UserInfoURL == "" {
		endpoints.UserInfoURL = UserInfoEndpoint
	}
	if endpoints.RevokeURL == "" {
		endpoints.RevokeURL = RevocationEndpoint
	}
	if endpoints.DiscoveryURL == "" {
		endpoints.DiscoveryURL = DiscoveryEndpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	validateTimeout := cfg.ValidateTimeout
	if validateTimeout <= 0 {
		validateTimeout = DefaultValidateTimeout
	}
	tokenTimeout := cfg.TokenTimeout
	if tokenTimeout <= 0 {
		tokenTimeout = DefaultTokenTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		endpoints:       endpoints,
		httpClient:      httpClient,
		validateTimeout: validateTimeout,
		tokenTimeout:    tokenTimeout,
		logger:          logger,
	}, nil
}

// SetInstrumentation records provider API call metrics.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Scopes returns the configured scopes.
func (p *Provider) Scopes() []string {
	return append([]string(nil), p.config.Scopes...)
}

// AuthorizationURL generates the Intuit authorization URL.
func (p *Provider) AuthorizationURL(state string, codeChallenge string, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	start := time.Now()
	token, err := providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, p.tokenTimeout, code, codeVerifier)
	p.record(ctx, "exchange_code", providers.StatusCode(err), start, err)
	return token, err
}

// userInfoResponse is the Intuit OpenID userinfo payload.
type userInfoResponse struct {
	Sub                 string `json:"sub"`
	Email               string `json:"email"`
	EmailVerified       bool   `json:"emailVerified"`
	GivenName           string `json:"givenName"`
	FamilyName          string `json:"familyName"`
	PhoneNumber         string `json:"phoneNumber"`
	PhoneNumberVerified bool   `json:"phoneNumberVerified"`
}

// ValidateToken validates an opaque access token by calling the userinfo endpoint.
// Tokens granted without the openid scope still answer 200 with an empty body,
// so a body that does not decode is not an error.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		err = providers.WrapTransportError("userinfo request", err)
		p.record(ctx, "validate_token", 0, start, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		p.record(ctx, "validate_token", resp.StatusCode, start, providers.ErrInvalidToken)
		return nil, providers.ErrInvalidToken
	default:
		err := &providers.StatusError{Operation: "userinfo request", StatusCode: resp.StatusCode}
		p.record(ctx, "validate_token", resp.StatusCode, start, err)
		return nil, err
	}

	p.record(ctx, "validate_token", resp.StatusCode, start, nil)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if providers.IsTimeout(err) {
			return nil, providers.WrapTransportError("userinfo response", err)
		}
		p.logger.Debug("Failed to read userinfo body", "error", err)
		return &providers.UserInfo{}, nil
	}

	var info userInfoResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &info); err != nil {
			p.logger.Debug("Userinfo body is not JSON", "error", err)
		}
	}

	return &providers.UserInfo{
		ID:            info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		GivenName:     info.GivenName,
		FamilyName:    info.FamilyName,
		PhoneNumber:   info.PhoneNumber,
	}, nil
}

// RefreshToken runs the refresh_token grant with HTTP basic client authentication.
// Intuit rotates refresh tokens, so callers must persist the returned one.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	start := time.Now()
	token, err := providers.RefreshWithClient(ctx, p.config, p.httpClient, p.tokenTimeout, refreshToken)
	p.record(ctx, "refresh_token", providers.StatusCode(err), start, err)
	return token, err
}

// RevokeToken revokes an access or refresh token.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.tokenTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("failed to encode revoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.RevokeURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		err = providers.WrapTransportError("revoke request", err)
		p.record(ctx, "revoke_token", 0, start, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := &providers.StatusError{Operation: "token revocation", StatusCode: resp.StatusCode}
		p.record(ctx, "revoke_token", resp.StatusCode, start, err)
		return err
	}

	p.record(ctx, "revoke_token", resp.StatusCode, start, nil)
	return nil
}

// HealthCheck fetches the OpenID discovery document.
//
// Do not expose error details to untrusted clients.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.DiscoveryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.WrapTransportError("intuit unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &providers.StatusError{Operation: "intuit health check", StatusCode: resp.StatusCode}
	}
	return nil
}

func (p *Provider) record(ctx context.Context, operation string, statusCode int, start time.Time, err error) {
	if p.instrumentation == nil {
		return
	}
	// Annotates the caller's span; the provider opens none of its own.
	instrumentation.AddProviderAttributes(trace.SpanFromContext(ctx), providerName, operation)
	p.instrumentation.Metrics().RecordProviderAPICall(ctx, providerName, operation, statusCode,
		float64(time.Since(start).Microseconds())/1000, err)
}
