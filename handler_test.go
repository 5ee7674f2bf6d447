package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/internal/testutil"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
	providermock "github.com/giantswarm/mcp-oauth-tenant/providers/mock"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/storage/memory"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

const (
	testRedirectURI = "http://localhost:8765/callback"
	protectedPath   = "/mcp"
)

type testEnv struct {
	server   *Server
	handler  *Handler
	mux      *http.ServeMux
	store    *memory.Store
	provider *providermock.MockProvider
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store := memory.New()
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)

	provider := providermock.NewMockProvider()
	// Each upstream code yields its own token pair so flows can be told apart.
	provider.ExchangeCodeFunc = func(_ context.Context, code, _ string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "at-" + code,
			RefreshToken: "rt-" + code,
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	if cfg.Logger == nil {
		cfg.Logger = testutil.DiscardLogger()
	}
	cfg.Security.EnableAuditLogging = true

	srv, err := NewServer(provider, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := NewHandler(srv, testutil.DiscardLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle(protectedPath, h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := tenant.RequireTenant(r.Context())
		if err != nil {
			h.writeOAuthError(w, toOAuthError(err))
			return
		}
		_ = json.NewEncoder(w).Encode(claims)
	})))

	return &testEnv{server: srv, handler: h, mux: mux, store: store, provider: provider}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCE() pkcePair {
	v := oauth2.GenerateVerifier()
	return pkcePair{verifier: v, challenge: oauth2.S256ChallengeFromVerifier(v)}
}

// authorize starts a flow for clientID and returns the state sent upstream.
func (e *testEnv) authorize(t *testing.T, clientID string, pkce pkcePair) string {
	t.Helper()
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {"client-state-" + clientID},
		"code_challenge":        {pkce.challenge},
		"code_challenge_method": {"S256"},
	}
	rec := e.do(httptest.NewRequest(http.MethodGet, AuthorizationPath+"?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// callback simulates the provider redirect and returns the code issued to the client.
func (e *testEnv) callback(t *testing.T, query url.Values) string {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?"+query.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "callback redirect carried no code: %s", loc)
	return code
}

func (e *testEnv) token(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *testEnv) exchange(t *testing.T, clientID, code string, pkce pkcePair) TokenResponse {
	t.Helper()
	rec := e.token(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {pkce.verifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) call(accessToken string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, protectedPath, nil)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return e.do(req)
}

func decodeClaims(t *testing.T, rec *httptest.ResponseRecorder) tenant.AccessClaims {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claims tenant.AccessClaims
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
	return claims
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandler_StateCorrelation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	pkce := newPKCE()

	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})

	stored, err := env.store.GetTransient(ctx, storage.StateKey(state))
	require.NoError(t, err)
	tenantID, err := storage.DecodeTenant(stored)
	require.NoError(t, err)
	assert.Equal(t, "123", tenantID)

	tokens := env.exchange(t, "c1", code, pkce)
	assert.Equal(t, "at-up-1", tokens.AccessToken)
	assert.Equal(t, "rt-up-1", tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Positive(t, tokens.ExpiresIn)

	_, err = env.store.GetTransient(ctx, storage.StateKey(state))
	assert.ErrorIs(t, err, storage.ErrNotFound, "state correlation is consumed")
	_, err = env.store.GetTransient(ctx, storage.CodeKey("up-1"))
	assert.ErrorIs(t, err, storage.ErrNotFound, "code correlation is consumed")

	got, err := env.server.Bindings().ResolveTenant(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "123", got)

	claims := decodeClaims(t, env.call(tokens.AccessToken))
	assert.Equal(t, "c1", claims.ClientID)
	assert.Equal(t, "123", claims.TenantID)
	assert.Equal(t, "mock-user-123", claims.Subject)
}

func TestHandler_CodeCorrelationFallback(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	pkce := newPKCE()

	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"abc123"}, "realmId": {"456"}})

	// Only the code correlation is left to resolve through.
	require.NoError(t, env.store.DeleteTransient(ctx, storage.StateKey(state)))

	tokens := env.exchange(t, "c1", code, pkce)

	got, err := env.server.Bindings().ResolveTenant(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "456", got)

	_, err = env.store.GetTransient(ctx, storage.CodeKey("abc123"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	claims := decodeClaims(t, env.call(tokens.AccessToken))
	assert.Equal(t, "456", claims.TenantID)
}

func TestHandler_InterleavedFlowsKeepTheirTenants(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	pkceA, pkceB := newPKCE(), newPKCE()

	// Both callbacks land before either exchange.
	stateA := env.authorize(t, "client-a", pkceA)
	stateB := env.authorize(t, "client-b", pkceB)
	codeA := env.callback(t, url.Values{"state": {stateA}, "code": {"up-a"}, "realmId": {"111"}})
	codeB := env.callback(t, url.Values{"state": {stateB}, "code": {"up-b"}, "realmId": {"222"}})

	tokensA := env.exchange(t, "client-a", codeA, pkceA)
	tokensB := env.exchange(t, "client-b", codeB, pkceB)

	for _, tc := range []struct {
		client, tenant, token string
	}{
		{"client-a", "111", tokensA.AccessToken},
		{"client-b", "222", tokensB.AccessToken},
	} {
		got, err := env.server.Bindings().ResolveTenant(ctx, tc.client)
		require.NoError(t, err)
		assert.Equal(t, tc.tenant, got, "binding of %s", tc.client)

		claims := decodeClaims(t, env.call(tc.token))
		assert.Equal(t, tc.client, claims.ClientID)
		assert.Equal(t, tc.tenant, claims.TenantID)
	}
}

func TestHandler_ConcurrentFlows(t *testing.T) {
	env := newTestEnv(t, Config{})
	const flows = 20

	type result struct {
		client, tenant, token string
	}
	results := make([]result, flows)

	var wg sync.WaitGroup
	for i := range flows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", i)
			tenantID := fmt.Sprintf("%d", 1000+i)
			pkce := newPKCE()

			state := env.authorize(t, clientID, pkce)
			code := env.callback(t, url.Values{"state": {state}, "code": {fmt.Sprintf("up-%d", i)}, "realmId": {tenantID}})
			tokens := env.exchange(t, clientID, code, pkce)
			results[i] = result{client: clientID, tenant: tenantID, token: tokens.AccessToken}
		}()
	}
	wg.Wait()

	for _, r := range results {
		claims := decodeClaims(t, env.call(r.token))
		assert.Equal(t, r.client, claims.ClientID)
		assert.Equal(t, r.tenant, claims.TenantID)
	}
}

func TestHandler_CallbackWithoutTenantBindsNoTenant(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// An earlier flow left tenant 999 on the client.
	require.NoError(t, env.server.Bindings().BindTenant(ctx, "c1", "999", "old-rt"))

	pkce := newPKCE()
	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}})
	tokens := env.exchange(t, "c1", code, pkce)

	got, err := env.server.Bindings().ResolveTenant(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got, "stale tenant must not survive a new flow")

	rec := env.call(tokens.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCodeAccessDenied, decodeError(t, rec).Error)
}

func TestHandler_ValidateToken(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		rec := env.call("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		req := httptest.NewRequest(http.MethodPost, protectedPath, nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := env.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("provider rejects token", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.provider.ValidateTokenFunc = func(context.Context, string) (*providers.UserInfo, error) {
			return nil, providers.ErrInvalidToken
		}
		rec := env.call("revoked")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, ErrorCodeInvalidToken, decodeError(t, rec).Error)
	})

	t.Run("timeout fails closed when configured", func(t *testing.T) {
		env := newTestEnv(t, Config{Tenant: TenantConfig{FailClosedOnTimeout: true}})
		env.provider.ValidateTokenFunc = func(context.Context, string) (*providers.UserInfo, error) {
			return nil, providers.WrapTransportError("userinfo", context.DeadlineExceeded)
		}
		rec := env.call("slow")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, ErrorCodeTemporarilyUnavailable, decodeError(t, rec).Error)
	})

	t.Run("timeout fails open by default", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.provider.ValidateTokenFunc = func(context.Context, string) (*providers.UserInfo, error) {
			return nil, providers.WrapTransportError("userinfo", context.DeadlineExceeded)
		}
		// Let through without a tenant, so tenant-scoped handlers still refuse.
		rec := env.call("slow")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("degraded upstream still resolves tenant", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		pkce := newPKCE()
		state := env.authorize(t, "c1", pkce)
		code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})
		tokens := env.exchange(t, "c1", code, pkce)

		env.provider.ValidateTokenFunc = func(context.Context, string) (*providers.UserInfo, error) {
			return nil, &providers.StatusError{Operation: "userinfo", StatusCode: http.StatusBadGateway}
		}
		claims := decodeClaims(t, env.call(tokens.AccessToken))
		assert.Equal(t, "123", claims.TenantID)
		assert.True(t, claims.Degraded)
		assert.Equal(t, http.StatusBadGateway, claims.UpstreamStatus)
	})
}

func TestHandler_RefreshGrant(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	pkce := newPKCE()

	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})
	tokens := env.exchange(t, "c1", code, pkce)

	var presented string
	env.provider.RefreshTokenFunc = func(_ context.Context, refreshToken string) (*oauth2.Token, error) {
		presented = refreshToken
		return &oauth2.Token{AccessToken: "at-rotated", RefreshToken: "rt-rotated", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
	}

	rec := env.token(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"c1"},
		"refresh_token": {tokens.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rt-up-1", presented)

	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.Equal(t, "at-rotated", refreshed.AccessToken)
	assert.Equal(t, "rt-rotated", refreshed.RefreshToken)

	binding, err := env.server.Bindings().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "123", binding.TenantID)
	assert.Equal(t, "rt-rotated", binding.RefreshToken)

	claims := decodeClaims(t, env.call("at-rotated"))
	assert.Equal(t, "123", claims.TenantID)

	// The pre-rotation token is no longer bound to the client.
	rec = env.token(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"c1"},
		"refresh_token": {tokens.RefreshToken},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, rec).Error)
}

func TestHandler_RefreshGrantErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.server.Bindings().BindTenant(ctx, "c1", "123", "rt-1"))

	t.Run("unknown client", func(t *testing.T) {
		rec := env.token(url.Values{"grant_type": {"refresh_token"}, "client_id": {"nobody"}, "refresh_token": {"rt-1"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, rec).Error)
	})

	t.Run("token of another client", func(t *testing.T) {
		require.NoError(t, env.server.Bindings().BindTenant(ctx, "c2", "456", "rt-2"))
		rec := env.token(url.Values{"grant_type": {"refresh_token"}, "client_id": {"c2"}, "refresh_token": {"rt-1"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("binding without refresh token", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		require.NoError(t, env.server.Bindings().BindTenant(ctx, "c5", "123", ""))

		rec := env.token(url.Values{"grant_type": {"refresh_token"}, "client_id": {"c5"}, "refresh_token": {"guessed"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, rec).Error)
		assert.Zero(t, env.provider.Calls("RefreshToken"))
	})

	t.Run("client id from basic auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, TokenPath,
			strings.NewReader(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rt-1"}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("c1", "")
		rec := env.do(req)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("provider rejects", func(t *testing.T) {
		require.NoError(t, env.server.Bindings().BindTenant(ctx, "c3", "789", "rt-3"))
		env.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
			return nil, &providers.StatusError{Operation: "refresh", StatusCode: http.StatusBadRequest}
		}
		rec := env.token(url.Values{"grant_type": {"refresh_token"}, "client_id": {"c3"}, "refresh_token": {"rt-3"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, rec).Error)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		require.NoError(t, env.server.Bindings().BindTenant(ctx, "c4", "789", "rt-4"))
		env.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
			return nil, errors.New("connection refused")
		}
		rec := env.token(url.Values{"grant_type": {"refresh_token"}, "client_id": {"c4"}, "refresh_token": {"rt-4"}})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		binding, err := env.server.Bindings().Get(ctx, "c4")
		require.NoError(t, err)
		assert.Equal(t, "rt-4", binding.RefreshToken)
	})
}

func TestHandler_AuthorizationCodeGrantErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	pkce := newPKCE()
	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})

	tests := []struct {
		name     string
		form     url.Values
		wantCode string
	}{
		{"missing code", url.Values{"client_id": {"c1"}}, ErrorCodeInvalidRequest},
		{"unknown code", url.Values{"client_id": {"c1"}, "code": {"nope"}, "code_verifier": {pkce.verifier}}, ErrorCodeInvalidGrant},
		{"other client", url.Values{"client_id": {"c2"}, "code": {code}, "code_verifier": {pkce.verifier}}, ErrorCodeInvalidGrant},
		{"wrong verifier", url.Values{"client_id": {"c1"}, "code": {code}, "code_verifier": {newPKCE().verifier}}, ErrorCodeInvalidGrant},
		{"redirect mismatch", url.Values{"client_id": {"c1"}, "code": {code}, "code_verifier": {pkce.verifier}, "redirect_uri": {"http://localhost:9999/cb"}}, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.form.Set("grant_type", "authorization_code")
			rec := env.token(tt.form)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error)
		})
	}

	// Rejected attempts do not consume the code.
	env.exchange(t, "c1", code, pkce)

	rec := env.token(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"c1"},
		"code":          {code},
		"code_verifier": {pkce.verifier},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "codes are single use")
	assert.Equal(t, 1, env.provider.Calls("ExchangeCode"), "the upstream code is exchanged once, at the callback")
}

func TestHandler_TokenEndpointRequestErrors(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(httptest.NewRequest(http.MethodGet, TokenPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.token(url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, decodeError(t, rec).Error)
}

func TestHandler_AuthorizationValidation(t *testing.T) {
	env := newTestEnv(t, Config{Flow: FlowConfig{RequirePKCE: true}})

	tests := []struct {
		name  string
		query url.Values
	}{
		{"missing client_id", url.Values{"redirect_uri": {testRedirectURI}, "state": {"s"}}},
		{"missing state", url.Values{"client_id": {"c1"}, "redirect_uri": {testRedirectURI}}},
		{"insecure redirect", url.Values{"client_id": {"c1"}, "redirect_uri": {"http://example.com/cb"}, "state": {"s"}}},
		{"missing challenge", url.Values{"client_id": {"c1"}, "redirect_uri": {testRedirectURI}, "state": {"s"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizationPath+"?"+tt.query.Encode(), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, ErrorCodeInvalidRequest, decodeError(t, rec).Error)
		})
	}
}

func TestHandler_CallbackUnknownState(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?state=forged&code=x&realmId=1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}})

	first := env.token(url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := env.token(url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Equal(t, ErrorCodeRateLimitExceeded, decodeError(t, second).Error)
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Equal(t, "mock", report.Provider)

	rec = env.do(httptest.NewRequest(http.MethodPost, HealthPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatWWWAuthenticate(t *testing.T) {
	got := formatWWWAuthenticate("invalid_token", `bad "token"`)
	assert.Equal(t, `Bearer error="invalid_token", error_description="bad \"token\""`, got)
}

func TestHandler_Session(t *testing.T) {
	env := newTestEnv(t, Config{})
	pkce := newPKCE()
	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})
	tokens := env.exchange(t, "c1", code, pkce)

	req := httptest.NewRequest(http.MethodGet, SessionPath, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "123", rec.Header().Get(TenantHeader))

	var session SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "c1", session.ClientID)
	assert.Equal(t, "123", session.TenantID)
	assert.False(t, session.TimedOut)

	rec = env.do(httptest.NewRequest(http.MethodGet, SessionPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_SessionWithoutTenant(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Unindexed tokens resolve no tenant unless the single-tenant fallback is on.
	req := httptest.NewRequest(http.MethodGet, SessionPath, nil)
	req.Header.Set("Authorization", "Bearer unknown-token")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(TenantHeader))

	var session SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Empty(t, session.TenantID)
}

func TestHandler_SingleTenantFallback(t *testing.T) {
	env := newTestEnv(t, Config{Tenant: TenantConfig{SingleTenantFallback: true}})
	require.NoError(t, env.server.Bindings().BindTenant(context.Background(), "only-client", "777", "rt"))

	claims := decodeClaims(t, env.call("token-from-elsewhere"))
	assert.Equal(t, "777", claims.TenantID)
}

func TestHandler_Revocation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	pkce := newPKCE()
	state := env.authorize(t, "c1", pkce)
	code := env.callback(t, url.Values{"state": {state}, "code": {"up-1"}, "realmId": {"123"}})
	tokens := env.exchange(t, "c1", code, pkce)

	revoke := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, RevocationPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return env.do(req)
	}

	rec := revoke(url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = revoke(url.Values{"token": {tokens.RefreshToken}, "client_id": {"c1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.provider.Calls("RevokeToken"))

	got, err := env.server.Bindings().ResolveTenant(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got, "revocation disconnects the company")

	rec = env.call(tokens.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCodeAccessDenied, decodeError(t, rec).Error)

	env.provider.RevokeTokenFunc = func(context.Context, string) error {
		return errors.New("dial tcp: connection refused")
	}
	rec = revoke(url.Values{"token": {"whatever"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, RevocationPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
