package intuit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/providers"
)

const (
	testClientID     = "test-client-id"
	testClientSecret = "test-client-secret"
)

func newTestProvider(t *testing.T, server *httptest.Server, mutate func(*Config)) *Provider {
	t.Helper()

	cfg := &Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  "https://mcp.example.com/oauth/callback",
		Endpoints: Endpoints{
			AuthURL:      server.URL + "/connect/oauth2",
			TokenURL:     server.URL + "/tokens/bearer",
			UserInfoURL:  server.URL + "/userinfo",
			RevokeURL:    server.URL + "/revoke",
			DiscoveryURL: server.URL + "/.well-known/openid_configuration",
		},
		HTTPClient: server.Client(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "valid config",
			config: &Config{ClientID: "id", ClientSecret: "secret"},
		},
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name:    "missing client ID",
			config:  &Config{ClientSecret: "secret"},
			wantErr: true,
		},
		{
			name:    "missing client secret",
			config:  &Config{ClientID: "id"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.endpoints.UserInfoURL != UserInfoEndpoint {
				t.Errorf("UserInfoURL = %q, want %q", p.endpoints.UserInfoURL, UserInfoEndpoint)
			}
			if p.config.Endpoint.TokenURL != TokenEndpoint {
				t.Errorf("TokenURL = %q, want %q", p.config.Endpoint.TokenURL, TokenEndpoint)
			}
			if p.validateTimeout != DefaultValidateTimeout {
				t.Errorf("validateTimeout = %v, want %v", p.validateTimeout, DefaultValidateTimeout)
			}
			if p.tokenTimeout != DefaultTokenTimeout {
				t.Errorf("tokenTimeout = %v, want %v", p.tokenTimeout, DefaultTokenTimeout)
			}
			if got := p.Scopes(); len(got) != 1 || got[0] != AccountingScope {
				t.Errorf("Scopes() = %v, want [%s]", got, AccountingScope)
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if got := p.Name(); got != "intuit" {
		t.Errorf("Name() = %q, want %q", got, "intuit")
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  "https://mcp.example.com/oauth/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	raw := p.AuthorizationURL("upstream-state", "challenge", "S256")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}

	if got := u.Scheme + "://" + u.Host + u.Path; got != AuthorizationEndpoint {
		t.Errorf("base URL = %q, want %q", got, AuthorizationEndpoint)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":             testClientID,
		"state":                 "upstream-state",
		"scope":                 AccountingScope,
		"response_type":         "code",
		"redirect_uri":          "https://mcp.example.com/oauth/callback",
		"code_challenge":        "challenge",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}

	plain := p.AuthorizationURL("s", "", "")
	if strings.Contains(plain, "code_challenge") {
		t.Errorf("AuthorizationURL() without PKCE contains code_challenge: %s", plain)
	}
}

func TestProvider_ValidateToken(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantStatus int
		wantID     string
	}{
		{
			name:   "valid token",
			status: http.StatusOK,
			body:   `{"sub":"user-1","email":"owner@example.com","emailVerified":true,"givenName":"Ada"}`,
			wantID: "user-1",
		},
		{
			name:   "valid token without openid scope",
			status: http.StatusOK,
			body:   ``,
		},
		{
			name:   "valid token with non-json body",
			status: http.StatusOK,
			body:   `ok`,
		},
		{
			name:    "expired token",
			status:  http.StatusUnauthorized,
			wantErr: providers.ErrInvalidToken,
		},
		{
			name:       "upstream error",
			status:     http.StatusInternalServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "forbidden",
			status:     http.StatusForbidden,
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/userinfo" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
					t.Errorf("Authorization = %q, want bearer token", got)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := newTestProvider(t, server, nil)
			info, err := p.ValidateToken(context.Background(), "access-token")

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ValidateToken() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantStatus != 0:
				var se *providers.StatusError
				if !errors.As(err, &se) {
					t.Fatalf("ValidateToken() error = %v, want *StatusError", err)
				}
				if se.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.wantStatus)
				}
				if errors.Is(err, providers.ErrInvalidToken) {
					t.Error("non-401 status must not match ErrInvalidToken")
				}
			default:
				if err != nil {
					t.Fatalf("ValidateToken() error = %v", err)
				}
				if info.ID != tt.wantID {
					t.Errorf("ID = %q, want %q", info.ID, tt.wantID)
				}
			}
		})
	}
}

func TestProvider_ValidateToken_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := newTestProvider(t, server, func(c *Config) {
		c.ValidateTimeout = 50 * time.Millisecond
	})

	_, err := p.ValidateToken(context.Background(), "access-token")
	if !errors.Is(err, providers.ErrTimeout) {
		t.Fatalf("ValidateToken() error = %v, want ErrTimeout", err)
	}
	if !providers.IsTimeout(err) {
		t.Error("IsTimeout() = false, want true")
	}
}

func tokenServer(t *testing.T, handle func(w http.ResponseWriter, form url.Values)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/bearer" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			t.Errorf("token request missing basic auth (ok=%v user=%q)", ok, user)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("client_secret") != "" {
			t.Error("client_secret must not be sent in the body")
		}
		handle(w, r.PostForm)
	}))
}

func writeToken(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestProvider_ExchangeCode(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if form.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", form.Get("grant_type"))
		}
		if form.Get("code") != "upstream-code" {
			t.Errorf("code = %q", form.Get("code"))
		}
		writeToken(w, map[string]any{
			"access_token":               "at-1",
			"refresh_token":              "rt-1",
			"token_type":                 "bearer",
			"expires_in":                 3600,
			"x_refresh_token_expires_in": 8726400,
		})
	})
	defer server.Close()

	p := newTestProvider(t, server, nil)
	token, err := p.ExchangeCode(context.Background(), "upstream-code", "")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", token)
	}
	if token.Expiry.IsZero() {
		t.Error("Expiry should be set from expires_in")
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	t.Run("rotated", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
			if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-old" {
				t.Errorf("form = %v", form)
			}
			writeToken(w, map[string]any{
				"access_token":  "at-new",
				"refresh_token": "rt-new",
				"token_type":    "bearer",
				"expires_in":    3600,
			})
		})
		defer server.Close()

		p := newTestProvider(t, server, nil)
		token, err := p.RefreshToken(context.Background(), "rt-old")
		if err != nil {
			t.Fatalf("RefreshToken() error = %v", err)
		}
		if token.AccessToken != "at-new" || token.RefreshToken != "rt-new" {
			t.Errorf("token = %+v", token)
		}
	})

	t.Run("refresh token omitted", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
			writeToken(w, map[string]any{
				"access_token": "at-new",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		})
		defer server.Close()

		p := newTestProvider(t, server, nil)
		token, err := p.RefreshToken(context.Background(), "rt-old")
		if err != nil {
			t.Fatalf("RefreshToken() error = %v", err)
		}
		if token.RefreshToken != "rt-old" {
			t.Errorf("RefreshToken = %q, want previous token kept", token.RefreshToken)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		server := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		})
		defer server.Close()

		p := newTestProvider(t, server, nil)
		_, err := p.RefreshToken(context.Background(), "rt-old")
		if err == nil {
			t.Fatal("RefreshToken() expected error")
		}
		if got := providers.StatusCode(err); got != http.StatusBadRequest {
			t.Errorf("StatusCode(err) = %d, want %d", got, http.StatusBadRequest)
		}
		if providers.IsTimeout(err) {
			t.Error("rejection must not be reported as timeout")
		}
	})
}

func TestProvider_RevokeToken(t *testing.T) {
	gotToken := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/revoke" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("revoke request missing basic auth")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotToken <- body["token"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProvider(t, server, nil)
	if err := p.RevokeToken(context.Background(), "rt-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if got := <-gotToken; got != "rt-1" {
		t.Errorf("revoked token = %q, want %q", got, "rt-1")
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"issuer":"https://oauth.platform.intuit.com/op/v1"}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server, nil)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	unhealthy.Store(true)
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error for 503")
	}
}
