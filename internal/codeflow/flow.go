package codeflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/internal/util"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

// DefaultCodeTTL bounds both pending authorization requests and issued codes.
const DefaultCodeTTL = 10 * time.Minute

var (
	// ErrInvalidRequest is returned for malformed authorization requests.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrInvalidGrant is returned when a code is unknown, expired, already
	// redeemed, or presented by another client.
	ErrInvalidGrant = errors.New("invalid_grant")
)

var (
	_ tenant.CodeFlow  = (*Flow)(nil)
	_ tenant.CodeStore = (*Flow)(nil)
)

// Config configures a Flow.
type Config struct {
	// CodeTTL is the lifetime of pending requests and issued codes (default 10m).
	CodeTTL time.Duration

	// RequirePKCE rejects authorization requests without an S256 code challenge.
	RequirePKCE bool
}

// AuthorizeRequest is a client's authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// pendingFlow is stored under flow:{providerState} until the provider calls back.
type pendingFlow struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ClientState         string `json:"client_state"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UpstreamVerifier    string `json:"upstream_verifier"`
}

// issuedCode is stored under authcode:{code} until the client redeems it.
type issuedCode struct {
	ClientID            string        `json:"client_id"`
	RedirectURI         string        `json:"redirect_uri"`
	CodeChallenge       string        `json:"code_challenge,omitempty"`
	CodeChallengeMethod string        `json:"code_challenge_method,omitempty"`
	ProviderState       string        `json:"provider_state"`
	ProviderCode        string        `json:"provider_code"`
	UpstreamToken       *oauth2.Token `json:"upstream_token"`
	ExpiresAt           time.Time     `json:"expires_at"`
}

// Flow runs the authorization-code grant against an upstream provider.
type Flow struct {
	store     storage.CorrelationStore
	provider  providers.Provider
	config    Config
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Flow.
func New(store storage.CorrelationStore, provider providers.Provider, config Config, logger *slog.Logger) *Flow {
	if config.CodeTTL <= 0 {
		config.CodeTTL = DefaultCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		store:    store,
		provider: provider,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetEncryptor encrypts stored flow records, which carry upstream tokens.
func (f *Flow) SetEncryptor(enc *security.Encryptor) {
	f.encryptor = enc
}

// SetAuditor sets the security auditor
func (f *Flow) SetAuditor(auditor *security.Auditor) {
	f.auditor = auditor
}

// SetClock replaces the time source. Intended for tests.
func (f *Flow) SetClock(now func() time.Time) {
	f.now = now
}

// Authorize records a pending request and returns the upstream authorization URL.
// The upstream leg always uses its own S256 verifier.
func (f *Flow) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ClientID == "" {
		return "", fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.State == "" {
		return "", fmt.Errorf("%w: state parameter is required", ErrInvalidRequest)
	}
	if err := validateRedirectURI(req.RedirectURI); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.CodeChallenge == "" && f.config.RequirePKCE {
		return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != PKCEMethodS256 {
		return "", fmt.Errorf("%w: code_challenge_method must be %s", ErrInvalidRequest, PKCEMethodS256)
	}

	providerState := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	pending := pendingFlow{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UpstreamVerifier:    verifier,
	}
	if err := f.put(ctx, storage.FlowKey(providerState), pending); err != nil {
		return "", fmt.Errorf("failed to save authorization request: %w", err)
	}

	f.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationStarted,
		ClientID: req.ClientID,
		Details:  map[string]any{"redirect_uri": req.RedirectURI},
	})

	return f.provider.AuthorizationURL(providerState, oauth2.S256ChallengeFromVerifier(verifier), PKCEMethodS256), nil
}

// HandleCallback completes the upstream leg and redirects to the client with a
// freshly issued code. Unknown states get a 400; upstream failures are
// reported to the client's redirect URI.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	providerState := q.Get("state")

	if providerState == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	var pending pendingFlow
	if err := f.take(ctx, storage.FlowKey(providerState), &pending); err != nil {
		f.logger.Warn("Callback for unknown or expired authorization request",
			"state_prefix", util.SafeTruncate(providerState, util.TokenLogLength), "error", err)
		f.auditor.LogEvent(security.Event{
			Type:    security.EventInvalidProviderCallback,
			Details: map[string]any{"reason": "state_not_found"},
		})
		http.Error(w, "invalid or expired state parameter", http.StatusBadRequest)
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		f.redirectError(w, r, pending, upstreamErr, q.Get("error_description"))
		return
	}

	providerCode := q.Get("code")
	if providerCode == "" {
		f.redirectError(w, r, pending, "invalid_request", "missing authorization code")
		return
	}

	upstream, err := f.provider.ExchangeCode(ctx, providerCode, pending.UpstreamVerifier)
	if err != nil {
		f.logger.Error("Failed to exchange code with provider", "client_id", pending.ClientID, "error", err)
		f.redirectError(w, r, pending, "server_error", "failed to exchange code with provider")
		return
	}

	code := oauth2.GenerateVerifier()
	record := issuedCode{
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ProviderState:       providerState,
		ProviderCode:        providerCode,
		UpstreamToken:       upstream,
		ExpiresAt:           f.now().Add(f.config.CodeTTL),
	}
	if err := f.put(ctx, storage.AuthCodeKey(code), record); err != nil {
		f.logger.Error("Failed to save authorization code", "client_id", pending.ClientID, "error", err)
		f.redirectError(w, r, pending, "server_error", "failed to issue authorization code")
		return
	}

	f.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		ClientID: pending.ClientID,
	})

	redirect(w, r, pending.RedirectURI, url.Values{
		"code":  {code},
		"state": {pending.ClientState},
	})
}

// GetAuthorizationCode returns the record for code without consuming it.
func (f *Flow) GetAuthorizationCode(ctx context.Context, code string) (*tenant.AuthorizationCode, error) {
	if code == "" {
		return nil, ErrInvalidGrant
	}
	var record issuedCode
	if err := f.get(ctx, storage.AuthCodeKey(code), &record); err != nil {
		return nil, err
	}
	return record.toTenant(code), nil
}

// VerifyGrant checks the redirect URI and PKCE verifier presented with code.
// It does not consume the code.
func (f *Flow) VerifyGrant(ctx context.Context, clientID, code, redirectURI, codeVerifier string) error {
	var record issuedCode
	if err := f.get(ctx, storage.AuthCodeKey(code), &record); err != nil {
		return ErrInvalidGrant
	}
	if record.ClientID != clientID || !f.now().Before(record.ExpiresAt) {
		return ErrInvalidGrant
	}
	if redirectURI != "" && redirectURI != record.RedirectURI {
		f.logger.Debug("Authorization code validation failed", "reason", "redirect_uri_mismatch", "client_id", clientID)
		return ErrInvalidGrant
	}
	if err := validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		f.logger.Debug("Authorization code validation failed", "reason", err.Error(), "client_id", clientID)
		f.auditor.LogAuthFailure(code, "", "pkce_validation_failed")
		return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	return nil
}

// ExchangeAuthorizationCode redeems code once and returns the upstream token.
func (f *Flow) ExchangeAuthorizationCode(ctx context.Context, clientID, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, ErrInvalidGrant
	}
	var record issuedCode
	if err := f.take(ctx, storage.AuthCodeKey(code), &record); err != nil {
		f.logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, util.TokenLogLength))
		return nil, ErrInvalidGrant
	}
	if record.ClientID != clientID {
		f.logger.Debug("Authorization code validation failed", "reason", "client_id_mismatch", "client_id", clientID)
		f.auditor.LogAuthFailure(code, "", "client_id_mismatch")
		return nil, ErrInvalidGrant
	}
	if !f.now().Before(record.ExpiresAt) || record.UpstreamToken == nil {
		return nil, ErrInvalidGrant
	}
	token := *record.UpstreamToken
	return &token, nil
}

func (r *issuedCode) toTenant(code string) *tenant.AuthorizationCode {
	return &tenant.AuthorizationCode{
		Code:          code,
		ClientID:      r.ClientID,
		ProviderState: r.ProviderState,
		ProviderCode:  r.ProviderCode,
		UpstreamToken: r.UpstreamToken,
		ExpiresAt:     r.ExpiresAt,
	}
}

func (f *Flow) redirectError(w http.ResponseWriter, r *http.Request, pending pendingFlow, code, description string) {
	f.auditor.LogEvent(security.Event{
		Type:     security.EventInvalidProviderCallback,
		ClientID: pending.ClientID,
		Details:  map[string]any{"error": code},
	})
	params := url.Values{
		"error": {code},
		"state": {pending.ClientState},
	}
	if description != "" {
		params.Set("error_description", description)
	}
	redirect(w, r, pending.RedirectURI, params)
}

func redirect(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (f *Flow) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := f.encryptor.Encrypt(string(data))
	if err != nil {
		return err
	}
	return f.store.PutTransient(ctx, key, []byte(sealed), f.config.CodeTTL)
}

func (f *Flow) get(ctx context.Context, key string, v any) error {
	data, err := f.store.GetTransient(ctx, key)
	if err != nil {
		return err
	}
	return f.decode(data, v)
}

// take consumes a single-use record, atomically when the store supports it.
func (f *Flow) take(ctx context.Context, key string, v any) error {
	var (
		data []byte
		err  error
	)
	if taker, ok := f.store.(storage.Taker); ok {
		data, err = taker.TakeTransient(ctx, key)
	} else {
		data, err = f.store.GetTransient(ctx, key)
		if err == nil {
			if derr := f.store.DeleteTransient(ctx, key); derr != nil {
				f.logger.Warn("Failed to delete consumed record", "error", derr)
			}
		}
	}
	if err != nil {
		return err
	}
	return f.decode(data, v)
}

func (f *Flow) decode(data []byte, v any) error {
	plain, err := f.encryptor.Decrypt(string(data))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plain), v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrMalformedValue, err)
	}
	return nil
}
