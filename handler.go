package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/codeflow"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

// Endpoint paths registered by RegisterRoutes.
const (
	AuthorizationPath = "/oauth/authorize"
	CallbackPath      = "/oauth/callback"
	TokenPath         = "/oauth/token"
	SessionPath       = "/oauth/session"
	RevocationPath    = "/oauth/revoke"
	HealthPath        = "/health"
)

// TenantHeader carries the resolved tenant on session responses, for
// reverse proxies doing forward authentication.
const TenantHeader = "X-Tenant-ID"

const (
	tokenTypeBearer = "Bearer"

	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"

	// defaultExpiresIn is reported when the upstream token carries no expiry
	defaultExpiresIn = 3600

	// maxFormBytes bounds token request bodies
	maxFormBytes = 64 * 1024
)

// Handler is a thin HTTP adapter for the Server.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler. Call Server.SetInstrumentation first
// to get HTTP spans.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}
	if server.instrumentation != nil {
		h.tracer = server.instrumentation.Tracer("http")
	}
	return h
}

// RegisterRoutes registers the authorization, callback, token and health endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(AuthorizationPath, h.ServeAuthorization)
	mux.HandleFunc(CallbackPath, h.ServeCallback)
	mux.HandleFunc(TokenPath, h.ServeToken)
	mux.HandleFunc(RevocationPath, h.ServeRevocation)
	mux.Handle(SessionPath, h.ValidateToken(http.HandlerFunc(h.ServeSession)))
	mux.HandleFunc(HealthPath, h.ServeHealth)
}

// ValidateToken is middleware that verifies the bearer token with the provider
// and stores the resulting tenant.AccessClaims in the request context.
// Claims without a tenant are passed on; handlers use tenant.RequireTenant.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.verifier.Verify(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
			h.writeOAuthError(w, toOAuthError(err))
			return
		}

		ctx := tenant.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, tokenTypeBearer) || token == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}
	return token, true
}

// ServeAuthorization starts the authorization flow and redirects to the provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization")
	defer span.End()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	req := codeflow.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	authURL, err := h.server.flow.Authorize(ctx, req)
	if err != nil {
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			h.logger.Error("Failed to start authorization flow", "client_id", req.ClientID, "error", err)
		}
		h.recordHTTPMetrics(ctx, "authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the provider callback: the tenant id is captured
// before the code flow completes the redirect back to the client.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.callback")
	defer span.End()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r, h.clientIP(r)) {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	h.server.callback.ServeHTTP(rec, r.WithContext(ctx))

	h.recordHTTPMetrics(ctx, "callback", r.Method, rec.status, startTime)
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrHTTPStatusCode, rec.status))
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r, h.clientIP(r)) {
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case grantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, startTime)
	case grantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, startTime)
	default:
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	ctx, span := h.startSpan(r.Context(), "oauth.http.token_exchange")
	defer span.End()

	clientID := formClientID(r)
	code := r.PostFormValue("code")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, grantTypeAuthorizationCode),
	)

	if code == "" || clientID == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code or client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Parameters 'code' and 'client_id' are required", http.StatusBadRequest)
		return
	}

	if err := h.server.flow.VerifyGrant(ctx, clientID, code, r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier")); err != nil {
		h.logger.Warn("Authorization code grant rejected", "client_id", clientID, "error", err)
		h.failToken(ctx, w, r, span, err, startTime)
		return
	}

	token, err := h.server.coordinator.Exchange(ctx, clientID, code)
	if err != nil {
		h.logger.Error("Failed to exchange authorization code", "client_id", clientID, "error", err)
		h.failToken(ctx, w, r, span, err, startTime)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID)
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, token)
}

// handleRefreshTokenGrant refreshes the upstream token for the client's
// binding. The presented refresh token must be the one currently bound to the
// client, so a client cannot refresh with a token issued to another client.
func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	ctx, span := h.startSpan(r.Context(), "oauth.http.token_refresh")
	defer span.End()

	clientID := formClientID(r)
	refreshToken := r.PostFormValue("refresh_token")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, grantTypeRefreshToken),
	)

	if refreshToken == "" || clientID == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token or client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Parameters 'refresh_token' and 'client_id' are required", http.StatusBadRequest)
		return
	}

	binding, err := h.server.bindings.Get(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = fmt.Errorf("%w: no binding for client", tenant.ErrRefreshFailed)
	case err != nil:
		h.logger.Error("Failed to load client binding", "client_id", clientID, "error", err)
	case subtle.ConstantTimeCompare([]byte(binding.RefreshToken), []byte(refreshToken)) != 1:
		err = fmt.Errorf("%w: refresh token is not bound to client", tenant.ErrRefreshFailed)
	}
	if err != nil {
		h.failToken(ctx, w, r, span, err, startTime)
		return
	}

	token, err := h.server.refresher.Refresh(ctx, refreshToken, binding.TenantID, clientID)
	if err != nil {
		h.failToken(ctx, w, r, span, err, startTime)
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, token)
}

func (h *Handler) failToken(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, err error, startTime time.Time) {
	oauthErr := toOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Token request failed", "request_id", security.GetRequestID(ctx), "error", err)
	}
	h.recordHTTPMetrics(ctx, "token", r.Method, oauthErr.Status, startTime)
	instrumentation.RecordError(span, err)
	h.writeOAuthError(w, oauthErr)
}

// ServeRevocation handles token revocation (RFC 7009). Unknown tokens are
// answered with 200 like revoked ones.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.revocation")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r, h.clientIP(r)) {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil || r.PostFormValue("token") == "" {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Parameter 'token' is required", http.StatusBadRequest)
		return
	}

	clientID := formClientID(r)
	if err := h.server.refresher.Revoke(ctx, r.PostFormValue("token"), clientID); err != nil {
		oauthErr := toOAuthError(err)
		h.logger.Warn("Token revocation failed", "client_id", clientID,
			"request_id", security.GetRequestID(ctx), "error", err)
		h.recordHTTPMetrics(ctx, "revocation", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// ServeSession describes the verified token in the request context. A session
// without a tenant is still a 200; callers decide whether to re-authenticate.
// Must be wrapped by ValidateToken.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := tenant.ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "No verified token", http.StatusUnauthorized)
		return
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	if claims.HasTenant() {
		w.Header().Set(TenantHeader, claims.TenantID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(SessionResponse{
		ClientID:       claims.ClientID,
		TenantID:       claims.TenantID,
		Subject:        claims.Subject,
		Scopes:         claims.Scopes,
		ValidatedAt:    claims.ValidatedAt,
		TimedOut:       claims.TimedOut,
		Degraded:       claims.Degraded,
		UpstreamStatus: claims.UpstreamStatus,
	})
}

// ServeHealth reports store connectivity: 200 when healthy, 503 when degraded.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.server.Health(r.Context())
	status := http.StatusOK
	if report.Status != HealthStatusHealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if inst := h.server.instrumentation; inst != nil {
		inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
		if inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(trace.SpanFromContext(r.Context()), clientIP)
		}
	}
	h.server.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.RateLimit.TrustProxy, h.server.config.RateLimit.TrustedProxyCount)
}

// formClientID returns the client_id form value, falling back to the basic auth username.
func formClientID(r *http.Request) string {
	if clientID := r.PostFormValue("client_id"); clientID != "" {
		return clientID
	}
	if username, _, ok := r.BasicAuth(); ok {
		return username
	}
	return ""
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	expiresIn := int64(defaultExpiresIn)
	if !token.Expiry.IsZero() {
		expiresIn = max(int64(time.Until(token.Expiry).Seconds()), 0)
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	response := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		response.Scope = scope
	} else {
		response.Scope = strings.Join(h.server.config.Tenant.RequiredScopes, " ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds a Bearer challenge, escaping quoted-string values.
func formatWWWAuthenticate(errCode, errorDesc string) string {
	escape := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	params := []string{fmt.Sprintf(`error="%s"`, escape.Replace(errCode))}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escape.Replace(errorDesc)))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, noop.Span{}
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.instrumentation == nil {
		return
	}
	instrumentation.AddHTTPAttributes(trace.SpanFromContext(ctx), method, endpoint, status)
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// statusRecorder captures the status written by a wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}
