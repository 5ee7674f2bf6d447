package tenant

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// Refresher runs upstream refresh grants and persists rotated refresh tokens.
type Refresher struct {
	provider providers.Provider
	bindings *Bindings
	logger   *slog.Logger
	auditor  *security.Auditor
	telemetry
}

// NewRefresher creates a Refresher.
func NewRefresher(provider providers.Provider, bindings *Bindings, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		provider: provider,
		bindings: bindings,
		logger:   logger,
	}
}

// SetAuditor sets the security auditor
func (r *Refresher) SetAuditor(auditor *security.Auditor) {
	r.auditor = auditor
}

// SetInstrumentation enables refresh metrics and spans.
func (r *Refresher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.telemetry.set(inst)
}

// Refresh exchanges refreshToken for a new token and rebinds clientID to
// tenantID with the refresh token the provider returned, or the one sent when
// the provider returned none. The new access token is added to the token index.
//
// Provider rejections yield ErrRefreshFailed. Timeouts, transport failures and
// 5xx answers yield ErrUpstreamUnavailable. Nothing is retried.
func (r *Refresher) Refresh(ctx context.Context, refreshToken, tenantID, clientID string) (*oauth2.Token, error) {
	ctx, span := r.start(ctx, "tenant.refresh")
	defer span.End()
	instrumentation.AddTenantAttributes(span, clientID, tenantID)

	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrRefreshFailed)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	token, err := r.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		err = classifyRefreshError(err)
		r.metrics.RecordRefresh(ctx, "error", false)
		r.auditor.LogRefreshFailed(clientID, tenantID, err.Error())
		r.logger.Error("Upstream token refresh failed", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	rotated := token.RefreshToken != refreshToken

	if err := r.bindings.BindTenant(ctx, clientID, tenantID, token.RefreshToken); err != nil {
		// The provider has already rotated the token; the caller still gets a
		// usable access token, but the next refresh will need a new login.
		r.logger.Error("Failed to persist refreshed token", "client_id", clientID, "rotated", rotated, "error", err)
	}
	if err := r.bindings.IndexToken(ctx, token.AccessToken, clientID, token.Expiry); err != nil {
		r.logger.Error("Failed to index refreshed access token", "client_id", clientID, "error", err)
	}

	r.metrics.RecordRefresh(ctx, "success", rotated)
	r.auditor.LogTokenRefreshed(clientID, tenantID, rotated)
	r.logger.Info("Refreshed upstream token", "client_id", clientID, "rotated", rotated)
	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// RefreshClient refreshes with the refresh token stored in clientID's binding,
// so the most recently rotated value is always used.
func (r *Refresher) RefreshClient(ctx context.Context, clientID string) (*oauth2.Token, error) {
	binding, err := r.bindings.Get(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no binding for client", ErrRefreshFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if binding.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored for client", ErrRefreshFailed)
	}
	return r.Refresh(ctx, binding.RefreshToken, binding.TenantID, clientID)
}

// Revoke revokes token at the provider. Revoking either token ends the whole
// upstream grant, so the owning client's binding is replaced by one without a
// tenant or refresh token. The owner is found through the token index, or is
// clientID when token is the refresh token bound to it.
//
// Tokens the provider rejects as invalid count as revoked. Other provider
// failures yield ErrUpstreamUnavailable and leave the binding untouched.
func (r *Refresher) Revoke(ctx context.Context, token, clientID string) error {
	ctx, span := r.start(ctx, "tenant.revoke")
	defer span.End()

	if token == "" {
		return fmt.Errorf("%w: no token", ErrAuthentication)
	}

	if err := r.provider.RevokeToken(ctx, token); err != nil && providers.StatusCode(err) != http.StatusBadRequest {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		r.logger.Error("Upstream token revocation failed", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		return err
	}

	owner := r.owner(ctx, token, clientID)
	if owner == "" {
		r.logger.Info("Revoked token has no binding", "client_id", clientID)
		instrumentation.SetSpanSuccess(span)
		return nil
	}
	instrumentation.AddTenantAttributes(span, owner, "")

	if err := r.bindings.BindTenant(ctx, owner, "", ""); err != nil {
		r.logger.Error("Failed to clear binding after revocation", "client_id", owner, "error", err)
	}
	r.auditor.LogEvent(security.Event{Type: security.EventTokenRevoked, ClientID: owner})
	r.logger.Info("Revoked upstream grant", "client_id", owner)
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (r *Refresher) owner(ctx context.Context, token, clientID string) string {
	if id, err := r.bindings.LookupToken(ctx, token); err == nil {
		return id
	}
	if clientID == "" {
		return ""
	}
	binding, err := r.bindings.Get(ctx, clientID)
	if err != nil || binding.RefreshToken == "" {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(binding.RefreshToken), []byte(token)) != 1 {
		return ""
	}
	return clientID
}

func classifyRefreshError(err error) error {
	status := providers.StatusCode(err)
	if providers.IsTimeout(err) || status == 0 || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}
