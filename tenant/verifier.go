package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/util"
	"github.com/giantswarm/mcp-oauth-tenant/providers"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// VerifierConfig configures the Verifier.
type VerifierConfig struct {
	// RequiredScopes are reported as the token's scopes.
	RequiredScopes []string

	// FailClosedOnTimeout rejects tokens with ErrUpstreamUnavailable when the
	// provider does not answer in time. By default they pass without a tenant.
	FailClosedOnTimeout bool

	// SingleTenantFallback resolves tokens missing from the token index to the
	// first stored binding. Only correct when exactly one tenant is ever bound.
	SingleTenantFallback bool
}

// Verifier validates opaque access tokens against the provider and attaches
// the tenant bound to the issuing client.
type Verifier struct {
	provider providers.Provider
	bindings *Bindings
	config   VerifierConfig
	logger   *slog.Logger
	auditor  *security.Auditor
	now      func() time.Time
	telemetry
}

// NewVerifier creates a Verifier.
func NewVerifier(provider providers.Provider, bindings *Bindings, config VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		provider: provider,
		bindings: bindings,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetAuditor sets the security auditor
func (v *Verifier) SetAuditor(auditor *security.Auditor) {
	v.auditor = auditor
}

// SetInstrumentation enables verification metrics and spans.
func (v *Verifier) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Verify validates token with the provider and resolves its tenant.
//
// A 401 from the provider yields ErrAuthentication without touching the store.
// Other non-200 answers are trusted in degraded mode. A timeout yields
// tenant-less claims, or ErrUpstreamUnavailable when FailClosedOnTimeout is set.
// Every other failure yields ErrAuthentication.
func (v *Verifier) Verify(ctx context.Context, token string) (*AccessClaims, error) {
	start := time.Now()
	ctx, span := v.start(ctx, "tenant.verify")
	defer span.End()

	outcome := instrumentation.VerifyOutcomeValid
	defer func() {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrVerifyOutcome, outcome))
		v.metrics.RecordVerification(ctx, outcome, float64(time.Since(start).Microseconds())/1000)
	}()

	if token == "" {
		outcome = instrumentation.VerifyOutcomeInvalid
		return nil, fmt.Errorf("%w: empty token", ErrAuthentication)
	}

	claims := &AccessClaims{
		Token:          token,
		Scopes:         slices.Clone(v.config.RequiredScopes),
		ValidatedAt:    v.now().UTC(),
		UpstreamStatus: http.StatusOK,
	}

	userInfo, err := v.provider.ValidateToken(ctx, token)
	switch {
	case err == nil:
		if userInfo != nil {
			claims.Subject = userInfo.ID
		}

	case errors.Is(err, providers.ErrInvalidToken):
		outcome = instrumentation.VerifyOutcomeInvalid
		v.logger.Debug("Provider rejected token", "token_prefix", util.SafeTruncate(token, util.TokenLogLength))
		v.auditor.LogAuthFailure(token, "", "provider returned 401")
		instrumentation.SetSpanError(span, "token rejected")
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)

	case providers.IsTimeout(err):
		return v.timedOut(span, claims, err, &outcome)

	case providers.StatusCode(err) != 0:
		claims.Degraded = true
		claims.UpstreamStatus = providers.StatusCode(err)
		v.logger.Warn("Userinfo endpoint returned unexpected status, continuing in degraded mode",
			"status", claims.UpstreamStatus)
		v.auditor.LogEvent(security.Event{
			Type:    security.EventVerificationDegraded,
			Details: map[string]any{"status": claims.UpstreamStatus},
		})

	default:
		outcome = instrumentation.VerifyOutcomeError
		v.logger.Error("Token verification failed", "error", err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	outcome = v.resolve(ctx, claims)
	if claims.Degraded && outcome == instrumentation.VerifyOutcomeValid {
		outcome = instrumentation.VerifyOutcomeDegraded
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrDegraded, claims.Degraded))
	instrumentation.AddTenantAttributes(span, claims.ClientID, claims.TenantID)
	instrumentation.SetSpanSuccess(span)
	return claims, nil
}

func (v *Verifier) timedOut(span trace.Span, claims *AccessClaims, err error, outcome *string) (*AccessClaims, error) {
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTimedOut, true))

	if v.config.FailClosedOnTimeout {
		*outcome = instrumentation.VerifyOutcomeUnavailable
		v.logger.Warn("Token verification timed out, rejecting", "error", err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	*outcome = instrumentation.VerifyOutcomeFailOpen
	v.logger.Warn("Token verification timed out, allowing without tenant")
	v.auditor.LogFailOpen(claims.Token, "")

	claims.ClientID = TimeoutFallbackClientID
	claims.TimedOut = true
	claims.UpstreamStatus = 0
	return claims, nil
}

// resolve fills ClientID and TenantID from the token index and the client binding.
// Store failures leave the tenant empty; they never fail verification.
func (v *Verifier) resolve(ctx context.Context, claims *AccessClaims) string {
	clientID, err := v.bindings.LookupToken(ctx, claims.Token)
	switch {
	case err == nil:
		claims.ClientID = clientID

	case errors.Is(err, storage.ErrNotFound) && v.config.SingleTenantFallback:
		binding, ferr := v.bindings.First(ctx)
		if ferr != nil {
			v.logger.Warn("Single-tenant fallback found no binding", "error", ferr)
			return instrumentation.VerifyOutcomeNoTenant
		}
		v.logger.Warn("Token not indexed, using first stored binding (single-tenant fallback)",
			"client_id", binding.ClientID)
		v.auditor.LogEvent(security.Event{
			Type:     security.EventSingleTenantFallback,
			ClientID: binding.ClientID,
			TenantID: binding.TenantID,
		})
		claims.ClientID = binding.ClientID
		claims.TenantID = binding.TenantID
		if claims.TenantID == "" {
			return instrumentation.VerifyOutcomeNoTenant
		}
		return instrumentation.VerifyOutcomeScanFallback

	case errors.Is(err, storage.ErrNotFound):
		v.logger.Debug("Token not indexed, no tenant available",
			"token_prefix", util.SafeTruncate(claims.Token, util.TokenLogLength))
		return instrumentation.VerifyOutcomeNoTenant

	default:
		v.logger.Error("Token index lookup failed", "error", err)
		return instrumentation.VerifyOutcomeNoTenant
	}

	tenantID, err := v.bindings.ResolveTenant(ctx, clientID)
	if err != nil {
		v.logger.Error("Client binding lookup failed", "client_id", clientID, "error", err)
		return instrumentation.VerifyOutcomeNoTenant
	}
	claims.TenantID = tenantID
	if tenantID == "" {
		v.logger.Warn("No tenant bound to client, tenant-scoped calls will require re-authentication",
			"client_id", clientID)
		return instrumentation.VerifyOutcomeNoTenant
	}
	return instrumentation.VerifyOutcomeValid
}
