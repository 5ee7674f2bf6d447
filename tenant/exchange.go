package tenant

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// Coordinator wraps the code flow's exchange and binds the tenant captured at
// callback time to the client. The tenant is resolved only through keys taken
// from the exchanged code's own record, so concurrent flows never see each
// other's tenant.
type Coordinator struct {
	store    storage.CorrelationStore
	codes    CodeStore
	flow     CodeFlow
	bindings *Bindings
	logger   *slog.Logger
	auditor  *security.Auditor
	telemetry
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store storage.CorrelationStore, codes CodeStore, flow CodeFlow, bindings *Bindings, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		codes:    codes,
		flow:     flow,
		bindings: bindings,
		logger:   logger,
	}
}

// SetAuditor sets the security auditor
func (c *Coordinator) SetAuditor(auditor *security.Auditor) {
	c.auditor = auditor
}

// SetInstrumentation enables exchange metrics and spans.
func (c *Coordinator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.telemetry.set(inst)
}

// Exchange redeems code for clientID and records the client binding.
//
// A tenant that cannot be resolved does not fail the exchange: the binding is
// written with an empty tenant so a tenant from an earlier flow is never served.
// When the code flow rejects the exchange the error is returned and the
// correlation entries are left to expire.
func (c *Coordinator) Exchange(ctx context.Context, clientID, code string) (*oauth2.Token, error) {
	ctx, span := c.start(ctx, "tenant.exchange")
	defer span.End()
	instrumentation.AddTenantAttributes(span, clientID, "")

	record, err := c.codes.GetAuthorizationCode(ctx, code)
	if err != nil {
		// The flow makes the final call on unknown codes.
		c.logger.Debug("Authorization code record not found before exchange", "client_id", clientID, "error", err)
		record = nil
	}

	tenantID, resolvedVia := c.resolve(ctx, record)

	token, err := c.flow.ExchangeAuthorizationCode(ctx, clientID, code)
	if err != nil {
		c.metrics.RecordExchange(ctx, "error")
		instrumentation.RecordError(span, err)
		return nil, err
	}
	c.metrics.RecordExchange(ctx, "success")

	if record != nil {
		c.consume(ctx, record)
	}

	if tenantID == "" {
		c.logger.Warn("No tenant correlated with authorization code, binding without tenant",
			"client_id", clientID,
			"error", ErrCorrelationMiss)
		c.metrics.RecordCorrelationMiss(ctx)
		c.auditor.LogCorrelationMiss(clientID)
	} else {
		c.metrics.RecordCorrelationResolved(ctx, resolvedVia)
	}

	refreshToken := token.RefreshToken
	if record != nil && record.UpstreamToken != nil && record.UpstreamToken.RefreshToken != "" {
		refreshToken = record.UpstreamToken.RefreshToken
	}

	if err := c.bindings.BindTenant(ctx, clientID, tenantID, refreshToken); err != nil {
		c.logger.Error("Failed to store client binding", "client_id", clientID, "error", err)
	} else {
		c.auditor.LogTenantBound(clientID, tenantID, resolvedVia)
		c.logger.Info("Bound tenant to client", "client_id", clientID, "tenant_id", tenantID, "resolved_via", resolvedVia)
	}

	if token.AccessToken != "" {
		if err := c.bindings.IndexToken(ctx, token.AccessToken, clientID, token.Expiry); err != nil {
			c.logger.Error("Failed to index access token", "client_id", clientID, "error", err)
		}
	}

	instrumentation.AddTenantAttributes(span, "", tenantID)
	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// resolve looks the tenant up by the record's upstream state, then its upstream code.
// It returns the tenant and the key kind that matched.
func (c *Coordinator) resolve(ctx context.Context, record *AuthorizationCode) (string, string) {
	if record == nil {
		return "", ""
	}

	lookups := []struct {
		kind  string
		value string
		key   string
	}{
		{"state", record.ProviderState, storage.StateKey(record.ProviderState)},
		{"code", record.ProviderCode, storage.CodeKey(record.ProviderCode)},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}

		data, err := c.store.GetTransient(ctx, l.key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("Tenant correlation lookup failed", "kind", l.kind, "error", err)
			}
			continue
		}

		tenantID, err := storage.DecodeTenant(data)
		if err != nil {
			c.logger.Warn("Ignoring undecodable tenant correlation", "kind", l.kind, "error", err)
			continue
		}
		if tenantID == "" {
			c.logger.Debug("Ignoring empty tenant correlation", "kind", l.kind)
			continue
		}
		return tenantID, l.kind
	}

	return "", ""
}

// consume deletes the correlation entries of a redeemed code.
func (c *Coordinator) consume(ctx context.Context, record *AuthorizationCode) {
	var errs []error
	if record.ProviderState != "" {
		if err := c.store.DeleteTransient(ctx, storage.StateKey(record.ProviderState)); err != nil {
			errs = append(errs, err)
		}
	}
	if record.ProviderCode != "" {
		if err := c.store.DeleteTransient(ctx, storage.CodeKey(record.ProviderCode)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Failed to delete tenant correlation, it will expire", "error", err)
	}
}
