package tenant

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// DefaultTenantParam is the callback query parameter carrying the tenant id.
const DefaultTenantParam = "realmId"

// maxTenantIDLength bounds tenant ids accepted from the callback query.
const maxTenantIDLength = 256

// CallbackConfig configures the CallbackHandler.
type CallbackConfig struct {
	// TenantParam is the query parameter holding the tenant id (default "realmId").
	TenantParam string

	// CorrelationTTL is how long state and code correlations live (default 600s).
	CorrelationTTL time.Duration

	// TrustProxy enables X-Forwarded-For parsing for audit log client IPs.
	TrustProxy        bool
	TrustedProxyCount int
}

// CallbackHandler captures the tenant id from the provider's callback redirect
// before handing the request to the code flow. It writes the tenant under the
// upstream state and, when present, the upstream code. Store failures are
// logged and never block the redirect.
type CallbackHandler struct {
	store   storage.CorrelationStore
	flow    CodeFlow
	config  CallbackConfig
	logger  *slog.Logger
	auditor *security.Auditor
	telemetry
}

var _ http.Handler = (*CallbackHandler)(nil)

// NewCallbackHandler creates a CallbackHandler delegating to flow.
func NewCallbackHandler(store storage.CorrelationStore, flow CodeFlow, config CallbackConfig, logger *slog.Logger) *CallbackHandler {
	if config.TenantParam == "" {
		config.TenantParam = DefaultTenantParam
	}
	if config.CorrelationTTL <= 0 {
		config.CorrelationTTL = storage.DefaultCorrelationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		store:  store,
		flow:   flow,
		config: config,
		logger: logger,
	}
}

// SetAuditor sets the security auditor
func (h *CallbackHandler) SetAuditor(auditor *security.Auditor) {
	h.auditor = auditor
}

// SetInstrumentation enables callback metrics and spans.
func (h *CallbackHandler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.telemetry.set(inst)
}

// ServeHTTP implements http.Handler.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r.Context(), "tenant.callback")
	defer span.End()

	query := r.URL.Query()
	tenantID := query.Get(h.config.TenantParam)
	state := query.Get("state")
	code := query.Get("code")
	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)

	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrTenantPresent, tenantID != ""),
		attribute.Bool(instrumentation.AttrProviderState, state != ""),
	)

	switch {
	case query.Get("error") != "":
		// The provider denied or failed the authorization; the flow renders it.
		h.logger.Info("Provider callback carried an error",
			"error", query.Get("error"),
			"error_description", query.Get("error_description"))
	case tenantID == "":
		h.logger.Warn("Provider callback missing tenant parameter",
			"param", h.config.TenantParam,
			"ip", clientIP)
		h.auditor.LogTenantMissing(clientIP)
		h.metrics.RecordCallback(ctx, false)
	case len(tenantID) > maxTenantIDLength:
		h.logger.Warn("Ignoring oversized tenant parameter", "length", len(tenantID), "ip", clientIP)
		h.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidProviderCallback,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "tenant parameter too long"},
		})
		h.metrics.RecordCallback(ctx, false)
	default:
		h.capture(ctx, tenantID, state, code)
		h.auditor.LogTenantCaptured(tenantID, clientIP, state != "", code != "")
		h.metrics.RecordCallback(ctx, true)
	}

	h.flow.HandleCallback(w, r.WithContext(ctx))
}

func (h *CallbackHandler) capture(ctx context.Context, tenantID, state, code string) {
	value, err := storage.EncodeTenant(tenantID)
	if err != nil {
		h.logger.Error("Failed to encode tenant id", "error", err)
		return
	}

	if state != "" {
		if err := h.store.PutTransient(ctx, storage.StateKey(state), value, h.config.CorrelationTTL); err != nil {
			h.logger.Error("Failed to store tenant by state", "error", err)
		} else {
			h.metrics.RecordCorrelationWritten(ctx, "state")
		}
	}

	if code != "" {
		if err := h.store.PutTransient(ctx, storage.CodeKey(code), value, h.config.CorrelationTTL); err != nil {
			h.logger.Error("Failed to store tenant by code", "error", err)
		} else {
			h.metrics.RecordCorrelationWritten(ctx, "code")
		}
	}

	h.logger.Info("Captured tenant from provider callback",
		"tenant_id", tenantID,
		"has_state", state != "",
		"has_code", code != "")
}
