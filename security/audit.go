// Package security provides at-rest encryption, audit logging, rate limiting
// and request hygiene helpers for the tenant proxy.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation counts audit events by type.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ClientID  string
	TenantID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. Nil auditors are no-ops.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"tenant_id", event.TenantID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	a.metrics.RecordAuditEvent(context.Background(), event.Type)
}

// LogTenantCaptured logs a tenant id recorded from a callback.
// Only the presence of state and code is logged, never their values.
func (a *Auditor) LogTenantCaptured(tenantID, ipAddress string, hasState, hasCode bool) {
	a.LogEvent(Event{
		Type:      EventTenantCaptured,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"state_present": hasState,
			"code_present":  hasCode,
		},
	})
}

// LogTenantMissing logs a callback without a tenant id
func (a *Auditor) LogTenantMissing(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTenantMissingOnCallback,
		IPAddress: ipAddress,
	})
}

// LogTenantBound logs a binding write. via is the key kind that resolved the tenant, or "" on a miss.
func (a *Auditor) LogTenantBound(clientID, tenantID, via string) {
	a.LogEvent(Event{
		Type:     EventTenantBound,
		ClientID: clientID,
		TenantID: tenantID,
		Details: map[string]any{
			"resolved_via": via,
		},
	})
}

// LogCorrelationMiss logs a code exchange without a resolvable tenant
func (a *Auditor) LogCorrelationMiss(clientID string) {
	a.LogEvent(Event{
		Type:     EventCorrelationMiss,
		ClientID: clientID,
	})
}

// LogTokenRefreshed logs a successful upstream refresh
func (a *Auditor) LogTokenRefreshed(clientID, tenantID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		ClientID: clientID,
		TenantID: tenantID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a failed upstream refresh
func (a *Auditor) LogRefreshFailed(clientID, tenantID, reason string) {
	a.LogEvent(Event{
		Type:     EventRefreshFailed,
		ClientID: clientID,
		TenantID: tenantID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs a rejected token. The token is only logged as a short hash.
func (a *Auditor) LogAuthFailure(token, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_hash": hashForLogging(token),
			"reason":     reason,
		},
	})
}

// LogFailOpen logs a verification that timed out and was let through without a tenant
func (a *Auditor) LogFailOpen(token, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventVerificationFailOpen,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_hash": hashForLogging(token),
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a short SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
