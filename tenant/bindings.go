package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/util"
	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// DefaultTokenIndexTTL is used when an access token carries no expiry.
const DefaultTokenIndexTTL = time.Hour

// Bindings reads and writes client bindings and the access-token index.
// Refresh tokens are encrypted at rest when an enabled Encryptor is set.
type Bindings struct {
	store     storage.CorrelationStore
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time
	telemetry
}

// NewBindings creates a Bindings over store. encryptor may be nil.
func NewBindings(store storage.CorrelationStore, encryptor *security.Encryptor, logger *slog.Logger) *Bindings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bindings{
		store:     store,
		encryptor: encryptor,
		logger:    logger,
		now:       time.Now,
	}
}

// SetInstrumentation enables migration metrics and spans.
func (b *Bindings) SetInstrumentation(inst *instrumentation.Instrumentation) {
	b.telemetry.set(inst)
}

// SetClock replaces the time source used for UpdatedAt. Intended for tests.
func (b *Bindings) SetClock(now func() time.Time) {
	b.now = now
}

// ResolveTenant returns the tenant bound to clientID, or "" when the client has
// no binding or was bound without a tenant.
func (b *Bindings) ResolveTenant(ctx context.Context, clientID string) (string, error) {
	binding, err := b.Get(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return binding.TenantID, nil
}

// BindTenant replaces the binding for clientID. tenantID may be empty, which
// overwrites any tenant left by an earlier flow.
func (b *Bindings) BindTenant(ctx context.Context, clientID, tenantID, refreshToken string) error {
	if clientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}

	binding := &storage.ClientBinding{
		ClientID:  clientID,
		TenantID:  tenantID,
		UpdatedAt: b.now().UTC(),
	}

	if refreshToken != "" {
		stored, err := b.encryptor.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		binding.RefreshToken = stored
		binding.RefreshTokenEncrypted = b.encryptor.IsEnabled()
	}

	data, err := storage.EncodeBinding(binding)
	if err != nil {
		return err
	}
	if err := b.store.PutDurable(ctx, storage.ClientKey(clientID), data); err != nil {
		return fmt.Errorf("failed to store binding: %w", err)
	}

	b.logger.Debug("Stored client binding",
		"client_id", clientID,
		"tenant_id", tenantID,
		"has_refresh_token", refreshToken != "")
	return nil
}

// Get returns the binding for clientID with the refresh token in plaintext.
// It returns storage.ErrNotFound when the client has no binding.
func (b *Bindings) Get(ctx context.Context, clientID string) (*storage.ClientBinding, error) {
	if clientID == "" {
		return nil, storage.ErrNotFound
	}
	data, err := b.store.GetDurable(ctx, storage.ClientKey(clientID))
	if err != nil {
		return nil, err
	}
	return b.decode(clientID, data)
}

func (b *Bindings) decode(clientID string, data []byte) (*storage.ClientBinding, error) {
	binding, err := storage.DecodeBinding(clientID, data)
	if err != nil {
		return nil, err
	}
	if binding.RefreshTokenEncrypted {
		if !b.encryptor.IsEnabled() {
			return nil, fmt.Errorf("binding for client %s holds an encrypted refresh token but no key is configured", clientID)
		}
		plain, err := b.encryptor.Decrypt(binding.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token for client %s: %w", clientID, err)
		}
		binding.RefreshToken = plain
		binding.RefreshTokenEncrypted = false
	}
	return binding, nil
}

// IndexToken maps accessToken to clientID until expiry. A zero or past expiry
// uses DefaultTokenIndexTTL. Only a hash of the token is stored.
func (b *Bindings) IndexToken(ctx context.Context, accessToken, clientID string, expiry time.Time) error {
	if accessToken == "" || clientID == "" {
		return fmt.Errorf("access token and client id are required")
	}

	ttl := DefaultTokenIndexTTL
	if !expiry.IsZero() {
		if remaining := expiry.Sub(b.now()); remaining > 0 {
			ttl = remaining
		}
	}

	if err := b.store.PutTransient(ctx, storage.TokenKey(util.HashToken(accessToken)), []byte(clientID), ttl); err != nil {
		return fmt.Errorf("failed to index access token: %w", err)
	}
	return nil
}

// LookupToken returns the client an access token was issued to, or storage.ErrNotFound.
func (b *Bindings) LookupToken(ctx context.Context, accessToken string) (string, error) {
	if accessToken == "" {
		return "", storage.ErrNotFound
	}
	data, err := b.store.GetTransient(ctx, storage.TokenKey(util.HashToken(accessToken)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// First returns the first decodable binding found by a scan. It exists only for
// single-tenant deployments that opt into the scan fallback.
func (b *Bindings) First(ctx context.Context) (*storage.ClientBinding, error) {
	for entry, err := range b.store.ScanPrefix(ctx, storage.KindClient) {
		if err != nil {
			return nil, err
		}
		clientID := strings.TrimPrefix(entry.Key, storage.KindClient)
		binding, err := b.decode(clientID, entry.Value)
		if err != nil {
			b.logger.Warn("Skipping undecodable binding", "client_id", clientID, "error", err)
			continue
		}
		return binding, nil
	}
	return nil, storage.ErrNotFound
}

// MigrationResult summarizes a MigrateLegacyBindings run.
type MigrationResult struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failed   int
}

// MigrateLegacyBindings rewrites every client binding found in source in the
// canonical encoding into this Bindings' store. Canonical records are copied
// unchanged when source is a different store and skipped otherwise. Pass the
// Bindings' own store to migrate in place.
//
// Scans are best-effort, so the command may be re-run until Migrated is zero.
func (b *Bindings) MigrateLegacyBindings(ctx context.Context, source storage.CorrelationStore) (MigrationResult, error) {
	ctx, span := b.start(ctx, "tenant.migrate_legacy_bindings")
	defer span.End()

	var result MigrationResult
	inPlace := source == b.store

	for entry, err := range source.ScanPrefix(ctx, storage.KindClient) {
		if err != nil {
			instrumentation.RecordError(span, err)
			return result, fmt.Errorf("scan failed after %d bindings: %w", result.Scanned, err)
		}
		result.Scanned++
		clientID := strings.TrimPrefix(entry.Key, storage.KindClient)

		legacy, err := storage.DecodeBinding(clientID, entry.Value)
		if err != nil {
			result.Failed++
			b.metrics.RecordBindingMigrated(ctx, "failed")
			b.logger.Warn("Cannot decode binding, leaving it in place", "client_id", clientID, "error", err)
			continue
		}

		if !legacy.IsLegacy() {
			if inPlace {
				result.Skipped++
				b.metrics.RecordBindingMigrated(ctx, "skipped")
				continue
			}
			if err := b.store.PutDurable(ctx, entry.Key, entry.Value); err != nil {
				result.Failed++
				b.metrics.RecordBindingMigrated(ctx, "failed")
				b.logger.Error("Failed to copy binding", "client_id", clientID, "error", err)
				continue
			}
			result.Migrated++
			b.metrics.RecordBindingMigrated(ctx, "copied")
			continue
		}

		if err := b.rewrite(ctx, legacy); err != nil {
			result.Failed++
			b.metrics.RecordBindingMigrated(ctx, "failed")
			b.logger.Error("Failed to migrate binding", "client_id", clientID, "error", err)
			continue
		}
		result.Migrated++
		b.metrics.RecordBindingMigrated(ctx, "migrated")
		b.logger.Info("Migrated legacy binding", "client_id", clientID, "tenant_id", legacy.TenantID)
	}

	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// rewrite stores a legacy binding canonically, keeping its original UpdatedAt.
func (b *Bindings) rewrite(ctx context.Context, legacy *storage.ClientBinding) error {
	binding := &storage.ClientBinding{
		ClientID:  legacy.ClientID,
		TenantID:  legacy.TenantID,
		UpdatedAt: legacy.UpdatedAt,
	}
	if binding.UpdatedAt.IsZero() {
		binding.UpdatedAt = b.now().UTC()
	}
	if legacy.RefreshToken != "" {
		stored, err := b.encryptor.Encrypt(legacy.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		binding.RefreshToken = stored
		binding.RefreshTokenEncrypted = b.encryptor.IsEnabled()
	}

	data, err := storage.EncodeBinding(binding)
	if err != nil {
		return err
	}
	return b.store.PutDurable(ctx, storage.ClientKey(legacy.ClientID), data)
}
