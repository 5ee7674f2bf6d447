// Refresh tokens stored in client bindings are encrypted with Encryptor
// (AES-256-GCM). The key comes from configuration or, when none is set, is
// derived from the OAuth client secret with HKDF so that every replica sharing
// the secret can decrypt:
//
//	key, derived, err := security.ResolveKey(os.Getenv("STORAGE_ENCRYPTION_KEY"), clientSecret)
//	enc, err := security.NewEncryptor(key)
//
// Auditor writes security_audit records through slog. Client ids and tenant
// ids are logged as-is; tokens only ever appear as a short SHA-256 prefix.
//
// RateLimiter guards the callback and token endpoints per client IP, as
// resolved by GetClientIP.
package security
