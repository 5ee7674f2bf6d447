// Package tenant binds the tenant id an identity provider returns on its
// authorization callback to the OAuth client that redeems the resulting code,
// and resolves it again whenever that client presents an access token.
//
// The flow has four stages:
//
//   - CallbackHandler records the tenant under the upstream state and code
//     before the generic code flow handles the callback.
//   - Coordinator resolves the tenant through the keys held in the redeemed
//     code's record and writes the durable client binding plus an index from
//     the issued access token to the client.
//   - Verifier validates opaque tokens with the provider and reads the tenant
//     through the token index. The result travels as AccessClaims in the
//     request context; RequireTenant rejects sessions without a tenant.
//   - Refresher runs refresh grants and persists rotated refresh tokens.
//
// Every lookup on the request path is keyed by a value the caller already
// holds. Scans are used only by MigrateLegacyBindings and the opt-in
// single-tenant fallback.
package tenant
