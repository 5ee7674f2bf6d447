// Package codeflow is a small pass-through authorization-code flow in front of
// an upstream provider.
//
// It issues its own authorization codes to clients, checks PKCE and the
// redirect URI on exchange, and hands out the upstream token unchanged, so the
// access token a client later presents is the provider's opaque token. All
// state lives in a storage.CorrelationStore under the "flow:" and "authcode:"
// namespaces, which lets several replicas share one Valkey.
//
// Flow implements tenant.CodeFlow and tenant.CodeStore.
package codeflow
