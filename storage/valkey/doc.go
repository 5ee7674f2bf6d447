// Package valkey provides a Valkey storage backend for the tenant proxy.
//
// Valkey is wire-compatible with Redis, so any Redis deployment reachable
// through REDIS_URL works as well. The Store type implements
// [storage.CorrelationStore] and is the backend to use whenever more than one
// proxy replica runs, since correlation keys written by the replica that
// served the callback must be visible to the replica that serves the token
// exchange.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:tenant:"):
//
//	{prefix}state:{providerState}  -> tenant ID (SET EX, 600s)
//	{prefix}code:{providerCode}    -> tenant ID (SET EX, 600s)
//	{prefix}token:{sha256(token)}  -> client ID (SET EX, token lifetime)
//	{prefix}client:{clientID}      -> JSON binding (no expiry)
//
// Deployments upgrading from the previous release can set KeyPrefix to
// LegacyKeyPrefix to read existing bindings, and rewrite them with the
// migrate-legacy command.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: valkey.DefaultKeyPrefix,
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// ParseURL converts a redis:// or rediss:// URL into a Config.
package valkey
