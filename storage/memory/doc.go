// Package memory provides an in-memory storage.CorrelationStore.
//
// Expiry is checked on every read and expired entries are removed by a
// background cleanup loop. Nothing survives a restart, so durable bindings
// are only durable for the lifetime of the process; use storage/valkey when
// bindings must outlive the process or be shared between replicas.
//
//	store := memory.New()
//	defer store.Stop()
package memory
