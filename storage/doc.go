// Package storage defines the correlation store interface, its key namespaces
// and the persistence encoding of tenant correlations and client bindings.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process store for development, tests and single replicas
//   - storage/valkey: Valkey/Redis-compatible store for multi-replica deployments
//   - storage/mock: function-field mock for unit tests
//
// Values are written in a tagged JSON encoding ({"v":1,...}). Values without a
// version tag are read through a compatibility path that understands the
// shapes written by the legacy deployment: bare ids, JSON scalars and objects
// carrying realm_id.
package storage
