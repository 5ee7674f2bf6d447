package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Key namespaces. Every key written by this module starts with one of these,
// below the backend's own configurable prefix.
const (
	// KindState keys transient tenant ids by the upstream state value.
	KindState = "state:"

	// KindCode keys transient tenant ids by the upstream authorization code.
	KindCode = "code:"

	// KindClient keys durable client bindings by OAuth client id.
	KindClient = "client:"

	// KindToken keys the access-token index (hashed token -> client id).
	KindToken = "token:"

	// KindFlow keys pending authorization requests by upstream state.
	KindFlow = "flow:"

	// KindAuthCode keys authorization codes issued to clients.
	KindAuthCode = "authcode:"
)

// DefaultCorrelationTTL is how long state and code correlations live unconsumed.
const DefaultCorrelationTTL = 600 * time.Second

// MaxKeyLength bounds keys so that oversized upstream parameters cannot be
// used to bloat the store.
const MaxKeyLength = 1024

var (
	// ErrNotFound is returned when a key is absent or has expired.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid key")
)

// Entry is a single key/value pair produced by ScanPrefix.
// Key is relative to the store prefix, e.g. "client:abc".
type Entry struct {
	Key   string
	Value []byte
}

// CorrelationStore is a keyed map with per-key TTL, independent of backend.
// All methods accept context.Context for tracing and cancellation.
//
// Implementations must be safe for concurrent use. No ordering is guaranteed
// between concurrent writers; callers look entries up by keys they already hold.
type CorrelationStore interface {
	// PutTransient stores value under key, expiring after ttl.
	PutTransient(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetTransient returns the value for key or ErrNotFound.
	GetTransient(ctx context.Context, key string) ([]byte, error)

	// DeleteTransient removes key. Deleting a missing key is not an error.
	DeleteTransient(ctx context.Context, key string) error

	// PutDurable stores value under key without expiry, replacing any prior value.
	PutDurable(ctx context.Context, key string, value []byte) error

	// GetDurable returns the value for key or ErrNotFound.
	GetDurable(ctx context.Context, key string) ([]byte, error)

	// ScanPrefix lazily iterates entries whose key starts with prefix.
	// Scans are best-effort and not consistent under concurrent writers;
	// they are only used for maintenance and explicitly configured fallbacks.
	ScanPrefix(ctx context.Context, prefix string) iter.Seq2[Entry, error]

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Taker is implemented by stores that can read and delete a transient key in
// one step. Single-use records are consumed through it when available.
type Taker interface {
	// TakeTransient returns the value for key and deletes it, or ErrNotFound.
	TakeTransient(ctx context.Context, key string) ([]byte, error)
}

// StateKey returns the transient key for an upstream state value.
func StateKey(state string) string { return KindState + state }

// CodeKey returns the transient key for an upstream authorization code.
func CodeKey(code string) string { return KindCode + code }

// ClientKey returns the durable key for a client binding.
func ClientKey(clientID string) string { return KindClient + clientID }

// TokenKey returns the index key for a hashed access token.
func TokenKey(tokenHash string) string { return KindToken + tokenHash }

// FlowKey returns the transient key for a pending authorization request.
func FlowKey(providerState string) string { return KindFlow + providerState }

// AuthCodeKey returns the transient key for an issued authorization code.
func AuthCodeKey(code string) string { return KindAuthCode + code }

// ValidateKey rejects empty and oversized keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}
