// Package mock provides a mock storage.CorrelationStore for testing.
package mock

import (
	"context"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// MockCorrelationStore is a map-backed CorrelationStore whose behaviour can be
// overridden per method. TTLs are recorded but never enforced.
type MockCorrelationStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	ttls    map[string]time.Duration

	PutTransientFunc    func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetTransientFunc    func(ctx context.Context, key string) ([]byte, error)
	DeleteTransientFunc func(ctx context.Context, key string) error
	PutDurableFunc      func(ctx context.Context, key string, value []byte) error
	GetDurableFunc      func(ctx context.Context, key string) ([]byte, error)
	ScanPrefixFunc      func(ctx context.Context, prefix string) iter.Seq2[storage.Entry, error]
	PingFunc            func(ctx context.Context) error

	callsMu    sync.Mutex
	CallCounts map[string]int
}

var _ storage.CorrelationStore = (*MockCorrelationStore)(nil)

// NewMockCorrelationStore creates a new mock store with working default implementations.
func NewMockCorrelationStore() *MockCorrelationStore {
	m := &MockCorrelationStore{
		entries:    make(map[string][]byte),
		ttls:       make(map[string]time.Duration),
		CallCounts: make(map[string]int),
	}

	m.PutTransientFunc = func(_ context.Context, key string, value []byte, ttl time.Duration) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.entries[key] = slices.Clone(value)
		m.ttls[key] = ttl
		return nil
	}

	m.GetTransientFunc = func(_ context.Context, key string) ([]byte, error) {
		return m.Get(key)
	}

	m.DeleteTransientFunc = func(_ context.Context, key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, key)
		delete(m.ttls, key)
		return nil
	}

	m.PutDurableFunc = func(_ context.Context, key string, value []byte) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.entries[key] = slices.Clone(value)
		delete(m.ttls, key)
		return nil
	}

	m.GetDurableFunc = func(_ context.Context, key string) ([]byte, error) {
		return m.Get(key)
	}

	m.ScanPrefixFunc = func(_ context.Context, prefix string) iter.Seq2[storage.Entry, error] {
		m.mu.RLock()
		var matched []storage.Entry
		for k, v := range m.entries {
			if strings.HasPrefix(k, prefix) {
				matched = append(matched, storage.Entry{Key: k, Value: slices.Clone(v)})
			}
		}
		m.mu.RUnlock()
		sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

		return func(yield func(storage.Entry, error) bool) {
			for _, e := range matched {
				if !yield(e, nil) {
					return
				}
			}
		}
	}

	m.PingFunc = func(_ context.Context) error { return nil }

	return m
}

func (m *MockCorrelationStore) count(method string) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.CallCounts[method]++
}

// Calls returns how many times method was invoked.
func (m *MockCorrelationStore) Calls(method string) int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.CallCounts[method]
}

// Get reads a key directly, bypassing the function fields and call counts.
func (m *MockCorrelationStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Has reports whether key is present.
func (m *MockCorrelationStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// TTL returns the TTL recorded for a transient key, or zero.
func (m *MockCorrelationStore) TTL(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ttls[key]
}

// Keys returns all stored keys in sorted order.
func (m *MockCorrelationStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MockCorrelationStore) PutTransient(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.count("PutTransient")
	return m.PutTransientFunc(ctx, key, value, ttl)
}

func (m *MockCorrelationStore) GetTransient(ctx context.Context, key string) ([]byte, error) {
	m.count("GetTransient")
	return m.GetTransientFunc(ctx, key)
}

func (m *MockCorrelationStore) DeleteTransient(ctx context.Context, key string) error {
	m.count("DeleteTransient")
	return m.DeleteTransientFunc(ctx, key)
}

func (m *MockCorrelationStore) PutDurable(ctx context.Context, key string, value []byte) error {
	m.count("PutDurable")
	return m.PutDurableFunc(ctx, key, value)
}

func (m *MockCorrelationStore) GetDurable(ctx context.Context, key string) ([]byte, error) {
	m.count("GetDurable")
	return m.GetDurableFunc(ctx, key)
}

func (m *MockCorrelationStore) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[storage.Entry, error] {
	m.count("ScanPrefix")
	return m.ScanPrefixFunc(ctx, prefix)
}

func (m *MockCorrelationStore) Ping(ctx context.Context) error {
	m.count("Ping")
	return m.PingFunc(ctx)
}
