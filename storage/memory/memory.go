package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = time.Minute

type entry struct {
	value []byte
	// expiresAt is zero for durable entries
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory storage.CorrelationStore.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// size mirrors len(entries) for the storage size gauge without taking the lock
	size atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.CorrelationStore = (*Store)(nil)
	_ storage.Taker            = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// Non-positive intervals use DefaultCleanupInterval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		entries:         make(map[string]entry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and the entry count gauge.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.size.Store(int64(len(s.entries)))
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageSizeCallback(s.size.Load); err != nil {
			logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// PutTransient stores value under key until ttl elapses.
func (s *Store) PutTransient(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "put_transient", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	s.put(key, entry{value: slices.Clone(value), expiresAt: s.now().Add(ttl)})
	return nil
}

// GetTransient returns the live value for key.
func (s *Store) GetTransient(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_transient", time.Now(), &err)

	return s.get(key)
}

// DeleteTransient removes key.
func (s *Store) DeleteTransient(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_transient", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.size.Add(-1)
	}
	return nil
}

// TakeTransient returns the live value for key and removes it under one lock.
func (s *Store) TakeTransient(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "take_transient", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.entries, key)
	s.size.Add(-1)
	if e.expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return e.value, nil
}

// PutDurable stores value under key without expiry, replacing any prior value.
func (s *Store) PutDurable(ctx context.Context, key string, value []byte) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_durable")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "put_durable", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return err
	}

	s.put(key, entry{value: slices.Clone(value)})
	return nil
}

// GetDurable returns the value for key.
func (s *Store) GetDurable(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_durable")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_durable", time.Now(), &err)

	return s.get(key)
}

// ScanPrefix yields a snapshot of the live entries under prefix in key order.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		ctx, span := s.startStorageSpan(ctx, "scan_prefix")
		defer span.End()
		var err error
		defer s.recordStorageOperation(ctx, span, "scan_prefix", time.Now(), &err)

		s.mu.RLock()
		now := s.now()
		var matched []storage.Entry
		for key, e := range s.entries {
			if strings.HasPrefix(key, prefix) && !e.expired(now) {
				matched = append(matched, storage.Entry{Key: key, Value: slices.Clone(e.value)})
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b storage.Entry) int { return strings.Compare(a.Key, b.Key) })

		for _, e := range matched {
			if err = ctx.Err(); err != nil {
				yield(storage.Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of entries currently held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) put(key string, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.size.Add(1)
	}
	s.entries[key] = e
}

func (s *Store) get(key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			cleaned++
		}
	}
	s.size.Store(int64(len(s.entries)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired correlation entries", "count", cleaned)
	}
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, noop.Span{}
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// errp is read when the deferred call runs.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, startTime time.Time, errp *error) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	var err error
	if errp != nil {
		err = *errp
	}

	result := "success"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		result = "miss"
		instrumentation.SetSpanSuccess(span)
	case err != nil:
		result = "error"
		instrumentation.RecordError(span, err)
	default:
		instrumentation.SetSpanSuccess(span)
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}
