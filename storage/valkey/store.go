package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp:tenant:"

	// LegacyKeyPrefix is the prefix used by the legacy deployment. Configure it
	// to keep reading bindings written before the migration.
	LegacyKeyPrefix = "qbo:realm:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxValueSize bounds stored values
	MaxValueSize = 64 * 1024
)

var errValueTooLarge = errors.New("value exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Username is the optional ACL username
	Username string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp:tenant:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.CorrelationStore.
// Transient keys use SET ... EX so expiry is enforced by the server.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.CorrelationStore = (*Store)(nil)
	_ storage.Taker            = (*Store)(nil)
)

// New creates a new Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Username:    cfg.Username,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)

	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership and closes it in Close.
func NewWithClient(client valkeygo.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and operation metrics. Call before use.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Prefix returns the key prefix applied to every key.
func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// PutTransient stores value under key with SET EX. Sub-second TTLs are rounded up to one second.
func (s *Store) PutTransient(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "put_transient", time.Now(), &err)

	if err = validate(key, value); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	ttl = max(ttl, time.Second)

	if err = s.client.Do(ctx,
		s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to store transient key: %w", err)
	}
	return nil
}

// GetTransient returns the value for key or storage.ErrNotFound.
func (s *Store) GetTransient(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_transient", time.Now(), &err)

	return s.get(ctx, key)
}

// DeleteTransient removes key. Missing keys are not an error.
func (s *Store) DeleteTransient(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_transient", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return err
	}
	if err = s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// TakeTransient reads and deletes key with GETDEL, so a value is handed out at most once.
func (s *Store) TakeTransient(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_transient")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "take_transient", time.Now(), &err)

	if err = storage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take key: %w", err)
	}
	return []byte(data), nil
}

// PutDurable stores value under key without expiry. Any prior TTL on the key is cleared.
func (s *Store) PutDurable(ctx context.Context, key string, value []byte) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_durable")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "put_durable", time.Now(), &err)

	if err = validate(key, value); err != nil {
		return err
	}
	if err = s.client.Do(ctx,
		s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to store durable key: %w", err)
	}
	return nil
}

// GetDurable returns the value for key or storage.ErrNotFound.
func (s *Store) GetDurable(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_durable")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_durable", time.Now(), &err)

	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return []byte(data), nil
}

// ScanPrefix walks SCAN MATCH {prefix}{p}* in batches, fetching each value with GET.
// Keys deleted between SCAN and GET are skipped; SCAN may yield a key more than once
// and duplicates are dropped.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		ctx, span := s.startStorageSpan(ctx, "scan_prefix")
		defer span.End()
		var err error
		defer s.recordStorageOperation(ctx, span, "scan_prefix", time.Now(), &err)

		pattern := escapeGlob(s.key(prefix)) + "*"
		seen := make(map[string]struct{})

		var cursor uint64
		for {
			var result valkeygo.ScanEntry
			result, err = s.client.Do(ctx,
				s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
			).AsScanEntry()
			if err != nil {
				err = fmt.Errorf("failed to scan keys: %w", err)
				yield(storage.Entry{}, err)
				return
			}

			for _, fullKey := range result.Elements {
				if _, dup := seen[fullKey]; dup {
					continue
				}
				seen[fullKey] = struct{}{}

				var data string
				data, err = s.client.Do(ctx, s.client.B().Get().Key(fullKey).Build()).ToString()
				if err != nil {
					if isNilError(err) {
						err = nil
						continue
					}
					err = fmt.Errorf("failed to get scanned key: %w", err)
					if !yield(storage.Entry{}, err) {
						return
					}
					continue
				}

				if !yield(storage.Entry{Key: strings.TrimPrefix(fullKey, s.prefix), Value: []byte(data)}, nil) {
					return
				}
			}

			cursor = result.Cursor
			if cursor == 0 {
				return
			}
		}
	}
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

func validate(key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return errValueTooLarge
	}
	return nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// escapeGlob escapes SCAN MATCH metacharacters so that prefixes are matched literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "valkey")
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, startTime time.Time, errp *error) {
	if s.instrumentation == nil {
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

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}
