package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/testutil"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s := New()
	s.SetLogger(testutil.DiscardLogger())
	s.SetClock(clock.Now)
	t.Cleanup(s.Stop)
	return s, clock
}

func TestStore_TransientRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PutTransient(ctx, storage.StateKey("st-1"), []byte("realm-1"), time.Minute); err != nil {
		t.Fatalf("PutTransient() error = %v", err)
	}

	got, err := s.GetTransient(ctx, storage.StateKey("st-1"))
	if err != nil {
		t.Fatalf("GetTransient() error = %v", err)
	}
	if string(got) != "realm-1" {
		t.Errorf("GetTransient() = %q, want %q", got, "realm-1")
	}
}

func TestStore_TransientExpires(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.PutTransient(ctx, storage.CodeKey("c-1"), []byte("realm-1"), storage.DefaultCorrelationTTL); err != nil {
		t.Fatalf("PutTransient() error = %v", err)
	}

	clock.Advance(storage.DefaultCorrelationTTL - time.Second)
	if _, err := s.GetTransient(ctx, storage.CodeKey("c-1")); err != nil {
		t.Fatalf("GetTransient() before expiry error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.GetTransient(ctx, storage.CodeKey("c-1")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTransient() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_PutTransient_InvalidInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PutTransient(ctx, "", []byte("x"), time.Minute); !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("PutTransient(empty key) error = %v, want ErrInvalidKey", err)
	}
	if err := s.PutTransient(ctx, strings.Repeat("k", storage.MaxKeyLength+1), []byte("x"), time.Minute); !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("PutTransient(oversized key) error = %v, want ErrInvalidKey", err)
	}
	if err := s.PutTransient(ctx, "state:x", []byte("x"), 0); err == nil {
		t.Error("PutTransient(ttl=0) should return error")
	}
}

func TestStore_DeleteTransient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.PutTransient(ctx, "state:a", []byte("1"), time.Minute)
	if err := s.DeleteTransient(ctx, "state:a"); err != nil {
		t.Fatalf("DeleteTransient() error = %v", err)
	}
	if _, err := s.GetTransient(ctx, "state:a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTransient() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTransient(ctx, "state:missing"); err != nil {
		t.Errorf("DeleteTransient(missing) error = %v, want nil", err)
	}
}

func TestStore_TakeTransient(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_ = s.PutTransient(ctx, storage.AuthCodeKey("c"), []byte("rec"), time.Minute)
	got, err := s.TakeTransient(ctx, storage.AuthCodeKey("c"))
	if err != nil {
		t.Fatalf("TakeTransient() error = %v", err)
	}
	if string(got) != "rec" {
		t.Errorf("TakeTransient() = %q, want %q", got, "rec")
	}
	if _, err := s.TakeTransient(ctx, storage.AuthCodeKey("c")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second TakeTransient() error = %v, want ErrNotFound", err)
	}

	_ = s.PutTransient(ctx, storage.AuthCodeKey("old"), []byte("rec"), time.Second)
	clock.Advance(2 * time.Second)
	if _, err := s.TakeTransient(ctx, storage.AuthCodeKey("old")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("TakeTransient(expired) error = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStore_TakeTransient_SingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.PutTransient(ctx, "authcode:x", []byte("1"), time.Minute)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakeTransient(ctx, "authcode:x"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestStore_DurableNeverExpires(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.PutDurable(ctx, storage.ClientKey("client-1"), []byte("v1")); err != nil {
		t.Fatalf("PutDurable() error = %v", err)
	}
	clock.Advance(365 * 24 * time.Hour)
	s.cleanup()

	got, err := s.GetDurable(ctx, storage.ClientKey("client-1"))
	if err != nil {
		t.Fatalf("GetDurable() error = %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("GetDurable() = %q, want %q", got, "v1")
	}
}

func TestStore_PutDurable_Replaces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.PutDurable(ctx, "client:c", []byte("old"))
	_ = s.PutDurable(ctx, "client:c", []byte("new"))

	got, _ := s.GetDurable(ctx, "client:c")
	if string(got) != "new" {
		t.Errorf("GetDurable() = %q, want %q", got, "new")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	buf := []byte("original")
	_ = s.PutDurable(ctx, "client:c", buf)
	buf[0] = 'X'

	got, _ := s.GetDurable(ctx, "client:c")
	if string(got) != "original" {
		t.Errorf("stored value was aliased: %q", got)
	}
	got[0] = 'Y'
	again, _ := s.GetDurable(ctx, "client:c")
	if string(again) != "original" {
		t.Errorf("returned value was aliased: %q", again)
	}
}

func TestStore_ScanPrefix(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_ = s.PutDurable(ctx, storage.ClientKey("b"), []byte("2"))
	_ = s.PutDurable(ctx, storage.ClientKey("a"), []byte("1"))
	_ = s.PutTransient(ctx, storage.StateKey("s"), []byte("x"), time.Second)
	_ = s.PutTransient(ctx, storage.ClientKey("expiring"), []byte("3"), time.Second)
	clock.Advance(2 * time.Second)

	var keys []string
	for e, err := range s.ScanPrefix(ctx, storage.KindClient) {
		if err != nil {
			t.Fatalf("ScanPrefix() error = %v", err)
		}
		keys = append(keys, e.Key)
	}

	want := []string{"client:a", "client:b"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("ScanPrefix() keys = %v, want %v", keys, want)
	}
}

func TestStore_ScanPrefix_EarlyBreak(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.PutDurable(ctx, storage.ClientKey(fmt.Sprintf("c%d", i)), []byte("x"))
	}

	n := 0
	for range s.ScanPrefix(ctx, storage.KindClient) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("iterations = %d, want 1", n)
	}
}

func TestStore_ScanPrefix_CancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.PutDurable(context.Background(), "client:a", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range s.ScanPrefix(ctx, storage.KindClient) {
		gotErr = err
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("ScanPrefix() error = %v, want context.Canceled", gotErr)
	}
}

func TestStore_Cleanup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_ = s.PutTransient(ctx, "state:a", []byte("1"), time.Second)
	_ = s.PutTransient(ctx, "code:b", []byte("1"), time.Hour)
	_ = s.PutDurable(ctx, "client:c", []byte("1"))

	clock.Advance(time.Minute)
	s.cleanup()

	if s.Len() != 2 {
		t.Errorf("Len() after cleanup = %d, want 2", s.Len())
	}
	if got := s.size.Load(); got != 2 {
		t.Errorf("size gauge = %d, want 2", got)
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.MetricsExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s, _ := newTestStore(t)
	s.SetInstrumentation(inst)

	ctx := context.Background()
	_ = s.PutTransient(ctx, "state:a", []byte("1"), time.Minute)
	_, _ = s.GetTransient(ctx, "state:missing")
	for range s.ScanPrefix(ctx, "state:") {
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := storage.StateKey(fmt.Sprintf("st-%d", n))
			for j := 0; j < 50; j++ {
				_ = s.PutTransient(ctx, key, []byte("realm"), time.Minute)
				_, _ = s.GetTransient(ctx, key)
				_ = s.PutDurable(ctx, storage.ClientKey(fmt.Sprintf("c-%d", n)), []byte("b"))
				for range s.ScanPrefix(ctx, storage.KindClient) {
				}
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 40 {
		t.Errorf("Len() = %d, want 40", s.Len())
	}
}
