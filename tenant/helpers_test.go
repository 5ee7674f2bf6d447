package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-tenant/internal/testutil"
	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/storage/memory"
)

var errUnknownCode = errors.New("unknown authorization code")

// fakeFlow is an in-memory CodeFlow and CodeStore.
type fakeFlow struct {
	mu          sync.Mutex
	codes       map[string]*AuthorizationCode
	callbacks   int
	exchangeErr error
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{codes: make(map[string]*AuthorizationCode)}
}

// issue registers a code as the flow would after handling a callback.
func (f *fakeFlow) issue(code, clientID, providerState, providerCode string, upstream *oauth2.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = &AuthorizationCode{
		Code:          code,
		ClientID:      clientID,
		ProviderState: providerState,
		ProviderCode:  providerCode,
		UpstreamToken: upstream,
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
}

func (f *fakeFlow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.callbacks++
	f.mu.Unlock()
	http.Redirect(w, r, "https://client.example.com/cb?code=issued", http.StatusFound)
}

func (f *fakeFlow) ExchangeAuthorizationCode(ctx context.Context, clientID, code string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	rec, ok := f.codes[code]
	if !ok || rec.ClientID != clientID {
		return nil, errUnknownCode
	}
	delete(f.codes, code)
	if rec.UpstreamToken == nil {
		tok := testutil.GenerateTestToken()
		tok.AccessToken = "at-" + code
		return tok, nil
	}
	tok := *rec.UpstreamToken
	return &tok, nil
}

func (f *fakeFlow) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownCode, code)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeFlow) callbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.SetLogger(testutil.DiscardLogger())
	t.Cleanup(s.Stop)
	return s
}

// putTenant writes a tenant correlation the way the callback handler does.
func putTenant(t *testing.T, store storage.CorrelationStore, key, tenantID string) {
	t.Helper()
	value, err := storage.EncodeTenant(tenantID)
	if err != nil {
		t.Fatalf("EncodeTenant() error = %v", err)
	}
	if err := store.PutTransient(context.Background(), key, value, storage.DefaultCorrelationTTL); err != nil {
		t.Fatalf("PutTransient() error = %v", err)
	}
}

func upstreamToken(access, refresh string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}
