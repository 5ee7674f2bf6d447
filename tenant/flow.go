package tenant

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// AuthorizationCode is the record the code flow keeps for a code it issued to a client.
type AuthorizationCode struct {
	// Code is the code issued to the client.
	Code     string
	ClientID string

	// ProviderState is the state value sent to the upstream provider.
	ProviderState string

	// ProviderCode is the code the upstream provider returned on the callback.
	ProviderCode string

	// UpstreamToken is the provider token obtained when the callback was handled.
	UpstreamToken *oauth2.Token

	ExpiresAt time.Time
}

// CodeStore gives read access to issued authorization codes.
type CodeStore interface {
	// GetAuthorizationCode returns the record for code without consuming it.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// CodeFlow is the generic authorization-code flow the tenant components wrap.
type CodeFlow interface {
	// HandleCallback completes the upstream callback and redirects to the client.
	HandleCallback(w http.ResponseWriter, r *http.Request)

	// ExchangeAuthorizationCode redeems a client's authorization code.
	// The returned access token is the one clients present on later calls.
	ExchangeAuthorizationCode(ctx context.Context, clientID, code string) (*oauth2.Token, error)
}
