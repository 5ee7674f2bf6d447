package providers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenEndpointClient is the subset of oauth2.Config used for token endpoint calls.
// It lets the exchange and refresh helpers work with any provider's config.
type TokenEndpointClient interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// ExchangeCodeWithPKCE exchanges an authorization code with an optional PKCE verifier.
// The call is bounded by timeout and uses httpClient for transport.
func ExchangeCodeWithPKCE(ctx context.Context, config TokenEndpointClient, httpClient *http.Client, timeout time.Duration, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, WrapTransportError("failed to exchange code", err)
	}
	return token, nil
}

// RefreshWithClient runs the refresh_token grant against config's token endpoint.
// When the response omits a refresh token the one that was sent is kept.
func RefreshWithClient(ctx context.Context, config TokenEndpointClient, httpClient *http.Client, timeout time.Duration, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, WrapTransportError("failed to refresh token", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}
