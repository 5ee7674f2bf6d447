// Package intuit implements the providers.Provider interface for Intuit
// (QuickBooks Online) OAuth 2.0.
//
// Intuit returns the QuickBooks company id as a realmId query parameter on the
// authorization callback, never in the token response, and issues opaque
// access tokens that can only be validated against the OpenID userinfo
// endpoint. Refresh tokens rotate on every refresh.
//
//	provider, err := intuit.NewProvider(&intuit.Config{
//	    ClientID:     os.Getenv("QBO_CLIENT_ID"),
//	    ClientSecret: os.Getenv("QBO_CLIENT_SECRET"),
//	    RedirectURL:  "https://mcp.example.com/oauth/callback",
//	})
package intuit
