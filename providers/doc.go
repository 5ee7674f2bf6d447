// Package providers defines the upstream OAuth provider interface and the
// error values shared by provider implementations.
//
// Implementations are provided in subpackages:
//   - providers/intuit: Intuit (QuickBooks Online) OAuth 2.0 provider
//   - providers/mock: Mock provider for testing
//
// The tenant verifier depends on three error shapes to decide between
// rejecting, degrading and failing open:
//
//	userInfo, err := provider.ValidateToken(ctx, token)
//	switch {
//	case errors.Is(err, providers.ErrInvalidToken):
//	    // 401: token is invalid or expired
//	case providers.IsTimeout(err):
//	    // no answer in time
//	case providers.StatusCode(err) != 0:
//	    // any other upstream status
//	}
package providers
