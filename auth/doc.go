// Package auth provides the authentication and authorization gate that runs
// in front of every connection endpoint.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). Policies are then evaluated against that user; all
// of them must pass. The HTTP layer maps the sentinel errors to responses:
//
//   - ErrUnauthorized: 401 with a Bearer challenge
//   - ErrInsufficientScope, ErrForbidden: 403
//
// # Access Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates JWT access
// tokens using OpenID Connect discovery to obtain the issuer's JWKS.
// NewFromJWKS skips discovery when the key set location is already known.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://chat.example/hub",
//	    auth.WithRequiredScopes("hub:connect"),
//	)
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat/nbf.
package auth
