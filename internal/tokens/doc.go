// Package tokens manages OAuth access and refresh tokens for protected
// resources.
//
// A Manager redeems authorization codes with their PKCE verifier and RFC 8707
// resource indicator, refreshes expiring tokens and persists records through
// a secretstore.Store. Records are keyed by (resource, client_id) as built by
// oauth.TokenKey.
//
// # Refresh semantics
//
// CurrentOrRefreshed returns a valid record without network traffic. When
// the record is expired it refreshes it once for all concurrent callers:
//
//	record, err := manager.CurrentOrRefreshed(ctx, key)
//	if errors.Is(err, oauth.ErrReauthorizationRequired) {
//	    // the authorization server rejected the refresh token; start a new flow
//	}
//
// A rejected refresh (an OAuth error response, surfaced as
// *oauth2.RetrieveError) drops the record. A transport failure keeps it so a
// later attempt can succeed.
//
// Refresher runs the same refresh in the background for tokens close to
// expiry, and TokenSource adapts a key to golang.org/x/oauth2.
package tokens
