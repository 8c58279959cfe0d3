// Package mock provides in-process OAuth servers for testing credential
// negotiation end to end.
//
// OAuthServer is an OAuth 2.1 authorization server with RFC 8414 metadata,
// RFC 7591 dynamic client registration, PKCE S256 enforcement, RFC 8707
// resource binding and RFC 7009 revocation. Its behaviour is tuned through
// OAuthServerConfig, for example to withhold S256, reject registration or
// reject refresh tokens.
//
// ProtectedResourceServer is an MCP server (mcp-go streamable HTTP) that
// answers unauthenticated requests with a 401 Bearer challenge and serves
// RFC 9728 protected resource metadata at both well-known locations.
//
// Both servers count the requests they receive so tests can assert which
// endpoints a client touched:
//
//	as := mock.NewOAuthServer(mock.OAuthServerConfig{})
//	defer as.Close()
//	rs := mock.NewProtectedResourceServer(mock.ProtectedResourceConfig{AuthServer: as})
//	defer rs.Close()
//
// A MockClock shared between the servers and the client under test
// simulates token expiry without waiting.
package mock
