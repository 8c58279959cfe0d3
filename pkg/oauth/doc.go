// Package oauth provides the OAuth 2.1 wire types and pure helpers used by the
// discovery and credential negotiation packages.
//
// Nothing in this package performs network I/O. The fetching clients live in
// internal/discovery, internal/registration and internal/tokens, and the
// negotiator in internal/negotiator composes them.
//
// # Core Components
//
//   - Challenge: parsed WWW-Authenticate challenges (RFC 6750, RFC 9728 resource_metadata)
//   - CanonicalizeResource: RFC 8707 resource indicator canonicalization
//   - PKCEPair: S256 Proof Key for Code Exchange generation (RFC 7636)
//   - ProtectedResourceMetadata: RFC 9728 documents
//   - AuthorizationServerMetadata: RFC 8414 / OIDC discovery documents
//   - RegistrationRequest, ClientRegistration: RFC 7591 documents
//   - TokenRecord: an issued token bound to a resource and client
//   - ManualFlowRequest: the handoff object returned when a user must approve access
//
// # Usage
//
//	params := oauth.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
//	resource, err := oauth.CanonicalizeResource("https://MCP.example.com/mcp")
//	pair, err := oauth.GeneratePKCE()
//	if !oauth.MethodsSupported(metadata) {
//		return oauth.ErrPKCENotSupported
//	}
package oauth
