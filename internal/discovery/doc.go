// Package discovery finds out who protects a resource server and how to talk
// to it.
//
// ResourceClient fetches RFC 9728 protected resource metadata, either from the
// resource_metadata URL of a WWW-Authenticate challenge or by probing
// /.well-known/oauth-protected-resource{path} and then
// /.well-known/oauth-protected-resource. ServerClient fetches RFC 8414
// authorization server metadata with an OpenID Connect discovery fallback and
// rejects servers that do not advertise PKCE S256.
//
// Both clients cache documents with a TTL; ServerClient collapses concurrent
// fetches for the same issuer with singleflight.
package discovery
