// Package registration implements OAuth 2.0 Dynamic Client Registration
// (RFC 7591) for public clients.
//
// Registrations are keyed by endpoint, redirect URIs and scope. Concurrent
// requests for one key share a single POST, and successful registrations are
// kept in memory and, when a secretstore.Store is configured, on disk so that
// a restarted process reuses its client_id instead of registering again.
package registration
