// Package callback receives OAuth authorization redirects on a loopback
// address and opens the user's browser at the authorization URL.
//
// A Server accepts exactly one redirect whose state matches the flow it was
// created for. Redirects with any other state are answered with 400 and
// ignored.
package callback
