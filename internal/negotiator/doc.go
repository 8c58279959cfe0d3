// Package negotiator drives OAuth 2.1 credential negotiation against MCP
// resource servers.
//
// A Negotiator answers one question for its caller: which headers authorize
// a request to this resource? When a valid token is cached the answer is
// immediate. When the token has expired it is refreshed. Otherwise the
// negotiator runs discovery (RFC 9728 then RFC 8414), obtains a client
// identity through dynamic registration (RFC 7591) or a configured
// fallback, and returns a ManualFlowRequest carrying a PKCE-protected
// authorization URL bound to the resource (RFC 8707).
//
// The caller sends the user to that URL and hands the returned code back
// through CompleteAuthorization. The PKCE verifier never leaves the
// negotiator.
//
//	result, err := n.AuthenticationHeaders(ctx, "https://mcp.example.com/mcp")
//	if err != nil {
//	    return err
//	}
//	if result.ManualFlowRequired() {
//	    code := waitForCallback(result.ManualFlow.AuthorizationURL)
//	    if err := n.CompleteAuthorization(ctx, result.ManualFlow, code); err != nil {
//	        return err
//	    }
//	}
//
// Each resource moves through the states Unauthenticated, Discovering,
// RegisteringClient, AwaitingUserAuthorization, ExchangingCode and
// Authenticated, with Refreshing entered from Authenticated when a token
// nears expiry. Concurrent calls for the same resource share one discovery.
package negotiator
