package negotiator

// State is where a resource server stands in the negotiation.
type State int

const (
	// StateUnauthenticated means no usable token and no flow in progress.
	StateUnauthenticated State = iota
	// StateDiscovering means metadata discovery is running.
	StateDiscovering
	// StateRegisteringClient means dynamic client registration is running.
	StateRegisteringClient
	// StateAwaitingUserAuthorization means a manual flow was handed to the caller.
	StateAwaitingUserAuthorization
	// StateExchangingCode means an authorization code is being redeemed.
	StateExchangingCode
	// StateAuthenticated means a valid token is held.
	StateAuthenticated
	// StateRefreshing means the token is being refreshed.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateDiscovering:
		return "Discovering"
	case StateRegisteringClient:
		return "RegisteringClient"
	case StateAwaitingUserAuthorization:
		return "AwaitingUserAuthorization"
	case StateExchangingCode:
		return "ExchangingCode"
	case StateAuthenticated:
		return "Authenticated"
	case StateRefreshing:
		return "Refreshing"
	default:
		return "Unknown"
	}
}
