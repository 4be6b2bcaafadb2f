package session

// State is the lifecycle position of the session
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateReauthenticating
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReauthenticating:
		return "reauthenticating"
	default:
		return "unknown"
	}
}

// Usable reports whether requests may carry the credential in this state
func (s State) Usable() bool {
	return s == StateAuthenticated || s == StateReauthenticating
}

// Logout reasons, recorded in metrics and logs
const (
	ReasonManual       = "manual"
	ReasonUnauthorized = "unauthorized"
	ReasonIdle         = "idle"
	ReasonExpired      = "expired"
)

// StateListener observes transitions. It runs on the goroutine that caused
// the transition, after the manager's lock is released.
type StateListener func(from, to State)
