package domain

type SessionState int

const (
	Connecting SessionState = iota
	Authenticated
	Active
	Draining
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	Connecting:    {Authenticated, Closed},
	Authenticated: {Active, Draining},
	Active:        {Draining},
	Draining:      {Closed},
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
