package channel

// State is the lifecycle position of a Client's connection.
type State int

const (
	// StateIdle means no transport exists and none is scheduled.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means frames flow in both directions.
	StateOpen
	// StateRetrying means the transport closed and a reconnect is scheduled.
	StateRetrying
	// StateGivenUp means the reconnect ceiling was reached. Only Connect leaves it.
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// StateChange is published on the state feed for every transition.
type StateChange struct {
	From    State
	To      State
	Retries int
}
