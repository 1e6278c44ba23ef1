package hyperliquid

// State is the lifecycle state of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateFunc observes a state transition.
type StateFunc func(prev, next State)
