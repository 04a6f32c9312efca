package router

// State is the lifecycle position of one connection's receive loop.
type State int

const (
	StateConnected State = iota
	StateReceiving
	StateDispatching
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateDispatching:
		return "dispatching"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
