package session

// State is the channel state of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// ShuttingDown is terminal.
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
