package connection

// State is the connection lifecycle state.
type State int

const (
	// Disconnected: no transport, nothing scheduled.
	Disconnected State = iota
	// Connecting: dialing the relay.
	Connecting
	// Lobby: transport open, join_lobby sent, waiting for self_connected.
	Lobby
	// InRoom: joined and reconciled; sends are accepted.
	InRoom
	// Reconnecting: waiting out the backoff before the next attempt.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Lobby:
		return "lobby"
	case InRoom:
		return "in_room"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transition is one state change. Err is the cause when the change was
// forced by a failure, a kick or an exhausted budget.
type Transition struct {
	From State
	To   State
	Err  error
}
