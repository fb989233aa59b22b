package websocket

// ReadyState is the lifecycle state of a Conn. Transitions only move
// forward and StateClosed is terminal.
type ReadyState int

// Connection states.
const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
