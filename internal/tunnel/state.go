package tunnel

import "strconv"

// State of the tunnel connection.
type State int32

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateHandshaking
	StateRegistering
	StateActive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}
