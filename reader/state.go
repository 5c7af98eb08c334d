package reader

// State is the adapter lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateDiscovering
	StateSubscribing
	StateStreaming
	StateReconnecting
)

// States lists every state, used to pre-register gauges.
var States = []State{StateDisconnected, StateDiscovering, StateSubscribing, StateStreaming, StateReconnecting}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
