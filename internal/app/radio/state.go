package radio

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateTransmitting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateTransmitting:
		return "transmitting"
	default:
		return "unknown"
	}
}

// Connected reports Connected(idle | transmitting).
func (s State) Connected() bool {
	return s == StateIdle || s == StateTransmitting
}
