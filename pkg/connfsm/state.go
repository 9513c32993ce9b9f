package connfsm

// State is the coarse connection lifecycle state, per spec §4.3:
//
//	NEW -> CONNECTED -> {rpc?, stream?, trace?, script?, debug?} -> DISCONNECTED
type State uint8

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
