package call

// State is the manager's position in the call lifecycle. Transitions are
// one-way per call; Ending exists so teardown can run outside the lock
// without a second hangup sneaking in.
type State int

const (
	StateIdle State = iota
	StateOutgoingRinging
	StateIncomingRinging
	StateNegotiating
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}
