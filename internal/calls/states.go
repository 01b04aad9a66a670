package calls

import "fmt"

// State is one stage of the call lifecycle. The forward states carry a
// strictly increasing ordinal; terminated is absorbing and is represented in
// storage by the absence of a progress record.
type State string

const (
	StateInit          State = "init"
	StateHalfInitiated State = "half-initiated"
	StateAlerting      State = "alerting"
	StateConnecting    State = "connecting"
	StateHalfConnected State = "half-connected"
	StateConnected     State = "connected"
	StateTerminated    State = "terminated"
)

var stateOrdinals = map[State]int{
	StateInit:          1,
	StateHalfInitiated: 2,
	StateAlerting:      3,
	StateConnecting:    4,
	StateHalfConnected: 5,
	StateConnected:     6,
	StateTerminated:    0,
}

// Ordinal returns the position of a forward state (1 through 6); terminated
// is 0. Transitions may only ever increase the ordinal, or drop to 0.
func (s State) Ordinal() int { return stateOrdinals[s] }

// ParseState validates a symbolic state name. An unrecognized name is a
// programmer error, surfaced immediately via InvalidStateError.
func ParseState(name string) (State, error) {
	s := State(name)
	if _, ok := stateOrdinals[s]; !ok {
		return "", &InvalidStateError{Name: name}
	}
	return s, nil
}

// Event is a protocol event a client may submit to advance a call.
type Event string

const (
	EventAccept    Event = "accept"
	EventMediaUp   Event = "media-up"
	EventTerminate Event = "terminate"
)

// ParseEvent validates an inbound protocol event name.
func ParseEvent(name string) (Event, error) {
	switch e := Event(name); e {
	case EventAccept, EventMediaUp, EventTerminate:
		return e, nil
	default:
		return "", fmt.Errorf("%q event is invalid, should be one of: accept, media-up, terminate", name)
	}
}

// Role identifies which side of the call a connection is driving.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Termination reasons published alongside the terminated state.
const (
	ReasonBusy    = "busy"
	ReasonCancel  = "cancel"
	ReasonTimeout = "timeout"
)
