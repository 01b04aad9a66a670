package calls

import "fmt"

// Progress is the stored lifecycle record of one call: the current state
// plus per-role milestone flags.
//
// The flags make milestone semantics explicit: two different roles reaching
// the same milestone advance the ordinal once per role (caller joins, then
// callee joins: init -> half-initiated -> alerting), while the same role
// repeating a milestone is an idempotent no-op. Replayed or duplicated
// events therefore can never move the ordinal backwards or double-count.
type Progress struct {
	State State `json:"state"`

	CallerJoined bool `json:"caller_joined,omitempty"`
	CalleeJoined bool `json:"callee_joined,omitempty"`

	CallerMediaUp bool `json:"caller_media_up,omitempty"`
	CalleeMediaUp bool `json:"callee_media_up,omitempty"`
}

// NewProgress is the record of a freshly created call.
func NewProgress() Progress { return Progress{State: StateInit} }

// IllegalTransitionError reports a protocol event submitted from a state
// that has no outgoing edge for it. It is an expected client-protocol
// condition: surfaced to the client, never retried, and it leaves the stored
// state untouched.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("no transition from %q state with %q event", e.From, e.Event)
}

// InvalidStateError reports an unrecognized symbolic state name. This is a
// programmer error, fatal and never retried.
type InvalidStateError struct {
	Name string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid call state %q", e.Name)
}

func (p Progress) joined(role Role) bool {
	if role == RoleCallee {
		return p.CalleeJoined
	}
	return p.CallerJoined
}

func (p Progress) withJoined(role Role) Progress {
	if role == RoleCallee {
		p.CalleeJoined = true
	} else {
		p.CallerJoined = true
	}
	return p
}

func (p Progress) mediaUp(role Role) bool {
	if role == RoleCallee {
		return p.CalleeMediaUp
	}
	return p.CallerMediaUp
}

func (p Progress) withMediaUp(role Role) Progress {
	if role == RoleCallee {
		p.CalleeMediaUp = true
	} else {
		p.CallerMediaUp = true
	}
	return p
}

// Join records that a role attached to the call's signaling channel. Each
// distinct role advances init -> half-initiated -> alerting by one step;
// repeats and joins after alerting change nothing.
func (p Progress) Join(role Role) Progress {
	switch p.State {
	case StateInit, StateHalfInitiated:
		if p.joined(role) {
			return p
		}
		p = p.withJoined(role)
		if p.CallerJoined && p.CalleeJoined {
			p.State = StateAlerting
		} else {
			p.State = StateHalfInitiated
		}
		return p
	default:
		// Already past the setup phase (or terminated); joining is a
		// read-only attach at this point.
		return p
	}
}

// Apply validates event against the current state and returns the resulting
// record. The transition table:
//
//	accept    : alerting -> connecting (idempotent from connecting)
//	media-up  : connecting -> half-connected, half-connected -> connected
//	            (one step per role, same role repeating is a no-op)
//	terminate : any -> terminated
//
// Any other combination fails with IllegalTransitionError and leaves the
// record unchanged.
func (p Progress) Apply(role Role, event Event) (Progress, error) {
	switch event {
	case EventTerminate:
		return Progress{State: StateTerminated}, nil

	case EventAccept:
		switch p.State {
		case StateAlerting:
			p.State = StateConnecting
			return p, nil
		case StateConnecting:
			// Duplicate accept: already there.
			return p, nil
		}

	case EventMediaUp:
		switch p.State {
		case StateConnecting:
			p = p.withMediaUp(role)
			p.State = StateHalfConnected
			return p, nil
		case StateHalfConnected:
			if p.mediaUp(role) {
				// Same role reporting media twice does not advance.
				return p, nil
			}
			p = p.withMediaUp(role)
			p.State = StateConnected
			return p, nil
		}
	}

	return p, &IllegalTransitionError{From: p.State, Event: event}
}
