package call

import "slices"

// State is one step of a call's signaling lifecycle.
type State string

const (
	Initiating State = "initiating"
	Ringing    State = "ringing"
	Connecting State = "connecting"
	Active     State = "active"
	Ended      State = "ended"
	Declined   State = "declined"
	Missed     State = "missed"
	Failed     State = "failed"
)

// Call kinds.
const (
	KindVoice = "voice"
	KindVideo = "video"
)

// validTransitions defines allowed state transitions. Terminal states
// have no outgoing edges.
var validTransitions = map[State][]State{
	Initiating: {Ringing, Declined, Missed, Failed},
	Ringing:    {Connecting, Active, Declined, Missed, Failed},
	Connecting: {Active, Ended, Declined, Failed},
	Active:     {Ended, Failed},
}

// Terminal reports whether no further transition is possible from s.
func Terminal(s State) bool {
	return len(validTransitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}
