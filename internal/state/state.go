package state

type State string

const (
	Waiting   State = "waiting"
	Leased    State = "leased"
	Completed State = "completed"
	Failed    State = "failed"
)

var allStates = []State{
	Waiting,
	Leased,
	Completed,
	Failed,
}

// Leased -> Waiting covers retry after a failure, lease expiry and an eager
// release after the owning worker exited.
var transitions = map[State]map[State]bool{
	Waiting: {
		Leased: true,
	},
	Leased: {
		Waiting:   true,
		Completed: true,
		Failed:    true,
	},
}

func AllStates() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

func Parse(s string) (State, bool) {
	for _, st := range allStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func IsTerminal(s State) bool {
	switch s {
	case Completed, Failed:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job in state s blocks a new enqueue with the
// same id.
func IsActive(s State) bool {
	return s == Waiting || s == Leased
}
