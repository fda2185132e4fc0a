package element

import "fmt"

// State is the per-run state of an element. Values are ordered: a run only
// ever moves an element to a strictly greater state.
type State int

const (
	StateWaiting State = iota
	StateFetchNeeded
	StateBuildable
	StateBuilding
	StateCached
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateFetchNeeded:
		return "fetch-needed"
	case StateBuildable:
		return "buildable"
	case StateBuilding:
		return "building"
	case StateCached:
		return "cached"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCached || s == StateFailed || s == StateSkipped
}

// CanTransition reports whether from -> to is a legal move within one run.
func CanTransition(from, to State) bool {
	if from.Terminal() || to <= from {
		return false
	}
	switch to {
	case StateFetchNeeded, StateBuildable:
		return from < StateBuilding
	case StateBuilding:
		return from == StateBuildable
	case StateCached, StateFailed:
		return true
	case StateSkipped:
		// A building element already has all of its dependencies.
		return from != StateBuilding
	default:
		return false
	}
}
