// SPDX-License-Identifier: MIT

package media

// State is the lifecycle state of a media item. Leaf items (movies and
// episodes) walk the pipeline sequence; shows and seasons derive their state
// from their children and are never written directly.
type State string

const (
	StateRequested          State = "Requested"
	StateIndexed            State = "Indexed"
	StateScraped            State = "Scraped"
	StateDownloaded         State = "Downloaded"
	StateSymlinked          State = "Symlinked"
	StateCompleted          State = "Completed"
	StateUnreleased         State = "Unreleased"
	StateOngoing            State = "Ongoing"
	StatePartiallyCompleted State = "PartiallyCompleted"
	StateFailed             State = "Failed"
	StatePaused             State = "Paused"
)

// pipelineRank orders states for aggregation and for the forward-only
// invariant on leaf items. Cross-cutting states sort below the pipeline so a
// failed or waiting child dominates the aggregate.
var pipelineRank = map[State]int{
	StateFailed:             0,
	StatePaused:             1,
	StateRequested:          2,
	StateUnreleased:         2,
	StateOngoing:            2,
	StateIndexed:            3,
	StateScraped:            4,
	StateDownloaded:         5,
	StateSymlinked:          6,
	StatePartiallyCompleted: 7,
	StateCompleted:          8,
}

// Rank returns the ordering position of s. Unknown states rank lowest.
func (s State) Rank() int {
	return pipelineRank[s]
}

// IsTerminal reports whether no further autonomous work is scheduled for s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Forward reports whether moving from s to next respects the forward-only
// pipeline order. Cross-cutting states are always reachable.
func (s State) Forward(next State) bool {
	switch next {
	case StateUnreleased, StateOngoing, StateFailed, StatePaused, StatePartiallyCompleted:
		return true
	}
	return next.Rank() >= s.Rank()
}

// Aggregate derives a parent state from its children per the derivation rule:
// Completed when every child is Completed, PartiallyCompleted when some but
// not all descendants are, otherwise the minimum child state.
func Aggregate(children []State) State {
	if len(children) == 0 {
		return StateRequested
	}
	all := true
	any := false
	min := StateCompleted
	for _, c := range children {
		switch c {
		case StateCompleted:
			any = true
		case StatePartiallyCompleted:
			any = true
			all = false
		default:
			all = false
		}
		if c.Rank() < min.Rank() {
			min = c
		}
	}
	if all {
		return StateCompleted
	}
	if any {
		return StatePartiallyCompleted
	}
	return min
}
