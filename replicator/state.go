package replicator

import (
	"fmt"

	"github.com/mtereshkin/galago/metrics"
)

// NodeState is the membership state of the local node as seen by the
// replication protocol.
type NodeState int32

const (
	StateNonPrimary NodeState = iota + 1
	StatePrimary
	StateJoiner
	StateDonor
	StateJoined
	StateSynced
)

func (s NodeState) String() string {
	switch s {
	case StateNonPrimary:
		return "non-primary"
	case StatePrimary:
		return "primary"
	case StateJoiner:
		return "joiner"
	case StateDonor:
		return "donor"
	case StateJoined:
		return "joined"
	case StateSynced:
		return "synced"
	default:
		return ""
	}
}

// shifts holds the legal forward transitions. Losing the primary component
// drops any state back to non-primary, so that edge is implicit.
var shifts = map[NodeState][]NodeState{
	StateNonPrimary: {StatePrimary},
	StatePrimary:    {StateJoiner, StateDonor, StateJoined},
	StateJoiner:     {StateJoined},
	StateDonor:      {StateJoined},
	StateJoined:     {StateSynced, StateDonor},
	StateSynced:     {StateDonor, StateJoiner},
}

func canShift(from, to NodeState) bool {
	if to == StateNonPrimary {
		return true
	}

	for _, next := range shifts[from] {
		if next == to {
			return true
		}
	}

	return false
}

// State returns the current membership state.
func (r *Replicator) State() NodeState {
	r.fsmMu.Lock()
	defer r.fsmMu.Unlock()

	return r.nodeState
}

// shiftTo moves the membership state machine. An illegal shift is a
// protocol-handling bug and panics.
func (r *Replicator) shiftTo(next NodeState) {
	r.fsmMu.Lock()
	defer r.fsmMu.Unlock()

	if next == r.nodeState {
		return
	}

	if !canShift(r.nodeState, next) {
		panic(fmt.Sprintf("illegal node state shift %s -> %s", r.nodeState, next))
	}

	r.logger.Log("msg", "node state shift", "from", r.nodeState, "to", next)
	r.nodeState = next

	metrics.NodeState.Set(float64(next))
}
