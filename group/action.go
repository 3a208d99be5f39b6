package group

import "github.com/google/uuid"

type ActionType int

const (
	ActionWriteSet ActionType = iota + 1
	ActionStateRequest
	ActionConfChange
	ActionJoin
	ActionSync
)

func (t ActionType) String() string {
	switch t {
	case ActionWriteSet:
		return "writeset"
	case ActionStateRequest:
		return "state-request"
	case ActionConfChange:
		return "conf-change"
	case ActionJoin:
		return "join"
	case ActionSync:
		return "sync"
	default:
		return ""
	}
}

// Action is one entry of the totally-ordered stream.
type Action struct {
	Type   ActionType
	SeqnoG int64
	SeqnoL int64
	Buf    []byte

	// Source names the member the action originated from, when known.
	Source string

	// View is set on conf-change actions.
	View *View

	// Status is set on join actions: the outcome the member reported.
	Status int64
}

// View describes a delivered group configuration.
type View struct {
	UUID     uuid.UUID
	Seqno    int64
	Members  []string
	MyIdx    int
	Primary  bool
	StateGap bool
}
