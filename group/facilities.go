// Package group defines the contract the replicator requires from the group
// communication layer, plus the errno conventions used across it.
package group

import (
	"context"

	"github.com/google/uuid"
)

// Group is the thin façade over the totally-ordered group channel. The
// replicator drives membership and state transfer through it and never
// touches the transport below.
type Group interface {
	// RequestStateTransfer submits the encoded request to the group and
	// blocks until a donor is selected. On success it returns the donor
	// index and the local seqno assigned to the request in the total order.
	// Transient failures surface as ErrAgain or ErrNotConn; ErrNoData means
	// no donor can serve the incremental range and no snapshot fallback was
	// offered.
	RequestStateTransfer(ctx context.Context, version int, req []byte, donorHint string, istUUID uuid.UUID, istSeqno int64) (donor int, seqnoL int64, err error)

	// Join informs the group that the local transfer finished. A negative
	// status carries the negated errno of the failure; a non-negative one is
	// the seqno the node is now consistent with.
	Join(status int64) error

	// SetLastApplied reports apply progress for flow control and donor
	// selection.
	SetLastApplied(seqno int64)

	// Recv blocks for the next totally-ordered action.
	Recv(ctx context.Context) (Action, error)

	// StateForUUID returns the highest seqno the group has committed for the
	// given history, when known.
	StateForUUID(u uuid.UUID) (int64, bool)

	// Close tears the channel down. A second close is a no-op.
	Close(explicit bool) error
}
