// Package writeset models a single replicated transaction payload together
// with the ordering metadata that drives monitor progression.
package writeset

import (
	"fmt"

	"github.com/twmb/murmur3"

	"github.com/mtereshkin/galago/internal/binario"
)

// State tracks a write-set through its replication lifecycle.
type State int

const (
	StateReplicating State = iota + 1
	StateCertifying
	StateApplying
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateReplicating:
		return "replicating"
	case StateCertifying:
		return "certifying"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	default:
		return ""
	}
}

// WriteSet carries one replicated transaction. DependsSeqno of -1 marks an
// action that certified to a no-op: it holds its ordering slots but applies
// nothing.
type WriteSet struct {
	SeqnoG       int64
	SeqnoL       int64
	DependsSeqno int64
	Flags        uint32
	Payload      []byte
	Checksum     uint64

	state State
}

// New creates a write-set in the replicating state with its payload checksum
// computed.
func New(seqnoG, seqnoL, dependsSeqno int64, payload []byte) *WriteSet {
	return &WriteSet{
		SeqnoG:       seqnoG,
		SeqnoL:       seqnoL,
		DependsSeqno: dependsSeqno,
		Payload:      payload,
		Checksum:     Sum(payload),
		state:        StateReplicating,
	}
}

// Sum computes the payload checksum.
func Sum(payload []byte) uint64 {
	return murmur3.Sum64(payload)
}

// VerifyChecksum recomputes the payload checksum and compares it with the
// carried one.
func (ws *WriteSet) VerifyChecksum() error {
	if sum := Sum(ws.Payload); sum != ws.Checksum {
		return fmt.Errorf("writeset %d checksum mismatch: %x != %x", ws.SeqnoG, sum, ws.Checksum)
	}

	return nil
}

func (ws *WriteSet) State() State {
	return ws.state
}

// SetState advances the lifecycle. Transitions are monotone; skipping or
// reversing a stage is a programming error.
func (ws *WriteSet) SetState(next State) {
	if next != ws.state+1 {
		panic(fmt.Sprintf("writeset %d: illegal state shift %s -> %s", ws.SeqnoG, ws.state, next))
	}

	ws.state = next
}

// Marshal writes the wire form of the write-set.
func (ws *WriteSet) Marshal(w *binario.Writer) error {
	if err := w.WriteInt64(ws.SeqnoG); err != nil {
		return err
	}

	if err := w.WriteInt64(ws.SeqnoL); err != nil {
		return err
	}

	if err := w.WriteInt64(ws.DependsSeqno); err != nil {
		return err
	}

	if err := w.WriteUint32(ws.Flags); err != nil {
		return err
	}

	if err := w.WriteBytes(ws.Payload); err != nil {
		return err
	}

	return w.WriteUint64(ws.Checksum)
}

// Unmarshal reads a write-set in the form produced by Marshal. The result
// starts in the replicating state; the checksum is carried as read and must
// be verified by the consumer.
func Unmarshal(r *binario.Reader) (*WriteSet, error) {
	ws := &WriteSet{state: StateReplicating}

	var err error

	if ws.SeqnoG, err = r.ReadInt64(); err != nil {
		return nil, err
	}

	if ws.SeqnoL, err = r.ReadInt64(); err != nil {
		return nil, err
	}

	if ws.DependsSeqno, err = r.ReadInt64(); err != nil {
		return nil, err
	}

	if ws.Flags, err = r.ReadUint32(); err != nil {
		return nil, err
	}

	if ws.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}

	if ws.Checksum, err = r.ReadUint64(); err != nil {
		return nil, err
	}

	return ws, nil
}
