package gossip

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/mtereshkin/galago/internal/binario"
)

// nodeMeta is the per-member state piggybacked on the gossip layer: which
// history the member is on, how far it has applied, and its membership
// state. Donor selection reads it off the member list.
type nodeMeta struct {
	UUID        uuid.UUID
	LastApplied int64
	State       uint8
}

func (m nodeMeta) encode() []byte {
	buf := &bytes.Buffer{}
	w := binario.NewWriter(buf, binary.BigEndian)

	_, _ = buf.Write(m.UUID[:])
	_ = w.WriteInt64(m.LastApplied)
	_ = w.WriteUint8(m.State)

	return buf.Bytes()
}

func decodeNodeMeta(raw []byte) (nodeMeta, bool) {
	if len(raw) < 25 {
		return nodeMeta{}, false
	}

	var m nodeMeta

	copy(m.UUID[:], raw[:16])

	r := binario.NewReader(bytes.NewReader(raw[16:]), binary.BigEndian)

	var err error
	if m.LastApplied, err = r.ReadInt64(); err != nil {
		return nodeMeta{}, false
	}

	if m.State, err = r.ReadUint8(); err != nil {
		return nodeMeta{}, false
	}

	return m, true
}
