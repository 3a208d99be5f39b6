package gtid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// SeqnoUndefined marks a position that is not known. A node carrying an
	// undefined seqno must go through a full membership round before it can
	// serve reads or donate state.
	SeqnoUndefined int64 = -1

	// SeqnoNone is the seqno of an empty, freshly-initialized state.
	SeqnoNone int64 = 0
)

// GTID is a global transaction identifier: the UUID of the replication
// history paired with a global sequence number within it.
type GTID struct {
	UUID  uuid.UUID
	Seqno int64
}

func New(u uuid.UUID, seqno int64) GTID {
	return GTID{UUID: u, Seqno: seqno}
}

// Undefined reports whether the position component is unknown.
func (g GTID) Undefined() bool {
	return g.Seqno == SeqnoUndefined
}

func (g GTID) String() string {
	return fmt.Sprintf("%s:%d", g.UUID, g.Seqno)
}

// Parse decodes the <uuid>:<seqno> form produced by String.
func Parse(s string) (GTID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return GTID{}, fmt.Errorf("malformed gtid %q: missing seqno separator", s)
	}

	u, err := uuid.Parse(strings.TrimSpace(s[:idx]))
	if err != nil {
		return GTID{}, fmt.Errorf("malformed gtid %q: %w", s, err)
	}

	seqno, err := strconv.ParseInt(strings.TrimSpace(s[idx+1:]), 10, 64)
	if err != nil {
		return GTID{}, fmt.Errorf("malformed gtid %q: %w", s, err)
	}

	return GTID{UUID: u, Seqno: seqno}, nil
}
