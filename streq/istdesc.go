package streq

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Desc describes the incremental transfer a joiner is prepared to receive:
// where to connect, which history, and the seqno range that needs replay.
// The invariant LastApplied < GroupSeqno holds for every valid descriptor.
type Desc struct {
	Peer        string
	UUID        uuid.UUID
	LastApplied int64
	GroupSeqno  int64
}

// String emits the canonical wire form:
// <uuid>:<last_applied>-<group_seqno>|<peer>.
func (d Desc) String() string {
	return fmt.Sprintf("%s:%d-%d|%s", d.UUID, d.LastApplied, d.GroupSeqno, d.Peer)
}

// ParseDesc decodes the textual descriptor. The parser tolerates whitespace
// around the separators; the emitter never produces any.
func ParseDesc(s string) (Desc, error) {
	s = strings.TrimSpace(s)

	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Desc{}, fmt.Errorf("%w: missing uuid separator", ErrBadFormat)
	}

	u, err := uuid.Parse(strings.TrimSpace(s[:colon]))
	if err != nil {
		return Desc{}, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}

	rest := s[colon+1:]

	pipe := strings.IndexByte(rest, '|')
	if pipe < 0 {
		return Desc{}, fmt.Errorf("%w: missing peer separator", ErrBadFormat)
	}

	peer := strings.TrimSpace(rest[pipe+1:])
	if peer == "" {
		return Desc{}, fmt.Errorf("%w: empty peer address", ErrBadFormat)
	}

	span := strings.TrimSpace(rest[:pipe])
	if span == "" {
		return Desc{}, fmt.Errorf("%w: empty seqno range", ErrBadFormat)
	}

	// Search past the first byte so a leading minus sign of a negative
	// last_applied is not mistaken for the range separator.
	dash := strings.IndexByte(span[1:], '-')
	if dash < 0 {
		return Desc{}, fmt.Errorf("%w: missing range separator", ErrBadFormat)
	}
	dash++

	lastApplied, err := strconv.ParseInt(strings.TrimSpace(span[:dash]), 10, 64)
	if err != nil {
		return Desc{}, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}

	groupSeqno, err := strconv.ParseInt(strings.TrimSpace(span[dash+1:]), 10, 64)
	if err != nil {
		return Desc{}, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}

	return Desc{
		Peer:        peer,
		UUID:        u,
		LastApplied: lastApplied,
		GroupSeqno:  groupSeqno,
	}, nil
}
