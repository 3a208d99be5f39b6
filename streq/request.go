// Package streq implements the versioned state transfer request exchanged
// between a joining node and its donor. A request bundles an opaque snapshot
// transfer payload with an optional incremental transfer descriptor.
package streq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"syscall"

	"github.com/mtereshkin/galago/internal/binario"
)

// Magic opens every request of version 1 and above on the wire, followed by
// a single NUL byte. Requests without the prefix are version 0: the whole
// blob is the snapshot payload verbatim.
const Magic = "STRv1"

// TrivialSST is the distinguished snapshot payload sent by joiners that need
// no actual data transfer. On the wire it is NUL-terminated.
const TrivialSST = "trivial"

// legacyNoneSST is the snapshot payload older arbitrator builds send instead
// of the trivial sentinel.
const legacyNoneSST = "skip"

var magicPrefix = append([]byte(Magic), 0)

var (
	ErrBadFormat = errors.New("malformed state transfer request")
	ErrTooLarge  = fmt.Errorf("state transfer request part exceeds maximum length: %w", syscall.EMSGSIZE)
)

// Request is one of the versioned wire variants. Bytes returns the full
// encoded form; SST and IST return the enclosed parts (nil when absent).
type Request interface {
	Version() int
	Bytes() []byte
	SST() []byte
	IST() []byte
}

// RequestV0 carries the snapshot payload alone.
type RequestV0 struct {
	sst []byte
}

func NewV0(sst []byte) *RequestV0 {
	return &RequestV0{sst: sst}
}

func (r *RequestV0) Version() int { return 0 }
func (r *RequestV0) Bytes() []byte { return r.sst }
func (r *RequestV0) SST() []byte   { return r.sst }
func (r *RequestV0) IST() []byte   { return nil }

// RequestV1 carries both parts behind the magic prefix, each with a
// big-endian uint32 length.
type RequestV1 struct {
	raw []byte
	sst []byte
	ist []byte
}

func NewV1(sst, ist []byte) (*RequestV1, error) {
	if len(sst) > math.MaxInt32 || len(ist) > math.MaxInt32 {
		return nil, ErrTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(magicPrefix)+8+len(sst)+len(ist)))
	buf.Write(magicPrefix)

	w := binario.NewWriter(buf, binary.BigEndian)
	if err := w.WriteBytes(sst); err != nil {
		return nil, err
	}

	if err := w.WriteBytes(ist); err != nil {
		return nil, err
	}

	return &RequestV1{raw: buf.Bytes(), sst: sst, ist: ist}, nil
}

func (r *RequestV1) Version() int { return 1 }
func (r *RequestV1) Bytes() []byte { return r.raw }
func (r *RequestV1) SST() []byte   { return r.sst }
func (r *RequestV1) IST() []byte   { return r.ist }

// Parse detects the request version from the wire form and decodes it. Any
// blob that does not open with the magic prefix is a version 0 request.
func Parse(raw []byte) (Request, error) {
	if !bytes.HasPrefix(raw, magicPrefix) {
		return &RequestV0{sst: raw}, nil
	}

	rest := raw[len(magicPrefix):]
	if len(rest) < 8 {
		return nil, ErrBadFormat
	}

	// Lengths are validated against the buffer before any part is sliced
	// out, so a hostile header cannot request more than it carries.
	sstLen := int64(binary.BigEndian.Uint32(rest))
	if sstLen > math.MaxInt32 || 8+sstLen > int64(len(rest)) {
		return nil, ErrBadFormat
	}

	sst := rest[4 : 4+sstLen]

	istLen := int64(binary.BigEndian.Uint32(rest[4+sstLen:]))
	if istLen > math.MaxInt32 || 8+sstLen+istLen != int64(len(rest)) {
		return nil, ErrBadFormat
	}

	ist := rest[8+sstLen:]

	return &RequestV1{raw: raw, sst: sst, ist: ist}, nil
}

// IsTrivial reports whether the snapshot payload is the trivial sentinel.
func IsTrivial(sst []byte) bool {
	sentinel := append([]byte(TrivialSST), 0)
	return len(sst) >= len(sentinel) && bytes.Equal(sst[:len(sentinel)], sentinel)
}

// SkipsTransfer reports whether the snapshot payload asks the donor to skip
// the transfer entirely: either the trivial sentinel or the legacy none
// payload of older arbitrator builds.
func SkipsTransfer(sst []byte) bool {
	if IsTrivial(sst) {
		return true
	}

	// Legacy payloads are plain NUL-terminated strings.
	if idx := bytes.IndexByte(sst, 0); idx >= 0 {
		sst = sst[:idx]
	}

	return string(sst) == legacyNoneSST
}
