// Package ist implements the incremental state transfer channel: a donor
// side that streams a contiguous range of write-sets out of the cache, and a
// joiner side that receives them in order.
package ist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mtereshkin/galago/internal/binario"
)

// Stream layout: magic, protocol version and the advertised seqno range,
// followed by write-set frames and a final end-of-range frame.
var streamMagic = []byte("IST\x00")

const (
	frameWriteSet uint8 = iota + 1
	frameEOF
)

var (
	ErrBadStream = errors.New("malformed ist stream")
)

var byteOrder = binary.BigEndian

func writeHeader(w *binario.Writer, version uint8, first, last int64) error {
	if err := w.WriteBytes(streamMagic); err != nil {
		return err
	}

	if err := w.WriteUint8(version); err != nil {
		return err
	}

	if err := w.WriteInt64(first); err != nil {
		return err
	}

	return w.WriteInt64(last)
}

func readHeader(r *binario.Reader) (version uint8, first, last int64, err error) {
	magic, err := r.ReadBytes()
	if err != nil {
		return 0, 0, 0, err
	}

	if string(magic) != string(streamMagic) {
		return 0, 0, 0, fmt.Errorf("%w: bad magic", ErrBadStream)
	}

	if version, err = r.ReadUint8(); err != nil {
		return 0, 0, 0, err
	}

	if first, err = r.ReadInt64(); err != nil {
		return 0, 0, 0, err
	}

	if last, err = r.ReadInt64(); err != nil {
		return 0, 0, 0, err
	}

	return version, first, last, nil
}
