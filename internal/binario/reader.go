package binario

import (
	"encoding/binary"
	"io"
)

// Reader decodes fixed-endian primitives from an io.Reader. All reads are
// full reads: a short read surfaces as io.ErrUnexpectedEOF rather than a
// truncated value, which matters when the underlying reader is a net.Conn.
type Reader struct {
	byteOrder binary.ByteOrder
	reader    io.Reader
	scratch   [8]byte
}

func NewReader(reader io.Reader, byteOrder binary.ByteOrder) *Reader {
	return &Reader{
		reader:    reader,
		byteOrder: byteOrder,
	}
}

func (r *Reader) ReadUint8() (uint8, error) {
	bs := r.scratch[:1]
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return bs[0], nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	bs := r.scratch[:4]
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint32(bs), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	bs := r.scratch[:8]
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint64(bs), nil
}

// ReadInt64 reads a two's-complement signed value written by WriteInt64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadBytes reads a uint32 length prefix followed by that many bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	bs := make([]byte, length)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return nil, err
	}

	return bs, nil
}

func (r *Reader) ReadString() (string, error) {
	bs, err := r.ReadBytes()
	return string(bs), err
}
