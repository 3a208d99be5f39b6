package binario

import (
	"encoding/binary"
	"io"
)

// Writer encodes fixed-endian primitives to an io.Writer.
type Writer struct {
	writer    io.Writer
	byteOrder binary.ByteOrder
	scratch   [8]byte
}

func NewWriter(writer io.Writer, byteOrder binary.ByteOrder) *Writer {
	return &Writer{
		writer:    writer,
		byteOrder: byteOrder,
	}
}

func (w *Writer) WriteUint8(value uint8) error {
	bs := w.scratch[:1]
	bs[0] = value
	_, err := w.writer.Write(bs)

	return err
}

func (w *Writer) WriteUint32(value uint32) error {
	bs := w.scratch[:4]
	w.byteOrder.PutUint32(bs, value)
	_, err := w.writer.Write(bs)

	return err
}

func (w *Writer) WriteUint64(value uint64) error {
	bs := w.scratch[:8]
	w.byteOrder.PutUint64(bs, value)
	_, err := w.writer.Write(bs)

	return err
}

// WriteInt64 writes the two's-complement representation of value.
func (w *Writer) WriteInt64(value int64) error {
	return w.WriteUint64(uint64(value))
}

// WriteBytes writes a uint32 length prefix followed by the bytes themselves.
func (w *Writer) WriteBytes(value []byte) error {
	if err := w.WriteUint32(uint32(len(value))); err != nil {
		return err
	}

	_, err := w.writer.Write(value)

	return err
}

func (w *Writer) WriteString(value string) error {
	return w.WriteBytes([]byte(value))
}
