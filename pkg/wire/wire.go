// Package wire provides small little-endian cursor helpers for the
// fixed-layout binary structures this kernel passes across
// process/device boundaries: the boot-info struct (internal/boot) and
// the compositor's menu blob (internal/compositor).
// A reusable cursor replaces one hand-rolled marshal function per
// struct type.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ErrShortBuffer is returned when a Reader runs out of bytes mid-field.
var ErrShortBuffer = fmt.Errorf("wire: short buffer")

// Writer accumulates little-endian fields into a growable byte buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// Raw appends p verbatim.
func (w *Writer) Raw(p []byte) { w.buf = append(w.buf, p...) }

// Pad4 appends zero bytes until Len() is a multiple of 4, mirroring the
// menu blob's "name bytes (padded to 4)" / "label bytes (padded)" layout.
func (w *Writer) Pad4() {
	for w.Len()%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Reader consumes little-endian fields off a fixed byte slice.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// Pad4 advances past zero padding until the cursor is 4-byte aligned.
func (r *Reader) Pad4() error {
	for r.off%4 != 0 {
		if _, err := r.U8(); err != nil {
			return err
		}
	}
	return nil
}
