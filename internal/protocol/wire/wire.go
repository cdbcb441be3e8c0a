// Package wire holds the primitive encodings shared by every protocol
// message: sizes, strings, 16 byte addresses and fixed width integers in a
// caller-selected byte order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	sizeNull     = 0xFF
	sizeExtended = 0xFE

	AddrLen = 16
)

var (
	ErrShort        = errors.New("wire: short buffer")
	ErrNegativeSize = errors.New("wire: negative size")
)

// Writer appends encoded primitives to a byte slice.
type Writer struct {
	order binary.ByteOrder
	buf   []byte
}

func NewWriter(order binary.ByteOrder, buf []byte) *Writer {
	return &Writer{order: order, buf: buf}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

func (w *Writer) U16(v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Size writes a size using the compact form: one byte below 254, otherwise
// a marker byte followed by a 32 bit value. Negative sizes encode null.
func (w *Writer) Size(n int) {
	switch {
	case n < 0:
		w.U8(sizeNull)
	case n < sizeExtended:
		w.U8(uint8(n))
	default:
		w.U8(sizeExtended)
		w.U32(uint32(n))
	}
}

// SizeLen is the encoded length of a size prefix for n.
func SizeLen(n int) int {
	if n >= sizeExtended {
		return 5
	}
	return 1
}

// StringLen is the encoded length of s including its size prefix.
func StringLen(s string) int { return SizeLen(len(s)) + len(s) }

func (w *Writer) String(s string) {
	w.Size(len(s))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Strings(list []string) {
	w.Size(len(list))
	for _, s := range list {
		w.String(s)
	}
}

// Blob writes a size prefixed byte slice; nil encodes as null.
func (w *Writer) Blob(b []byte) {
	if b == nil {
		w.Size(-1)
		return
	}
	w.Size(len(b))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Addr writes a 16 byte address. IPv4 is stored IPv4-mapped; an invalid
// address encodes as all zeros.
func (w *Writer) Addr(a netip.Addr) {
	var b [AddrLen]byte
	if a.IsValid() {
		b = a.As16()
	}
	w.buf = append(w.buf, b[:]...)
}

// Reader consumes encoded primitives. The first failure sticks; callers
// check Err once after reading a whole message.
type Reader struct {
	order binary.ByteOrder
	buf   []byte
	off   int
	err   error
}

func NewReader(order binary.ByteOrder, buf []byte) *Reader {
	return &Reader{order: order, buf: buf}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.fail(ErrNegativeSize)
		return nil
	}
	if r.Remaining() < n {
		r.fail(fmt.Errorf("%w: need %d have %d", ErrShort, n, r.Remaining()))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

// Size reads a compact size; null reads as -1.
func (r *Reader) Size() int {
	b := r.U8()
	switch {
	case r.err != nil:
		return 0
	case b == sizeNull:
		return -1
	case b == sizeExtended:
		n := int32(r.U32())
		if n < 0 {
			r.fail(ErrNegativeSize)
			return 0
		}
		return int(n)
	default:
		return int(b)
	}
}

func (r *Reader) String() string {
	n := r.Size()
	if n <= 0 {
		return ""
	}
	return string(r.take(n))
}

func (r *Reader) Strings() []string {
	n := r.Size()
	if n <= 0 {
		return nil
	}
	if n > r.Remaining() {
		r.fail(fmt.Errorf("%w: %d strings", ErrShort, n))
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	return out
}

func (r *Reader) Blob() []byte {
	n := r.Size()
	if n < 0 || r.err != nil {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) Skip(n int) { r.take(n) }

// Addr reads a 16 byte address. All zeros decodes as the IPv4 unspecified
// address so callers can substitute the sender.
func (r *Reader) Addr() netip.Addr {
	b := r.take(AddrLen)
	if b == nil {
		return netip.Addr{}
	}
	var a [AddrLen]byte
	copy(a[:], b)
	if a == ([AddrLen]byte{}) {
		return netip.IPv4Unspecified()
	}
	return netip.AddrFrom16(a).Unmap()
}
