package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 8

	Magic   byte = 0xCA
	Version byte = 2

	FlagControl       byte = 0x01
	FlagSegmentFirst  byte = 0x10
	FlagSegmentLast   byte = 0x20
	FlagSegmentMiddle byte = 0x30
	FlagSegmentMask   byte = 0x30
	FlagFromServer    byte = 0x40
	FlagBigEndian     byte = 0x80
)

var (
	ErrIncompleteFrame = errors.New("frame: incomplete frame")
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrSegmentSequence = errors.New("frame: segment out of sequence")
)

// Header is the fixed 8 byte wire header. For control messages PayloadLen
// carries the control value and no payload bytes follow.
type Header struct {
	Version    byte
	Flags      byte
	Command    byte
	PayloadLen uint32
}

// Frame is one decoded wire message or segment.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

func (h Header) Order() binary.ByteOrder {
	if h.Flags&FlagBigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (h Header) IsControl() bool  { return h.Flags&FlagControl != 0 }
func (h Header) FromServer() bool { return h.Flags&FlagFromServer != 0 }
func (h Header) Segment() byte    { return h.Flags & FlagSegmentMask }

// OrderFlag returns the flag bits that select order on the wire.
func OrderFlag(order binary.ByteOrder) byte {
	if order == binary.ByteOrder(binary.BigEndian) {
		return FlagBigEndian
	}
	return 0
}

func AppendHeader(b []byte, h Header) []byte {
	version := h.Version
	if version == 0 {
		version = Version
	}
	b = append(b, Magic, version, h.Flags, h.Command)
	if h.Flags&FlagBigEndian != 0 {
		return binary.BigEndian.AppendUint32(b, h.PayloadLen)
	}
	return binary.LittleEndian.AppendUint32(b, h.PayloadLen)
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderLen), h)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrIncompleteFrame
	}
	if b[0] != Magic {
		return Header{}, fmt.Errorf("%w: magic 0x%02x", ErrMalformedHeader, b[0])
	}
	if b[1] == 0 || b[1] > Version {
		return Header{}, fmt.Errorf("%w: version %d", ErrMalformedHeader, b[1])
	}
	h := Header{Version: b[1], Flags: b[2], Command: b[3]}
	h.PayloadLen = h.Order().Uint32(b[4:8])
	return h, nil
}

// Parse decodes the first frame in b and reports how many bytes it used.
// It returns ErrIncompleteFrame while b holds only part of a frame; callers
// should buffer more input and retry. Payload aliases b.
func Parse(b []byte, limits Limits) (Frame, int, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if h.IsControl() {
		return Frame{Header: h}, HeaderLen, nil
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}
	end := HeaderLen + int(h.PayloadLen)
	if len(b) < end {
		return Frame{}, 0, ErrIncompleteFrame
	}
	return Frame{Header: h, Payload: b[HeaderLen:end]}, end, nil
}

// Append encodes f onto b, fixing PayloadLen for non-control frames.
func Append(b []byte, f Frame) []byte {
	h := f.Header
	if h.IsControl() {
		return AppendHeader(b, h)
	}
	h.PayloadLen = uint32(len(f.Payload))
	b = AppendHeader(b, h)
	return append(b, f.Payload...)
}

// Split cuts f into segments whose payloads are at most maxSegment bytes.
// Control frames and frames that already fit are returned unchanged.
func Split(f Frame, maxSegment int) []Frame {
	if f.Header.IsControl() || maxSegment <= 0 || len(f.Payload) <= maxSegment {
		return []Frame{f}
	}
	n := (len(f.Payload) + maxSegment - 1) / maxSegment
	out := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxSegment
		end := min(start+maxSegment, len(f.Payload))
		h := f.Header
		h.Flags &^= FlagSegmentMask
		switch {
		case i == 0:
			h.Flags |= FlagSegmentFirst
		case i == n-1:
			h.Flags |= FlagSegmentLast
		default:
			h.Flags |= FlagSegmentMiddle
		}
		out = append(out, Frame{Header: h, Payload: f.Payload[start:end]})
	}
	return out
}

// WriteFrames encodes frames into a single buffer and writes it once.
func WriteFrames(w io.Writer, frames ...Frame) error {
	size := 0
	for _, f := range frames {
		size += HeaderLen + len(f.Payload)
	}
	buf := make([]byte, 0, size)
	for _, f := range frames {
		buf = Append(buf, f)
	}
	_, err := w.Write(buf)
	return err
}
