package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Assembler joins segmented messages into one logical frame. Control frames
// may arrive between segments and pass straight through.
type Assembler struct {
	limits  Limits
	active  bool
	header  Header
	payload []byte
}

func NewAssembler(limits Limits) *Assembler {
	return &Assembler{limits: limits}
}

// Add consumes one frame and returns a complete message when one is ready.
func (a *Assembler) Add(f Frame) (Frame, bool, error) {
	if f.Header.IsControl() {
		return f, true, nil
	}
	switch f.Header.Segment() {
	case 0:
		if a.active {
			return Frame{}, false, fmt.Errorf("%w: unsegmented command %d inside segmented command %d", ErrSegmentSequence, f.Header.Command, a.header.Command)
		}
		return f, true, nil
	case FlagSegmentFirst:
		if a.active {
			return Frame{}, false, fmt.Errorf("%w: new first segment before last", ErrSegmentSequence)
		}
		a.active = true
		a.header = f.Header
		a.header.Flags &^= FlagSegmentMask
		a.payload = append(a.payload[:0], f.Payload...)
		return Frame{}, false, nil
	default:
		if !a.active {
			return Frame{}, false, fmt.Errorf("%w: continuation without first segment", ErrSegmentSequence)
		}
		if f.Header.Command != a.header.Command {
			return Frame{}, false, fmt.Errorf("%w: command %d continues %d", ErrSegmentSequence, f.Header.Command, a.header.Command)
		}
		if a.limits.MaxPayloadBytes > 0 && uint64(len(a.payload))+uint64(len(f.Payload)) > uint64(a.limits.MaxPayloadBytes) {
			a.reset()
			return Frame{}, false, ErrPayloadTooLarge
		}
		a.payload = append(a.payload, f.Payload...)
		if f.Header.Segment() != FlagSegmentLast {
			return Frame{}, false, nil
		}
		out := Frame{Header: a.header, Payload: bytes.Clone(a.payload)}
		out.Header.PayloadLen = uint32(len(out.Payload))
		a.reset()
		return out, true, nil
	}
}

func (a *Assembler) reset() {
	a.active = false
	a.header = Header{}
	a.payload = a.payload[:0]
}

// Reader reads logical messages from a byte stream, tolerating arbitrary
// read boundaries and reassembling segments.
type Reader struct {
	r       io.Reader
	limits  Limits
	buf     []byte
	scratch []byte
	asm     *Assembler
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:       r,
		limits:  limits,
		scratch: make([]byte, 32*1024),
		asm:     NewAssembler(limits),
	}
}

// ReadFrame returns the next complete message. Returned payloads are owned
// by the caller.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, ok, err := r.next()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
	}
}

func (r *Reader) next() (Frame, bool, error) {
	for {
		f, n, err := Parse(r.buf, r.limits)
		if err == nil {
			f.Payload = bytes.Clone(f.Payload)
			r.buf = r.buf[n:]
			if len(r.buf) == 0 {
				r.buf = nil
			}
			return r.asm.Add(f)
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return Frame{}, false, err
		}
		n, rerr := r.r.Read(r.scratch)
		r.buf = append(r.buf, r.scratch[:n]...)
		if rerr != nil {
			if n > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) && len(r.buf) > 0 {
				return Frame{}, false, io.ErrUnexpectedEOF
			}
			return Frame{}, false, rerr
		}
	}
}
