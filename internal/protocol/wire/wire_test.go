package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/danmuck/pvagate/internal/testutil/testlog"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	testlog.Start(t)

	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		w := NewWriter(order, nil)
		w.U8(7)
		w.Bool(true)
		w.U16(0xBEEF)
		w.U32(0xDEADBEEF)
		w.String("channel:one")
		w.Strings([]string{"anonymous", "x509"})
		w.Blob([]byte{1, 2, 3})
		w.Blob(nil)
		w.Addr(netip.MustParseAddr("10.1.2.3"))
		w.Addr(netip.MustParseAddr("fe80::1"))

		r := NewReader(order, w.Bytes())
		if got := r.U8(); got != 7 {
			t.Fatalf("u8 = %d", got)
		}
		if !r.Bool() {
			t.Fatalf("bool = false")
		}
		if got := r.U16(); got != 0xBEEF {
			t.Fatalf("u16 = %#x", got)
		}
		if got := r.U32(); got != 0xDEADBEEF {
			t.Fatalf("u32 = %#x", got)
		}
		if got := r.String(); got != "channel:one" {
			t.Fatalf("string = %q", got)
		}
		if got := r.Strings(); len(got) != 2 || got[1] != "x509" {
			t.Fatalf("strings = %v", got)
		}
		if got := r.Blob(); len(got) != 3 || got[2] != 3 {
			t.Fatalf("blob = %v", got)
		}
		if got := r.Blob(); got != nil {
			t.Fatalf("null blob = %v", got)
		}
		if got := r.Addr(); got != netip.MustParseAddr("10.1.2.3") {
			t.Fatalf("v4 addr = %v", got)
		}
		if got := r.Addr(); got != netip.MustParseAddr("fe80::1") {
			t.Fatalf("v6 addr = %v", got)
		}
		if err := r.Err(); err != nil {
			t.Fatalf("reader err: %v", err)
		}
		if r.Remaining() != 0 {
			t.Fatalf("remaining = %d", r.Remaining())
		}
	}
}

func TestExtendedSize(t *testing.T) {
	testlog.Start(t)

	long := strings.Repeat("x", 1000)
	w := NewWriter(binary.BigEndian, nil)
	w.String(long)
	if w.Bytes()[0] != sizeExtended {
		t.Fatalf("expected extended size marker, got %#x", w.Bytes()[0])
	}
	if w.Len() != 1+4+1000 {
		t.Fatalf("encoded length %d", w.Len())
	}
	r := NewReader(binary.BigEndian, w.Bytes())
	if got := r.String(); got != long {
		t.Fatalf("long string mismatch")
	}
}

func TestReaderShortBufferSticks(t *testing.T) {
	testlog.Start(t)

	r := NewReader(binary.LittleEndian, []byte{5, 'a', 'b'})
	_ = r.String()
	_ = r.U32()
	if !errors.Is(r.Err(), ErrShort) {
		t.Fatalf("expected ErrShort, got %v", r.Err())
	}
}

func TestZeroAddrDecodesUnspecified(t *testing.T) {
	testlog.Start(t)

	w := NewWriter(binary.BigEndian, nil)
	w.Addr(netip.Addr{})
	r := NewReader(binary.BigEndian, w.Bytes())
	if got := r.Addr(); !got.IsUnspecified() {
		t.Fatalf("expected unspecified, got %v", got)
	}
}

func TestEncodedLengthHelpers(t *testing.T) {
	testlog.Start(t)

	for _, s := range []string{"", "abc", strings.Repeat("y", 253), strings.Repeat("y", 254), strings.Repeat("z", 4000)} {
		w := NewWriter(binary.LittleEndian, nil)
		w.String(s)
		if got := StringLen(s); got != w.Len() {
			t.Fatalf("StringLen(%d chars) = %d, encoded %d", len(s), got, w.Len())
		}
	}
}
