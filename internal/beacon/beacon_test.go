package beacon

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/google/uuid"
)

var (
	cfg   = Config{FastMin: 500 * time.Millisecond, FastMax: 5 * time.Second, MaxAge: 5 * time.Minute}
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	addrA = netip.MustParseAddrPort("10.0.0.7:5075")
	addrB = netip.MustParseAddrPort("10.0.0.8:5075")
)

func TestClassifyTable(t *testing.T) {
	testlog.Start(t)

	tokA := uuid.New()
	tokB := uuid.New()
	prev := &Record{Addr: addrA, Token: tokA, Change: 1, FirstSeen: start, LastSeen: start}

	cases := []struct {
		name   string
		prev   *Record
		obs    Observation
		reason Reason
		period time.Duration
	}{
		{"first sighting", nil, Observation{Addr: addrA, Token: tokA, At: start}, ReasonUnknownServer, 0},
		{"restart new token", prev, Observation{Addr: addrA, Token: tokB, Change: 1, At: start.Add(15 * time.Second)}, ReasonNewToken, 0},
		{"change counter", prev, Observation{Addr: addrA, Token: tokA, Change: 2, At: start.Add(15 * time.Second)}, ReasonChanged, 15 * time.Second},
		{"fast period", prev, Observation{Addr: addrA, Token: tokA, Change: 1, At: start.Add(time.Second)}, ReasonFastPeriod, time.Second},
		{"fast lower bound", prev, Observation{Addr: addrA, Token: tokA, Change: 1, At: start.Add(500 * time.Millisecond)}, ReasonFastPeriod, 500 * time.Millisecond},
		{"duplicate below range", prev, Observation{Addr: addrA, Token: tokA, Change: 1, At: start.Add(10 * time.Millisecond)}, ReasonRoutine, 10 * time.Millisecond},
		{"slow routine", prev, Observation{Addr: addrA, Token: tokA, Change: 1, At: start.Add(15 * time.Second)}, ReasonRoutine, 15 * time.Second},
		{"address moved", prev, Observation{Addr: addrB, Token: tokA, Change: 1, At: start.Add(15 * time.Second)}, ReasonRoutine, 15 * time.Second},
	}
	for _, tc := range cases {
		rec, reason := Classify(tc.prev, tc.obs, cfg)
		if reason != tc.reason {
			t.Fatalf("%s: reason %q want %q", tc.name, reason, tc.reason)
		}
		if rec.Period != tc.period {
			t.Fatalf("%s: period %v want %v", tc.name, rec.Period, tc.period)
		}
		if rec.Addr != tc.obs.Addr || rec.Token != tc.obs.Token || !rec.LastSeen.Equal(tc.obs.At) {
			t.Fatalf("%s: record not updated: %+v", tc.name, rec)
		}
	}
}

func TestClassifyDoesNotMutatePrevious(t *testing.T) {
	testlog.Start(t)

	prev := &Record{Addr: addrA, Token: uuid.New(), LastSeen: start}
	before := *prev
	Classify(prev, Observation{Addr: addrA, Token: prev.Token, At: start.Add(time.Minute)}, cfg)
	if *prev != before {
		t.Fatalf("classify mutated previous record")
	}
}

func TestTrackerRaisesEventsForNewServers(t *testing.T) {
	testlog.Start(t)

	clk := clock.NewManual(start)
	tr := NewTracker(cfg, WithClock(clk))
	tok := uuid.New()

	if r := tr.Observe(Observation{Addr: addrA, Token: tok}); r != ReasonUnknownServer {
		t.Fatalf("first beacon reason %q", r)
	}
	clk.Advance(15 * time.Second)
	if r := tr.Observe(Observation{Addr: addrA, Token: tok}); r != ReasonRoutine {
		t.Fatalf("routine beacon reason %q", r)
	}
	clk.Advance(15 * time.Second)
	restarted := uuid.New()
	if r := tr.Observe(Observation{Addr: addrA, Token: restarted}); r != ReasonNewToken {
		t.Fatalf("restart beacon reason %q", r)
	}

	var got []Reason
	for len(tr.Events()) > 0 {
		got = append(got, (<-tr.Events()).Reason)
	}
	if len(got) != 2 || got[0] != ReasonUnknownServer || got[1] != ReasonNewToken {
		t.Fatalf("events = %v", got)
	}
	recs := tr.Records()
	if len(recs) != 1 || recs[0].Token != restarted {
		t.Fatalf("restart should replace old record: %+v", recs)
	}
}

func TestTrackerSweepAgesOutStaleRecords(t *testing.T) {
	testlog.Start(t)

	clk := clock.NewManual(start)
	tr := NewTracker(cfg, WithClock(clk))
	tr.Observe(Observation{Addr: addrA, Token: uuid.New()})
	clk.Advance(4 * time.Minute)
	tr.Observe(Observation{Addr: addrB, Token: uuid.New()})

	if n := tr.Sweep(clk.Advance(2 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d", n)
	}
	recs := tr.Records()
	if len(recs) != 1 || recs[0].Addr != addrB {
		t.Fatalf("remaining records = %+v", recs)
	}
}

func TestTrackerEventsDropWhenFull(t *testing.T) {
	testlog.Start(t)

	tr := NewTracker(cfg, WithEventBuffer(1), WithClock(clock.NewManual(start)))
	tr.Observe(Observation{Addr: addrA, Token: uuid.New()})
	tr.Observe(Observation{Addr: addrB, Token: uuid.New()})
	if len(tr.Events()) != 1 {
		t.Fatalf("buffered events = %d", len(tr.Events()))
	}
}

func TestHandleDatagramSubstitutesSender(t *testing.T) {
	testlog.Start(t)

	tr := NewTracker(cfg, WithClock(clock.NewManual(start)))
	tok := uuid.New()
	b := protocol.Beacon{GUID: tok, Server: netip.AddrPortFrom(netip.IPv4Unspecified(), 5075), Protocol: protocol.ProtocolTCP}
	dgram := protocol.Encode(b, binary.LittleEndian, true)
	tr.HandleDatagram(dgram, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 40000})

	recs := tr.Records()
	if len(recs) != 1 || recs[0].Addr != netip.MustParseAddrPort("10.0.0.9:5075") {
		t.Fatalf("records = %+v", recs)
	}
}
