package server

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func decodeReply(t *testing.T, d datagram) protocol.SearchReply {
	t.Helper()
	msgs, _, err := protocol.DecodeDatagram(d.payload)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("decode reply: %v (%d messages)", err, len(msgs))
	}
	reply, ok := msgs[0].(protocol.SearchReply)
	if !ok {
		t.Fatalf("reply is %T", msgs[0])
	}
	return reply
}

func searchDatagram(req protocol.SearchRequest) []byte {
	return protocol.Encode(req, binary.BigEndian, false)
}

func TestListenerAnswersServedNames(t *testing.T) {
	testlog.Start(t)

	guid := uuid.New()
	l := NewListener(Identity{GUID: guid, TCPPort: 5075, TLSPort: 5077}, NewMemoryBackend(map[string]any{"X": 1, "Y": 2}))
	from := netip.MustParseAddrPort("10.0.0.4:40000")

	cases := []struct {
		name      string
		req       protocol.SearchRequest
		wantReply bool
		want      protocol.SearchReply
		wantTo    netip.AddrPort
	}{
		{
			name: "served names",
			req: protocol.SearchRequest{
				Sequence:  3,
				Response:  netip.MustParseAddrPort("0.0.0.0:41000"),
				Protocols: []string{protocol.ProtocolTCP},
				Channels:  []protocol.SearchChannel{{ID: 1, Name: "X"}, {ID: 2, Name: "Z"}, {ID: 3, Name: "Y"}},
			},
			wantReply: true,
			want: protocol.SearchReply{
				GUID: guid, Sequence: 3, Server: netip.MustParseAddrPort("0.0.0.0:5075"),
				Protocol: protocol.ProtocolTCP, Found: true, IDs: []uint32{1, 3},
			},
			wantTo: netip.MustParseAddrPort("10.0.0.4:41000"),
		},
		{
			name: "nothing served stays quiet",
			req: protocol.SearchRequest{
				Sequence: 4,
				Channels: []protocol.SearchChannel{{ID: 9, Name: "Z"}},
			},
		},
		{
			name: "reply required",
			req: protocol.SearchRequest{
				Sequence: 5,
				Flags:    protocol.SearchReplyRequired,
				Response: netip.MustParseAddrPort("192.168.1.9:41001"),
				Channels: []protocol.SearchChannel{{ID: 9, Name: "Z"}},
			},
			wantReply: true,
			want: protocol.SearchReply{
				GUID: guid, Sequence: 5, Server: netip.MustParseAddrPort("0.0.0.0:5075"), Protocol: protocol.ProtocolTCP,
			},
			wantTo: netip.MustParseAddrPort("192.168.1.9:41001"),
		},
		{
			name: "server list prefers tls",
			req: protocol.SearchRequest{
				Sequence:  6,
				Response:  netip.MustParseAddrPort("0.0.0.0:41002"),
				Protocols: []string{protocol.ProtocolTCP, protocol.ProtocolTLS},
			},
			wantReply: true,
			want: protocol.SearchReply{
				GUID: guid, Sequence: 6, Server: netip.MustParseAddrPort("0.0.0.0:5077"), Protocol: protocol.ProtocolTLS, Found: true,
			},
			wantTo: netip.MustParseAddrPort("10.0.0.4:41002"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := l.handleDatagram(searchDatagram(tc.req), from)
			if !tc.wantReply {
				if len(out) != 0 {
					t.Fatalf("expected no reply, got %d", len(out))
				}
				return
			}
			if len(out) != 1 {
				t.Fatalf("replies = %d", len(out))
			}
			if out[0].to != tc.wantTo {
				t.Fatalf("reply to %v, want %v", out[0].to, tc.wantTo)
			}
			got := decodeReply(t, out[0])
			addrEqual := cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })
			if diff := cmp.Diff(tc.want, got, addrEqual); diff != "" {
				t.Fatalf("reply (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListenerIgnoresGarbage(t *testing.T) {
	testlog.Start(t)

	l := NewListener(Identity{TCPPort: 5075}, NewMemoryBackend(nil))
	if out := l.handleDatagram([]byte{0x01, 0x02}, netip.MustParseAddrPort("10.0.0.4:1")); len(out) != 0 {
		t.Fatalf("garbage produced %d replies", len(out))
	}
}
