package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/danmuck/pvagate/internal/protocol/frame"
	"github.com/danmuck/pvagate/internal/protocol/wire"
	"github.com/google/uuid"
)

// ToFrame encodes m as a single unsegmented frame.
func ToFrame(m Message, order binary.ByteOrder, fromServer bool) frame.Frame {
	flags := frame.OrderFlag(order)
	if fromServer {
		flags |= frame.FlagFromServer
	}
	if sbo, ok := m.(SetByteOrder); ok {
		flags = flags&^frame.FlagBigEndian | frame.FlagControl
		if sbo.BigEndian {
			flags |= frame.FlagBigEndian
		}
		return frame.Frame{Header: frame.Header{Version: frame.Version, Flags: flags, Command: byte(m.Command())}}
	}
	w := wire.NewWriter(order, nil)
	m.appendPayload(w)
	return frame.Frame{
		Header:  frame.Header{Version: frame.Version, Flags: flags, Command: byte(m.Command())},
		Payload: w.Bytes(),
	}
}

// Encode returns the complete wire bytes for m.
func Encode(m Message, order binary.ByteOrder, fromServer bool) []byte {
	return frame.Append(nil, ToFrame(m, order, fromServer))
}

// EncodeSegmented encodes m and splits it so no segment payload exceeds
// maxSegment bytes.
func EncodeSegmented(m Message, order binary.ByteOrder, fromServer bool, maxSegment int) []frame.Frame {
	return frame.Split(ToFrame(m, order, fromServer), maxSegment)
}

// Decode turns one complete (reassembled) frame into a message. The
// from-server flag selects between the request and response shape of
// commands that share a code.
func Decode(f frame.Frame) (Message, error) {
	h := f.Header
	if h.IsControl() {
		if Command(h.Command) == CtrlSetByteOrder {
			return SetByteOrder{BigEndian: h.Flags&frame.FlagBigEndian != 0}, nil
		}
		return nil, fmt.Errorf("%w: control %d", ErrUnknownCommand, h.Command)
	}

	r := wire.NewReader(h.Order(), f.Payload)
	fromServer := h.FromServer()
	var m Message
	switch cmd := Command(h.Command); cmd {
	case CmdBeacon:
		m = readBeacon(r)
	case CmdSearch:
		m = readSearchRequest(r)
	case CmdSearchReply:
		m = readSearchReply(r)
	case CmdConnectionValidation:
		if fromServer {
			m = ValidationRequest{ReceiveBufferSize: r.U32(), RegistrySize: r.U16(), AuthMethods: r.Strings()}
		} else {
			m = ValidationResponse{ReceiveBufferSize: r.U32(), RegistrySize: r.U16(), QoS: r.U16(), AuthMethod: r.String(), AuthData: r.Blob()}
		}
	case CmdConnectionValidated:
		m = Validated{Status: readStatus(r)}
	case CmdCreateChannel:
		if fromServer {
			m = CreateChannelResponse{CID: r.U32(), SID: r.U32(), Status: readStatus(r)}
		} else {
			m = readCreateChannelRequest(r)
		}
	case CmdDestroyChannel:
		m = DestroyChannel{SID: r.U32(), CID: r.U32()}
	case CmdGet:
		if fromServer {
			m = GetResponse{IOID: r.U32(), Sub: r.U8(), Status: readStatus(r), Value: r.Blob()}
		} else {
			m = GetRequest{SID: r.U32(), IOID: r.U32(), Sub: r.U8(), Request: r.String()}
		}
	case CmdPut:
		if fromServer {
			m = PutResponse{IOID: r.U32(), Sub: r.U8(), Status: readStatus(r)}
		} else {
			m = PutRequest{SID: r.U32(), IOID: r.U32(), Sub: r.U8(), Value: r.Blob()}
		}
	case CmdMonitor:
		if fromServer {
			m = MonitorUpdate{IOID: r.U32(), Sub: r.U8(), Status: readStatus(r), Value: r.Blob()}
		} else {
			m = MonitorRequest{SID: r.U32(), IOID: r.U32(), Sub: r.U8(), QueueSize: r.U32()}
		}
	case CmdEcho:
		data := rest(r)
		if fromServer {
			m = EchoResponse{Data: data}
		} else {
			m = EchoRequest{Data: data}
		}
	case CmdMessage:
		m = ErrorMessage{IOID: r.U32(), Severity: StatusType(r.U8()), Text: r.String()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, h.Command)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTruncated, Command(h.Command), err)
	}
	return m, nil
}

// DecodeDatagram decodes every message packed into one UDP datagram.
// Datagrams are never segmented.
func DecodeDatagram(b []byte) ([]Message, []frame.Header, error) {
	var (
		msgs    []Message
		headers []frame.Header
	)
	for len(b) > 0 {
		f, n, err := frame.Parse(b, frame.Limits{MaxPayloadBytes: uint32(len(b))})
		if err != nil {
			if errors.Is(err, frame.ErrIncompleteFrame) {
				return msgs, headers, fmt.Errorf("%w: datagram", ErrTruncated)
			}
			return msgs, headers, err
		}
		b = b[n:]
		m, err := Decode(f)
		if err != nil {
			return msgs, headers, err
		}
		msgs = append(msgs, m)
		headers = append(headers, f.Header)
	}
	return msgs, headers, nil
}

func rest(r *wire.Reader) []byte {
	if r.Remaining() == 0 {
		return nil
	}
	return r.Raw(r.Remaining())
}

func readGUID(r *wire.Reader) uuid.UUID {
	var g uuid.UUID
	copy(g[:], r.Raw(len(g)))
	return g
}

func readAddrPort(r *wire.Reader) netip.AddrPort {
	addr := r.Addr()
	port := r.U16()
	return netip.AddrPortFrom(addr, port)
}

func readBeacon(r *wire.Reader) Beacon {
	var m Beacon
	m.GUID = readGUID(r)
	m.Flags = r.U8()
	m.Sequence = r.U8()
	m.Change = r.U16()
	m.Server = readAddrPort(r)
	m.Protocol = r.String()
	return m
}

func readSearchRequest(r *wire.Reader) SearchRequest {
	var m SearchRequest
	m.Sequence = r.U32()
	m.Flags = r.U8()
	r.Skip(3)
	m.Response = readAddrPort(r)
	m.Protocols = r.Strings()
	n := int(r.U16())
	if n > r.Remaining() {
		r.Skip(n)
		return m
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		id := r.U32()
		m.Channels = append(m.Channels, SearchChannel{ID: id, Name: r.String()})
	}
	return m
}

func readSearchReply(r *wire.Reader) SearchReply {
	var m SearchReply
	m.GUID = readGUID(r)
	m.Sequence = r.U32()
	m.Server = readAddrPort(r)
	m.Protocol = r.String()
	m.Found = r.Bool()
	n := int(r.U16())
	if n*4 > r.Remaining() {
		r.Skip(n * 4)
		return m
	}
	for i := 0; i < n; i++ {
		m.IDs = append(m.IDs, r.U32())
	}
	return m
}

func readCreateChannelRequest(r *wire.Reader) CreateChannelRequest {
	var m CreateChannelRequest
	n := int(r.U16())
	if n > r.Remaining() {
		r.Skip(n)
		return m
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		cid := r.U32()
		m.Channels = append(m.Channels, ChannelRequest{CID: cid, Name: r.String()})
	}
	return m
}
