package protocol

import (
	"fmt"
	"net/netip"

	"github.com/danmuck/pvagate/internal/protocol/wire"
	"github.com/google/uuid"
)

type Command byte

const (
	CmdBeacon              Command = 0
	CmdConnectionValidation Command = 1
	CmdEcho                Command = 2
	CmdSearch              Command = 3
	CmdSearchReply         Command = 4
	CmdCreateChannel       Command = 7
	CmdDestroyChannel      Command = 8
	CmdConnectionValidated Command = 9
	CmdGet                 Command = 10
	CmdPut                 Command = 11
	CmdMonitor             Command = 13
	CmdMessage             Command = 18

	// Control commands travel with the control flag and no payload.
	CtrlSetByteOrder Command = 2
)

func (c Command) String() string {
	switch c {
	case CmdBeacon:
		return "beacon"
	case CmdConnectionValidation:
		return "connection-validation"
	case CmdEcho:
		return "echo"
	case CmdSearch:
		return "search"
	case CmdSearchReply:
		return "search-reply"
	case CmdCreateChannel:
		return "create-channel"
	case CmdDestroyChannel:
		return "destroy-channel"
	case CmdConnectionValidated:
		return "connection-validated"
	case CmdGet:
		return "get"
	case CmdPut:
		return "put"
	case CmdMonitor:
		return "monitor"
	case CmdMessage:
		return "message"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// Request sub-commands.
const (
	SubDefault uint8 = 0x00
	SubStop    uint8 = 0x04
	SubInit    uint8 = 0x08
	SubDestroy uint8 = 0x10
	SubGet     uint8 = 0x40
	SubStart   uint8 = 0x44
)

// Search request flags.
const (
	SearchReplyRequired uint8 = 0x01
	SearchUnicast       uint8 = 0x80
)

const ProtocolTCP = "tcp"
const ProtocolTLS = "tls"

// Message is implemented by every wire message.
type Message interface {
	Command() Command
	appendPayload(w *wire.Writer)
}

type Beacon struct {
	GUID     uuid.UUID
	Flags    uint8
	Sequence uint8
	Change   uint16
	Server   netip.AddrPort
	Protocol string
}

func (Beacon) Command() Command { return CmdBeacon }

func (m Beacon) appendPayload(w *wire.Writer) {
	w.Raw(m.GUID[:])
	w.U8(m.Flags)
	w.U8(m.Sequence)
	w.U16(m.Change)
	w.Addr(m.Server.Addr())
	w.U16(m.Server.Port())
	w.String(m.Protocol)
}

type SearchChannel struct {
	ID   uint32
	Name string
}

type SearchRequest struct {
	Sequence  uint32
	Flags     uint8
	Response  netip.AddrPort
	Protocols []string
	Channels  []SearchChannel
}

func (SearchRequest) Command() Command { return CmdSearch }

// IsServerList reports whether the request asks every server to identify itself.
func (m SearchRequest) IsServerList() bool { return len(m.Channels) == 0 }

func (m SearchRequest) appendPayload(w *wire.Writer) {
	w.U32(m.Sequence)
	w.U8(m.Flags)
	w.Raw([]byte{0, 0, 0})
	w.Addr(m.Response.Addr())
	w.U16(m.Response.Port())
	w.Strings(m.Protocols)
	w.U16(uint16(len(m.Channels)))
	for _, ch := range m.Channels {
		w.U32(ch.ID)
		w.String(ch.Name)
	}
}

type SearchReply struct {
	GUID     uuid.UUID
	Sequence uint32
	Server   netip.AddrPort
	Protocol string
	Found    bool
	IDs      []uint32
}

func (SearchReply) Command() Command { return CmdSearchReply }

func (m SearchReply) appendPayload(w *wire.Writer) {
	w.Raw(m.GUID[:])
	w.U32(m.Sequence)
	w.Addr(m.Server.Addr())
	w.U16(m.Server.Port())
	w.String(m.Protocol)
	w.Bool(m.Found)
	w.U16(uint16(len(m.IDs)))
	for _, id := range m.IDs {
		w.U32(id)
	}
}

// ValidationRequest is the server's opening offer.
type ValidationRequest struct {
	ReceiveBufferSize uint32
	RegistrySize      uint16
	AuthMethods       []string
}

func (ValidationRequest) Command() Command { return CmdConnectionValidation }

func (m ValidationRequest) appendPayload(w *wire.Writer) {
	w.U32(m.ReceiveBufferSize)
	w.U16(m.RegistrySize)
	w.Strings(m.AuthMethods)
}

// ValidationResponse is the client's answer to ValidationRequest.
type ValidationResponse struct {
	ReceiveBufferSize uint32
	RegistrySize      uint16
	QoS               uint16
	AuthMethod        string
	AuthData          []byte
}

func (ValidationResponse) Command() Command { return CmdConnectionValidation }

func (m ValidationResponse) appendPayload(w *wire.Writer) {
	w.U32(m.ReceiveBufferSize)
	w.U16(m.RegistrySize)
	w.U16(m.QoS)
	w.String(m.AuthMethod)
	w.Blob(m.AuthData)
}

type Validated struct {
	Status Status
}

func (Validated) Command() Command { return CmdConnectionValidated }

func (m Validated) appendPayload(w *wire.Writer) { m.Status.append(w) }

type ChannelRequest struct {
	CID  uint32
	Name string
}

type CreateChannelRequest struct {
	Channels []ChannelRequest
}

func (CreateChannelRequest) Command() Command { return CmdCreateChannel }

func (m CreateChannelRequest) appendPayload(w *wire.Writer) {
	w.U16(uint16(len(m.Channels)))
	for _, ch := range m.Channels {
		w.U32(ch.CID)
		w.String(ch.Name)
	}
}

type CreateChannelResponse struct {
	CID    uint32
	SID    uint32
	Status Status
}

func (CreateChannelResponse) Command() Command { return CmdCreateChannel }

func (m CreateChannelResponse) appendPayload(w *wire.Writer) {
	w.U32(m.CID)
	w.U32(m.SID)
	m.Status.append(w)
}

// DestroyChannel is sent by a client closing a channel and by a server
// dropping one.
type DestroyChannel struct {
	SID uint32
	CID uint32
}

func (DestroyChannel) Command() Command { return CmdDestroyChannel }

func (m DestroyChannel) appendPayload(w *wire.Writer) {
	w.U32(m.SID)
	w.U32(m.CID)
}

type GetRequest struct {
	SID     uint32
	IOID    uint32
	Sub     uint8
	Request string
}

func (GetRequest) Command() Command { return CmdGet }

func (m GetRequest) appendPayload(w *wire.Writer) {
	w.U32(m.SID)
	w.U32(m.IOID)
	w.U8(m.Sub)
	w.String(m.Request)
}

type GetResponse struct {
	IOID   uint32
	Sub    uint8
	Status Status
	Value  []byte
}

func (GetResponse) Command() Command { return CmdGet }

func (m GetResponse) appendPayload(w *wire.Writer) {
	w.U32(m.IOID)
	w.U8(m.Sub)
	m.Status.append(w)
	w.Blob(m.Value)
}

type PutRequest struct {
	SID   uint32
	IOID  uint32
	Sub   uint8
	Value []byte
}

func (PutRequest) Command() Command { return CmdPut }

func (m PutRequest) appendPayload(w *wire.Writer) {
	w.U32(m.SID)
	w.U32(m.IOID)
	w.U8(m.Sub)
	w.Blob(m.Value)
}

type PutResponse struct {
	IOID   uint32
	Sub    uint8
	Status Status
}

func (PutResponse) Command() Command { return CmdPut }

func (m PutResponse) appendPayload(w *wire.Writer) {
	w.U32(m.IOID)
	w.U8(m.Sub)
	m.Status.append(w)
}

// MonitorRequest covers subscribe (SubInit|SubStart), pause (SubStop) and
// unsubscribe (SubDestroy).
type MonitorRequest struct {
	SID       uint32
	IOID      uint32
	Sub       uint8
	QueueSize uint32
}

func (MonitorRequest) Command() Command { return CmdMonitor }

func (m MonitorRequest) appendPayload(w *wire.Writer) {
	w.U32(m.SID)
	w.U32(m.IOID)
	w.U8(m.Sub)
	w.U32(m.QueueSize)
}

type MonitorUpdate struct {
	IOID   uint32
	Sub    uint8
	Status Status
	Value  []byte
}

func (MonitorUpdate) Command() Command { return CmdMonitor }

func (m MonitorUpdate) appendPayload(w *wire.Writer) {
	w.U32(m.IOID)
	w.U8(m.Sub)
	m.Status.append(w)
	w.Blob(m.Value)
}

type EchoRequest struct {
	Data []byte
}

func (EchoRequest) Command() Command { return CmdEcho }

func (m EchoRequest) appendPayload(w *wire.Writer) { w.Raw(m.Data) }

type EchoResponse struct {
	Data []byte
}

func (EchoResponse) Command() Command { return CmdEcho }

func (m EchoResponse) appendPayload(w *wire.Writer) { w.Raw(m.Data) }

// ErrorMessage reports a request-scoped problem outside a normal response.
type ErrorMessage struct {
	IOID     uint32
	Severity StatusType
	Text     string
}

func (ErrorMessage) Command() Command { return CmdMessage }

// Err returns the message as a *StatusError for cmd, or nil for info and
// warnings.
func (m ErrorMessage) Err(cmd Command) error {
	return Status{Type: m.Severity, Message: m.Text}.Err(cmd)
}

func (m ErrorMessage) appendPayload(w *wire.Writer) {
	w.U32(m.IOID)
	w.U8(uint8(m.Severity))
	w.String(m.Text)
}

// SetByteOrder is the control message a server sends first; the frame's
// order flag carries the value.
type SetByteOrder struct {
	BigEndian bool
}

func (SetByteOrder) Command() Command { return CtrlSetByteOrder }

func (SetByteOrder) appendPayload(*wire.Writer) {}
