package protocol

import (
	"fmt"

	"github.com/danmuck/pvagate/internal/protocol/wire"
)

const statusOKMarker = 0xFF

type StatusType uint8

const (
	StatusOK      StatusType = 0
	StatusWarning StatusType = 1
	StatusErr     StatusType = 2
	StatusFatal   StatusType = 3
)

func (t StatusType) String() string {
	switch t {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusErr:
		return "error"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", uint8(t))
	}
}

// Status is the outcome carried by responses. The zero value is a plain OK
// and encodes as a single marker byte.
type Status struct {
	Type     StatusType
	Message  string
	CallTree string
}

func ErrorStatus(format string, args ...any) Status {
	return Status{Type: StatusErr, Message: fmt.Sprintf(format, args...)}
}

// IsSuccess reports OK or warning.
func (s Status) IsSuccess() bool { return s.Type <= StatusWarning }

// Err returns a *StatusError for failures and nil otherwise.
func (s Status) Err(cmd Command) error {
	if s.IsSuccess() {
		return nil
	}
	return &StatusError{Command: cmd, Status: s}
}

func (s Status) append(w *wire.Writer) {
	if s == (Status{}) {
		w.U8(statusOKMarker)
		return
	}
	w.U8(uint8(s.Type))
	w.String(s.Message)
	w.String(s.CallTree)
}

func readStatus(r *wire.Reader) Status {
	t := r.U8()
	if t == statusOKMarker {
		return Status{}
	}
	return Status{Type: StatusType(t), Message: r.String(), CallTree: r.String()}
}
