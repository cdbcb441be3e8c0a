package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/pvagate/internal/protocol/frame"
)

var (
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrTruncated      = errors.New("protocol: truncated message")
	ErrTooManyItems   = errors.New("protocol: too many items")

	// Error classes shared by every layer; packages wrap these.
	ErrTimeout        = errors.New("protocol: request timed out")
	ErrConnectionLost = errors.New("protocol: connection lost")
	ErrHandshake      = errors.New("protocol: handshake failed")
	ErrConfig         = errors.New("protocol: invalid configuration")
)

// StatusError is a non-OK status returned by the remote peer.
type StatusError struct {
	Command Command
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: %s %s: %s", e.Command, e.Status.Type, e.Status.Message)
}

type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassConnectionFatal
	ClassConfigFatal
	ClassRemote
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConnectionFatal:
		return "connection-fatal"
	case ClassConfigFatal:
		return "config-fatal"
	case ClassRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the engine's error taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return ClassRemote
	case errors.Is(err, ErrConfig):
		return ClassConfigFatal
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrHandshake),
		errors.Is(err, frame.ErrMalformedHeader),
		errors.Is(err, frame.ErrSegmentSequence),
		errors.Is(err, frame.ErrPayloadTooLarge):
		return ClassConnectionFatal
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	return ClassUnknown
}

// ContextError converts a finished context into the error a caller should
// see: a deadline becomes ErrTimeout, cancellation is returned as is.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
