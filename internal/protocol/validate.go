package protocol

import (
	"errors"
	"fmt"
)

// MaxNameLength bounds a channel name in search and create requests.
const MaxNameLength = 512

var ErrInvalidRequest = errors.New("protocol: invalid request")

// ValidationError names the field of a decoded request that breaks a rule.
type ValidationError struct {
	Command Command
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: %s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("protocol: %s field=%s: %s", e.Command, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

type rule struct {
	field string
	check func(Message) string
}

// requestRules lists the field rules per request command. Responses and
// commands without an entry are accepted as decoded.
var requestRules = map[Command][]rule{
	CmdSearch: {
		{"channels", func(m Message) string {
			seen := make(map[uint32]bool)
			for _, ch := range m.(SearchRequest).Channels {
				if reason := checkName(ch.Name); reason != "" {
					return reason
				}
				if seen[ch.ID] {
					return fmt.Sprintf("duplicate search id %d", ch.ID)
				}
				seen[ch.ID] = true
			}
			return ""
		}},
	},
	CmdCreateChannel: {
		{"channels", func(m Message) string {
			req := m.(CreateChannelRequest)
			if len(req.Channels) == 0 {
				return "no channels"
			}
			for _, ch := range req.Channels {
				if reason := checkName(ch.Name); reason != "" {
					return reason
				}
			}
			return ""
		}},
	},
	CmdPut: {
		{"value", func(m Message) string {
			if m.(PutRequest).Value == nil {
				return "missing value"
			}
			return ""
		}},
	},
	CmdMonitor: {
		{"queue_size", func(m Message) string {
			req := m.(MonitorRequest)
			if req.Sub&SubInit != 0 && req.QueueSize == 0 {
				return "zero queue size on subscribe"
			}
			return ""
		}},
	},
}

// Validate enforces the field rules of a request a server received.
func Validate(msg Message) error {
	if !isRequest(msg) {
		return nil
	}
	for _, r := range requestRules[msg.Command()] {
		if reason := r.check(msg); reason != "" {
			return &ValidationError{Command: msg.Command(), Field: r.field, Reason: reason}
		}
	}
	return nil
}

func isRequest(msg Message) bool {
	switch msg.(type) {
	case SearchRequest, CreateChannelRequest, PutRequest, MonitorRequest:
		return true
	default:
		return false
	}
}

func checkName(name string) string {
	switch {
	case name == "":
		return "empty channel name"
	case len(name) > MaxNameLength:
		return fmt.Sprintf("channel name longer than %d bytes", MaxNameLength)
	default:
		return ""
	}
}
