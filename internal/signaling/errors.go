package signaling

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no connection is open. Messages
// are never dropped silently.
var ErrNotConnected = errors.New("signaling: not connected")

// TransportError wraps a failure of the WebSocket connection.
type TransportError struct {
	Op  string // connect, send, receive, close
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedMessageError reports an inbound frame that could not be decoded
// into a known message. It is never fatal.
type MalformedMessageError struct {
	Type   string
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	msg := "malformed message"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a *MalformedMessageError.
func IsMalformed(err error) bool {
	var me *MalformedMessageError
	return errors.As(err, &me)
}
