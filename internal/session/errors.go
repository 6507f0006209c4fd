package session

import (
	"errors"
	"fmt"

	"github.com/mikeyg42/webrtc-sender/internal/media"
	"github.com/mikeyg42/webrtc-sender/internal/signaling"
)

// Protocol errors. They are logged and discarded; the session is unchanged.
var (
	ErrUnexpectedAnswer    = errors.New("answer received while no offer is outstanding")
	ErrDuplicateAnswer     = errors.New("answer received after the remote description was applied")
	ErrSessionIDReassigned = errors.New("session id already assigned")
	ErrICEFailed           = errors.New("ICE connectivity failed")
)

// ProtocolError reports an inbound message that is well formed but not
// acceptable in the current session.
type ProtocolError struct {
	Type   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %s", e.Type, e.Reason)
}

// NegotiationError reports a failed negotiation step. Fatal is set once the
// renegotiation budget is exhausted.
type NegotiationError struct {
	Op    string
	State State
	Err   error
	Fatal bool
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s failed in state %s: %v", e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne.Fatal
	}
	var ee *media.EngineError
	if errors.As(err, &ee) {
		return ee.Fatal
	}
	return false
}

// IsProtocol reports whether err is a discarded-message error.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.Is(err, ErrUnexpectedAnswer) ||
		errors.Is(err, ErrDuplicateAnswer) ||
		errors.Is(err, ErrSessionIDReassigned) ||
		errors.As(err, &pe) ||
		signaling.IsMalformed(err)
}
