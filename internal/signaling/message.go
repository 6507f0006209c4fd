// Package signaling implements the WebSocket side of session setup: the
// wire messages, the transport to the signaling server and the router that
// dispatches inbound messages.
package signaling

// Wire type discriminators.
const (
	TypeRegister       = "register"
	TypeSessionCreated = "session-created"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
	TypeError          = "error"
)

// RoleSender is the only role this process registers with.
const RoleSender = "sender"

// Message is one signaling protocol message. The set of implementations is
// closed; Decode and Encode know every one of them.
type Message interface {
	Type() string
	isMessage()
}

// Register announces the sender and its stream parameters. Outbound only.
type Register struct {
	Role       string
	Device     string
	Resolution string
	FPS        int
}

// SessionCreated carries the server-assigned session id. Inbound only.
type SessionCreated struct {
	SessionID string
}

// Offer carries the local SDP offer. Outbound only.
type Offer struct {
	SDP       string
	SessionID string
}

// Answer carries the viewer's SDP answer. Inbound only.
type Answer struct {
	SDP string
}

// ICECandidate is a trickled candidate in either direction. SessionID may be
// empty on inbound candidates.
type ICECandidate struct {
	Candidate     string
	SDPMLineIndex uint16
	SessionID     string
}

// ServerError is an advisory error reported by the signaling server.
type ServerError struct {
	Message string
}

func (Register) Type() string       { return TypeRegister }
func (SessionCreated) Type() string { return TypeSessionCreated }
func (Offer) Type() string          { return TypeOffer }
func (Answer) Type() string         { return TypeAnswer }
func (ICECandidate) Type() string   { return TypeICECandidate }
func (ServerError) Type() string    { return TypeError }

func (Register) isMessage()       {}
func (SessionCreated) isMessage() {}
func (Offer) isMessage()          {}
func (Answer) isMessage()         {}
func (ICECandidate) isMessage()   {}
func (ServerError) isMessage()    {}
