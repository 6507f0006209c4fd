package signaling

import (
	"encoding/json"
	"fmt"
)

// envelope is the flat JSON object every message travels in.
type envelope struct {
	Type          string  `json:"type"`
	Role          string  `json:"role,omitempty"`
	Device        string  `json:"device,omitempty"`
	Resolution    string  `json:"resolution,omitempty"`
	FPS           int     `json:"fps,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Encode serializes an outbound message.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case Register:
		env = envelope{Type: TypeRegister, Role: msg.Role, Device: msg.Device, Resolution: msg.Resolution, FPS: msg.FPS}
	case SessionCreated:
		env = envelope{Type: TypeSessionCreated, SessionID: msg.SessionID}
	case Offer:
		env = envelope{Type: TypeOffer, SDP: msg.SDP, SessionID: msg.SessionID}
	case Answer:
		env = envelope{Type: TypeAnswer, SDP: msg.SDP}
	case ICECandidate:
		idx := msg.SDPMLineIndex
		env = envelope{Type: TypeICECandidate, Candidate: msg.Candidate, SDPMLineIndex: &idx, SessionID: msg.SessionID}
	case ServerError:
		env = envelope{Type: TypeError, Message: msg.Message}
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
	return json.Marshal(env)
}

// Decode parses an inbound frame. Frames that are not JSON objects, carry an
// unknown type, or lack a required field yield *MalformedMessageError.
// Register and Offer are outbound-only and are rejected here too.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid JSON", Err: err}
	}

	switch env.Type {
	case TypeSessionCreated:
		if env.SessionID == "" {
			return nil, &MalformedMessageError{Type: env.Type, Reason: "missing session_id"}
		}
		return SessionCreated{SessionID: env.SessionID}, nil
	case TypeAnswer:
		if env.SDP == "" {
			return nil, &MalformedMessageError{Type: env.Type, Reason: "missing sdp"}
		}
		return Answer{SDP: env.SDP}, nil
	case TypeICECandidate:
		if env.Candidate == "" {
			return nil, &MalformedMessageError{Type: env.Type, Reason: "missing candidate"}
		}
		var idx uint16
		if env.SDPMLineIndex != nil {
			idx = *env.SDPMLineIndex
		}
		return ICECandidate{Candidate: env.Candidate, SDPMLineIndex: idx, SessionID: env.SessionID}, nil
	case TypeError:
		return ServerError{Message: env.Message}, nil
	case TypeRegister, TypeOffer:
		return nil, &MalformedMessageError{Type: env.Type, Reason: "outbound-only message type"}
	case "":
		return nil, &MalformedMessageError{Reason: "missing type"}
	default:
		return nil, &MalformedMessageError{Type: env.Type, Reason: "unknown message type"}
	}
}
