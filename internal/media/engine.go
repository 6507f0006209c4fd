// Package media is the boundary to the capture, encode and peer-connection
// machinery. The session layer only sees Engine and the events it emits.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EventKind identifies an engine event.
type EventKind int

const (
	NegotiationNeeded EventKind = iota
	LocalCandidate
	ICEStateChanged
	PeerStateChanged
	MediaError
)

func (k EventKind) String() string {
	switch k {
	case NegotiationNeeded:
		return "negotiation-needed"
	case LocalCandidate:
		return "local-candidate"
	case ICEStateChanged:
		return "ice-state-changed"
	case PeerStateChanged:
		return "peer-state-changed"
	case MediaError:
		return "media-error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted by the engine from its own goroutines. Only the field
// matching Kind is set.
type Event struct {
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	ICEState  webrtc.ICEConnectionState
	PeerState webrtc.PeerConnectionState
	Err       error
}

// OfferOptions tunes CreateOffer.
type OfferOptions struct {
	ICERestart bool
}

// Engine is the media engine as seen by the negotiator and the controller.
type Engine interface {
	// Start acquires the camera, builds the encoder and the peer connection.
	Start(ctx context.Context) error
	CreateOffer(ctx context.Context, opts OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	// Events is the queue the engine pushes to. It is valid before Start.
	Events() *EventQueue
	Close(ctx context.Context) error
}

// EngineError is returned when the engine cannot be built or run.
type EngineError struct {
	Code    int
	Message string
	Fatal   bool
	Err     error
}

// Engine error codes
const (
	ErrCodeDevice = iota + 1
	ErrCodeEncoder
	ErrCodePeerConnection
	ErrCodeNegotiation
	ErrCodeClosed
)

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media engine error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("media engine error %d: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }
