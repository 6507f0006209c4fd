package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// State is the negotiation state of the session.
type State int

const (
	Idle State = iota
	NegotiationNeeded
	OfferPending
	OfferSent
	AwaitingAnswer // answer applied, waiting for ICE connectivity
	Connected
	Disconnected // signaling transport lost
	Failed
	Closed
)

var stateNames = [...]string{
	Idle:              "Idle",
	NegotiationNeeded: "NegotiationNeeded",
	OfferPending:      "OfferPending",
	OfferSent:         "OfferSent",
	AwaitingAnswer:    "AwaitingAnswer",
	Connected:         "Connected",
	Disconnected:      "Disconnected",
	Failed:            "Failed",
	Closed:            "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// offerInFlight reports whether an offer has been created and not answered.
func (s State) offerInFlight() bool {
	return s == OfferPending || s == OfferSent
}

// ConnectionState pairs the two connectivity views reported by the engine.
type ConnectionState struct {
	ICE  webrtc.ICEConnectionState
	Peer webrtc.PeerConnectionState
}

// Session is the single negotiation session of the process. It is owned by
// the Negotiator; callers get copies from Snapshot.
type Session struct {
	ID                string
	Role              string
	State             State
	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription
	Round             int
	Connection        ConnectionState

	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
}

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	ID             string
	Role           string
	State          State
	Round          int
	Connection     ConnectionState
	HasLocal       bool
	HasRemote      bool
	PendingLocal   int
	PendingRemote  int
	TransportReady bool
}
