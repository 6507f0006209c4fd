// Package session owns the negotiation state of the single sender session
// and sequences offer, answer and trickle ICE against the media engine and
// the signaling transport.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/webrtc-sender/internal/api"
	"github.com/mikeyg42/webrtc-sender/internal/config"
	"github.com/mikeyg42/webrtc-sender/internal/media"
	"github.com/mikeyg42/webrtc-sender/internal/signaling"
)

// Peer is the part of the media engine the negotiator drives.
type Peer interface {
	CreateOffer(ctx context.Context, opts media.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
}

// Sender delivers outbound signaling messages.
type Sender interface {
	Send(ctx context.Context, m signaling.Message) error
}

// Negotiator is the session state machine. It is not safe for concurrent
// use: one goroutine feeds it inbound messages, engine events and transport
// changes.
type Negotiator struct {
	cfg     config.NegotiationConfig
	peer    Peer
	sender  Sender
	logger  *zap.Logger
	metrics *api.Metrics

	s Session

	online         bool  // transport connected
	resume         State // state to restore when the transport comes back
	restartPending bool  // deferred offer should restart ICE
	renegotiations int   // used since the last Connected
}

var _ signaling.Handler = (*Negotiator)(nil)

func NewNegotiator(cfg config.NegotiationConfig, peer Peer, sender Sender, logger *zap.Logger, metrics *api.Metrics) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{
		cfg:     cfg,
		peer:    peer,
		sender:  sender,
		logger:  logger,
		metrics: metrics,
		s:       Session{Role: signaling.RoleSender, State: Idle},
	}
}

// State returns the current state.
func (n *Negotiator) State() State { return n.s.State }

// Snapshot returns a copy of the session for status reporting.
func (n *Negotiator) Snapshot() Snapshot {
	return Snapshot{
		ID:             n.s.ID,
		Role:           n.s.Role,
		State:          n.s.State,
		Round:          n.s.Round,
		Connection:     n.s.Connection,
		HasLocal:       n.s.LocalDescription != nil,
		HasRemote:      n.s.RemoteDescription != nil,
		PendingLocal:   len(n.s.pendingLocal),
		PendingRemote:  len(n.s.pendingRemote),
		TransportReady: n.online,
	}
}

func (n *Negotiator) log() *zap.Logger {
	return n.logger.With(zap.Stringer("state", n.s.State), zap.Int("round", n.s.Round))
}

func (n *Negotiator) transition(to State) {
	from := n.s.State
	if from == to {
		return
	}
	n.s.State = to
	n.metrics.StateTransition(from.String(), to.String())
	n.logger.Debug("State transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

// effective is the state negotiation decisions are based on; while the
// transport is down it is the state that will be resumed.
func (n *Negotiator) effective() State {
	if n.s.State == Disconnected {
		return n.resume
	}
	return n.s.State
}

// -----------------------------------------------------------------------------
// Media engine events
// -----------------------------------------------------------------------------

// HandleEvent applies one engine event. MediaError events come back as a
// fatal *NegotiationError.
func (n *Negotiator) HandleEvent(ctx context.Context, ev media.Event) error {
	switch ev.Kind {
	case media.NegotiationNeeded:
		return n.OnNegotiationNeeded(ctx)
	case media.LocalCandidate:
		n.OnLocalCandidate(ctx, ev.Candidate)
		return nil
	case media.ICEStateChanged:
		return n.OnICEStateChange(ctx, ev.ICEState)
	case media.PeerStateChanged:
		return n.OnPeerStateChange(ctx, ev.PeerState)
	case media.MediaError:
		return &NegotiationError{Op: "media", State: n.s.State, Err: ev.Err, Fatal: true}
	default:
		return fmt.Errorf("unknown media event %s", ev.Kind)
	}
}

// OnNegotiationNeeded starts an offer, or defers or coalesces it.
func (n *Negotiator) OnNegotiationNeeded(ctx context.Context) error {
	switch eff := n.effective(); eff {
	case Closed:
		return nil
	case OfferPending, OfferSent, NegotiationNeeded:
		n.log().Debug("Negotiation already pending, coalescing")
		return nil
	}
	return n.requestOffer(ctx, false)
}

// requestOffer starts an offer now, or parks the session in
// NegotiationNeeded until a session id and a transport are available.
func (n *Negotiator) requestOffer(ctx context.Context, iceRestart bool) error {
	if n.s.ID == "" || !n.online {
		n.restartPending = n.restartPending || iceRestart
		if n.s.State == Disconnected {
			n.resume = NegotiationNeeded
		} else {
			n.transition(NegotiationNeeded)
		}
		n.log().Info("Deferring offer",
			zap.Bool("has_session_id", n.s.ID != ""),
			zap.Bool("transport_up", n.online))
		return nil
	}
	return n.startOffer(ctx, iceRestart)
}

func (n *Negotiator) startOffer(ctx context.Context, iceRestart bool) error {
	n.restartPending = false
	n.transition(OfferPending)
	n.s.Round++
	n.s.LocalDescription = nil
	n.s.RemoteDescription = nil
	n.log().Info("Creating offer", zap.Bool("ice_restart", iceRestart))

	offerCtx, cancel := context.WithTimeout(ctx, n.cfg.OfferTimeout)
	offer, err := n.peer.CreateOffer(offerCtx, media.OfferOptions{ICERestart: iceRestart})
	cancel()
	if err != nil {
		return n.fail(ctx, "create-offer", err)
	}
	if err := n.peer.SetLocalDescription(offer); err != nil {
		return n.fail(ctx, "set-local-description", err)
	}
	n.s.LocalDescription = &offer
	n.transition(OfferSent)
	n.sendOffer(ctx)
	return nil
}

func (n *Negotiator) sendOffer(ctx context.Context) {
	if n.s.LocalDescription == nil {
		return
	}
	err := n.sender.Send(ctx, signaling.Offer{SDP: n.s.LocalDescription.SDP, SessionID: n.s.ID})
	if err != nil {
		// resent when the transport comes back
		n.log().Warn("Failed to send offer", zap.Error(err))
		return
	}
	n.metrics.OfferSent()
	n.log().Info("Offer sent", zap.String("session_id", n.s.ID))
}

// fail moves to Failed and spends the renegotiation budget.
func (n *Negotiator) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	prev := n.s.State
	n.transition(Failed)
	n.metrics.SetConnected(false)
	return n.renegotiate(ctx, &NegotiationError{Op: op, State: prev, Err: err})
}

func (n *Negotiator) renegotiate(ctx context.Context, cause *NegotiationError) error {
	if n.renegotiations >= n.cfg.MaxRenegotiations {
		cause.Fatal = true
		n.log().Error("Negotiation failed, no renegotiation left",
			zap.String("op", cause.Op),
			zap.Int("max_renegotiations", n.cfg.MaxRenegotiations),
			zap.Error(cause.Err))
		return cause
	}
	n.renegotiations++
	n.log().Warn("Negotiation failed, renegotiating with ICE restart",
		zap.String("op", cause.Op),
		zap.Int("attempt", n.renegotiations),
		zap.Error(cause.Err))
	return n.requestOffer(ctx, true)
}

// OnLocalCandidate forwards a discovered candidate, or queues it until the
// remote description is applied and the transport is up. Discovery order is
// preserved.
func (n *Negotiator) OnLocalCandidate(ctx context.Context, c webrtc.ICECandidateInit) {
	if n.s.State == Closed {
		return
	}
	n.s.pendingLocal = append(n.s.pendingLocal, c)
	if !n.canSendLocal() {
		n.log().Debug("Queued local candidate", zap.Int("pending", len(n.s.pendingLocal)))
		return
	}
	n.flushLocal(ctx)
}

func (n *Negotiator) canSendLocal() bool {
	return n.s.RemoteDescription != nil && n.online && n.s.ID != "" && n.s.State != Disconnected
}

func (n *Negotiator) flushLocal(ctx context.Context) {
	if !n.canSendLocal() {
		return
	}
	sent := 0
	for len(n.s.pendingLocal) > 0 {
		c := n.s.pendingLocal[0]
		var idx uint16
		if c.SDPMLineIndex != nil {
			idx = *c.SDPMLineIndex
		}
		err := n.sender.Send(ctx, signaling.ICECandidate{Candidate: c.Candidate, SDPMLineIndex: idx, SessionID: n.s.ID})
		if err != nil {
			// keep it at the head; the transport-up flush retries in order
			n.log().Warn("Failed to send local candidate", zap.Int("pending", len(n.s.pendingLocal)), zap.Error(err))
			break
		}
		n.s.pendingLocal = n.s.pendingLocal[1:]
		sent++
	}
	if sent > 1 {
		n.metrics.CandidatesFlushed("local", sent)
	}
	if len(n.s.pendingLocal) == 0 {
		n.s.pendingLocal = nil
	}
}

// OnICEStateChange records the ICE state and applies connected/failed.
func (n *Negotiator) OnICEStateChange(ctx context.Context, st webrtc.ICEConnectionState) error {
	if n.s.State == Closed {
		return nil
	}
	n.s.Connection.ICE = st
	n.log().Info("ICE connection state changed", zap.Stringer("ice_state", st))

	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.markConnected()
	case webrtc.ICEConnectionStateFailed:
		return n.markFailed(ctx, "ice")
	}
	return nil
}

// OnPeerStateChange records the peer connection state and applies
// connected/failed.
func (n *Negotiator) OnPeerStateChange(ctx context.Context, st webrtc.PeerConnectionState) error {
	if n.s.State == Closed {
		return nil
	}
	n.s.Connection.Peer = st
	n.log().Info("Peer connection state changed", zap.Stringer("peer_state", st))

	switch st {
	case webrtc.PeerConnectionStateConnected:
		n.markConnected()
	case webrtc.PeerConnectionStateFailed:
		return n.markFailed(ctx, "peer-connection")
	}
	return nil
}

func (n *Negotiator) markConnected() {
	n.renegotiations = 0
	n.metrics.SetConnected(true)

	switch eff := n.effective(); {
	case eff == Connected:
		return
	case eff.offerInFlight() || eff == NegotiationNeeded:
		// an outstanding offer keeps its state until answered
		return
	case n.s.State == Disconnected:
		n.resume = Connected
	default:
		n.transition(Connected)
		n.log().Info("Session connected")
	}
}

func (n *Negotiator) markFailed(ctx context.Context, op string) error {
	switch eff := n.effective(); {
	case eff == Failed, eff.offerInFlight(), eff == NegotiationNeeded:
		// a restart is already under way
		n.log().Debug("Ignoring repeated failure report", zap.String("op", op))
		return nil
	}
	n.metrics.SetConnected(false)
	if n.s.State == Disconnected {
		n.resume = Failed
		n.log().Warn("Connectivity failed while signaling is down", zap.String("op", op))
		return nil
	}
	prev := n.s.State
	n.transition(Failed)
	return n.renegotiate(ctx, &NegotiationError{Op: op, State: prev, Err: ErrICEFailed})
}

// -----------------------------------------------------------------------------
// Inbound signaling
// -----------------------------------------------------------------------------

// HandleSessionCreated assigns the session id once. A later different id is
// logged and ignored.
func (n *Negotiator) HandleSessionCreated(ctx context.Context, msg signaling.SessionCreated) error {
	if n.s.State == Closed {
		return nil
	}
	if n.s.ID != "" {
		if msg.SessionID == n.s.ID {
			return nil
		}
		n.log().Warn("Ignoring session id reassignment",
			zap.String("session_id", n.s.ID),
			zap.String("offered_id", msg.SessionID))
		return fmt.Errorf("%w: keeping %q, got %q", ErrSessionIDReassigned, n.s.ID, msg.SessionID)
	}

	n.s.ID = msg.SessionID
	n.log().Info("Session created", zap.String("session_id", n.s.ID))

	if n.s.State == NegotiationNeeded && n.online {
		return n.startOffer(ctx, n.restartPending)
	}
	n.flushLocal(ctx)
	return nil
}

// HandleAnswer applies the viewer's answer to the outstanding offer and
// flushes both candidate queues.
func (n *Negotiator) HandleAnswer(ctx context.Context, msg signaling.Answer) error {
	if n.s.State != OfferSent {
		err := ErrUnexpectedAnswer
		if n.s.RemoteDescription != nil {
			err = ErrDuplicateAnswer
		}
		n.log().Warn("Discarding answer", zap.String("type", signaling.TypeAnswer), zap.Error(err))
		return fmt.Errorf("%w (state %s)", err, n.s.State)
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := n.peer.SetRemoteDescription(desc); err != nil {
		return n.fail(ctx, "set-remote-description", err)
	}
	n.s.RemoteDescription = &desc
	n.transition(AwaitingAnswer)
	n.log().Info("Remote description applied")

	n.flushRemote()
	n.flushLocal(ctx)
	return nil
}

// HandleRemoteCandidate applies a remote candidate, or buffers it until the
// remote description is set.
func (n *Negotiator) HandleRemoteCandidate(ctx context.Context, msg signaling.ICECandidate) error {
	if n.s.State == Closed {
		return nil
	}
	if msg.SessionID != "" && n.s.ID != "" && msg.SessionID != n.s.ID {
		n.log().Warn("Discarding candidate for another session",
			zap.String("type", signaling.TypeICECandidate),
			zap.String("candidate_session_id", msg.SessionID))
		return &ProtocolError{Type: signaling.TypeICECandidate, Reason: "session id mismatch"}
	}

	idx := msg.SDPMLineIndex
	c := webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMLineIndex: &idx}

	if n.s.RemoteDescription == nil {
		n.s.pendingRemote = append(n.s.pendingRemote, c)
		n.log().Debug("Buffered remote candidate", zap.Int("pending", len(n.s.pendingRemote)))
		return nil
	}
	return n.addRemote(c)
}

func (n *Negotiator) addRemote(c webrtc.ICECandidateInit) error {
	if err := n.peer.AddRemoteCandidate(c); err != nil {
		n.log().Warn("Failed to add remote candidate", zap.String("candidate", c.Candidate), zap.Error(err))
		return &NegotiationError{Op: "add-remote-candidate", State: n.s.State, Err: err}
	}
	return nil
}

func (n *Negotiator) flushRemote() {
	pending := n.s.pendingRemote
	n.s.pendingRemote = nil
	added := 0
	for _, c := range pending {
		// failures are logged by addRemote; later candidates still apply
		if n.addRemote(c) == nil {
			added++
		}
	}
	n.metrics.CandidatesFlushed("remote", added)
	if len(pending) > 0 {
		n.log().Debug("Flushed remote candidates",
			zap.Int("count", added),
			zap.Int("failed", len(pending)-added))
	}
}

// HandleServerError logs an advisory error from the server.
func (n *Negotiator) HandleServerError(_ context.Context, msg signaling.ServerError) error {
	n.log().Warn("Signaling server reported an error",
		zap.String("type", signaling.TypeError),
		zap.String("message", msg.Message))
	return nil
}

// -----------------------------------------------------------------------------
// Transport lifecycle
// -----------------------------------------------------------------------------

// TransportDown suspends outbound signaling.
func (n *Negotiator) TransportDown() {
	n.online = false
	if n.s.State == Closed || n.s.State == Disconnected {
		return
	}
	n.resume = n.s.State
	n.transition(Disconnected)
	n.log().Warn("Signaling transport lost", zap.Stringer("resume_state", n.resume))
}

// TransportUp resumes after (re)connect: re-sends an unanswered offer,
// flushes queued local candidates and starts a deferred offer.
func (n *Negotiator) TransportUp(ctx context.Context) error {
	n.online = true
	if n.s.State == Closed {
		return nil
	}

	if n.s.State == Disconnected {
		resume := n.resume
		n.transition(resume)
		n.log().Info("Signaling transport restored")
		switch resume {
		case OfferSent:
			n.sendOffer(ctx)
		case Failed:
			return n.renegotiate(ctx, &NegotiationError{Op: "ice", State: Failed, Err: ErrICEFailed})
		}
	}

	if n.s.State == NegotiationNeeded && n.s.ID != "" {
		return n.startOffer(ctx, n.restartPending)
	}
	n.flushLocal(ctx)
	return nil
}

// Close moves to Closed and drops all queued candidates and descriptions.
func (n *Negotiator) Close() {
	if n.s.State == Closed {
		return
	}
	n.transition(Closed)
	n.s.pendingLocal = nil
	n.s.pendingRemote = nil
	n.s.LocalDescription = nil
	n.s.RemoteDescription = nil
	n.online = false
	n.metrics.SetConnected(false)
	n.log().Info("Session closed")
}

// IsTransportError reports whether err came from the signaling transport.
func IsTransportError(err error) bool {
	var te *signaling.TransportError
	return errors.Is(err, signaling.ErrNotConnected) || errors.As(err, &te)
}
