package streamer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mikeyg42/webrtc-sender/internal/session"
	"github.com/mikeyg42/webrtc-sender/internal/signaling"
)

type inboundKind int

const (
	transportUp inboundKind = iota
	transportMessage
	transportDown
)

// inbound is one transport notification handed to the reactor.
type inbound struct {
	kind   inboundKind
	connID string
	raw    []byte
	err    error
}

// listener forwards transport callbacks into the reactor channel. It
// blocks while the channel is full so receipt order is kept.
type listener struct {
	ctx context.Context
	ch  chan<- inbound
}

var _ signaling.Listener = (*listener)(nil)

func (l *listener) push(in inbound) {
	select {
	case l.ch <- in:
	case <-l.ctx.Done():
	}
}

func (l *listener) OnConnected(connID string) {
	l.push(inbound{kind: transportUp, connID: connID})
}

func (l *listener) OnMessage(raw []byte) {
	l.push(inbound{kind: transportMessage, raw: raw})
}

func (l *listener) OnDisconnected(err error) {
	l.push(inbound{kind: transportDown, err: err})
}

// run is the reactor: the only goroutine that touches the negotiator and
// the router. It returns a fatal error or nil when ctx ends.
func (c *Controller) run(ctx context.Context) error {
	events := c.engine.Events()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-c.inbound:
			if err := c.handleInbound(ctx, in); err != nil {
				return err
			}

		case <-events.Ready():
			for {
				ev, ok := events.Pop()
				if !ok {
					break
				}
				if err := c.check(ctx, c.negotiator.HandleEvent(ctx, ev)); err != nil {
					return err
				}
			}
		}
		c.publish()
	}
}

func (c *Controller) handleInbound(ctx context.Context, in inbound) error {
	switch in.kind {
	case transportUp:
		c.logger.Debug("Signaling connected", zap.String("conn_id", in.connID))
		return c.check(ctx, c.negotiator.TransportUp(ctx))
	case transportDown:
		c.negotiator.TransportDown()
		return nil
	default:
		return c.check(ctx, c.router.Route(ctx, in.raw))
	}
}

// check classifies an error from the negotiator or router. Only fatal
// errors are returned; everything else is logged and the session carries
// on.
func (c *Controller) check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if session.IsFatal(err) {
		return err
	}

	fields := []zap.Field{zap.Stringer("state", c.negotiator.State()), zap.Error(err)}
	var mme *signaling.MalformedMessageError
	if errors.As(err, &mme) && mme.Type != "" {
		fields = append(fields, zap.String("type", mme.Type))
	}

	switch {
	case session.IsProtocol(err):
		c.logger.Warn("Discarded inbound message", fields...)
	case session.IsTransportError(err):
		c.logger.Debug("Signaling unavailable", fields...)
	default:
		c.logger.Warn("Negotiation step failed", fields...)
	}
	return nil
}

// publish stores a fresh status snapshot for lock-free readers.
func (c *Controller) publish() {
	snap := c.negotiator.Snapshot()
	c.status.Store(&Status{
		SessionID:          snap.ID,
		State:              snap.State,
		ICEState:           snap.Connection.ICE,
		PeerState:          snap.Connection.Peer,
		Round:              snap.Round,
		SignalingConnected: snap.TransportReady,
	})
}
