package signaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/webrtc-sender/internal/api"
)

// Handler receives decoded inbound messages. Implementations are called
// from the goroutine that calls Route.
type Handler interface {
	HandleSessionCreated(ctx context.Context, msg SessionCreated) error
	HandleAnswer(ctx context.Context, msg Answer) error
	HandleRemoteCandidate(ctx context.Context, msg ICECandidate) error
	HandleServerError(ctx context.Context, msg ServerError) error
}

// Router decodes inbound frames and dispatches them to a Handler in
// receipt order.
type Router struct {
	handler Handler
	logger  *zap.Logger
	metrics *api.Metrics
}

func NewRouter(handler Handler, logger *zap.Logger, metrics *api.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handler: handler, logger: logger, metrics: metrics}
}

// Route decodes raw and dispatches it. A malformed frame returns
// *MalformedMessageError and the handler is not called. Handler errors are
// returned unchanged.
func (r *Router) Route(ctx context.Context, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		r.metrics.MessageMalformed()
		return err
	}

	r.metrics.MessageRouted(msg.Type())
	r.logger.Debug("Routing message", zap.String("type", msg.Type()))

	switch m := msg.(type) {
	case SessionCreated:
		return r.handler.HandleSessionCreated(ctx, m)
	case Answer:
		return r.handler.HandleAnswer(ctx, m)
	case ICECandidate:
		return r.handler.HandleRemoteCandidate(ctx, m)
	case ServerError:
		return r.handler.HandleServerError(ctx, m)
	default:
		// Decode only returns the types above.
		panic(fmt.Sprintf("signaling: unroutable message %T", msg))
	}
}
