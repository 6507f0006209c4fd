// Package streamer wires the media engine, the signaling transport and the
// session negotiator together and owns their lifecycle.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/webrtc-sender/internal/api"
	"github.com/mikeyg42/webrtc-sender/internal/config"
	"github.com/mikeyg42/webrtc-sender/internal/media"
	"github.com/mikeyg42/webrtc-sender/internal/session"
	"github.com/mikeyg42/webrtc-sender/internal/signaling"
)

const (
	inboundBuffer = 64
	stunProbeWait = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("streamer: already started")

// Status is a point-in-time view of the session for status reporting.
type Status struct {
	SessionID          string
	State              session.State
	ICEState           webrtc.ICEConnectionState
	PeerState          webrtc.PeerConnectionState
	Round              int
	SignalingConnected bool
	Stopped            bool
}

// Controller runs one sender session: it starts the media engine, keeps
// the signaling transport connected and feeds the negotiator from a single
// reactor goroutine.
type Controller struct {
	cfg        *config.Config
	engine     media.Engine
	transport  *signaling.Transport
	negotiator *session.Negotiator
	router     *signaling.Router
	logger     *zap.Logger
	metrics    *api.Metrics

	inbound chan inbound
	status  atomic.Pointer[Status]

	mu            sync.Mutex // guards the fields below
	started       bool
	stopping      bool
	cancel        context.CancelFunc
	reactorCancel context.CancelFunc
	group         *errgroup.Group
	reactorDone   chan struct{}

	stopping atomic.Bool
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

var _ api.HealthReporter = (*Controller)(nil)

func New(cfg *config.Config, engine media.Engine, logger *zap.Logger, metrics *api.Metrics) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}

	register := signaling.Register{
		Role:       signaling.RoleSender,
		Device:     cfg.Video.Device,
		Resolution: cfg.Video.Resolution(),
		FPS:        cfg.Video.FrameRate,
	}
	transport := signaling.NewTransport(cfg.Signaling, register, logger.Named("signaling"), metrics)
	negotiator := session.NewNegotiator(cfg.Negotiation, engine, transport, logger.Named("negotiator"), metrics)

	c := &Controller{
		cfg:        cfg,
		engine:     engine,
		transport:  transport,
		negotiator: negotiator,
		router:     signaling.NewRouter(negotiator, logger.Named("router"), metrics),
		logger:     logger.Named("streamer"),
		metrics:    metrics,
		inbound:    make(chan inbound, inboundBuffer),
		done:       make(chan struct{}),
	}
	c.status.Store(&Status{State: session.Idle})
	return c
}

// Start brings up the media engine, then the reactor and the transport
// supervisor. ctx only bounds engine start-up: Start returns once ctx ends
// even if the engine has not answered. The controller runs until Stop or a
// fatal error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Starting sender",
		zap.String("device", c.cfg.Video.Device),
		zap.String("resolution", c.cfg.Video.Resolution()),
		zap.Int("fps", c.cfg.Video.FrameRate),
		zap.String("signaling_url", c.cfg.Signaling.URL))

	// a camera that never opens must not outlive ctx
	started := make(chan error, 1)
	go func() { started <- c.engine.Start(ctx) }()
	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("failed to start media engine: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("media engine start abandoned: %w", ctx.Err())
	}

	// the transport outlives the reactor so Stop can still send a close frame
	runCtx, cancel := context.WithCancel(context.Background())
	reactorCtx, reactorCancel := context.WithCancel(runCtx)
	group := &errgroup.Group{}
	reactorDone := make(chan struct{})

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		reactorCancel()
		cancel()
		return errors.New("streamer: stopped during start")
	}
	c.cancel = cancel
	c.reactorCancel = reactorCancel
	c.group = group
	c.reactorDone = reactorDone
	c.mu.Unlock()

	if c.cfg.WebRTC.STUNServer != "" {
		go c.probeSTUN(runCtx)
	}

	group.Go(func() error {
		defer close(reactorDone)
		err := c.run(reactorCtx)
		if err != nil {
			c.fatal(err)
		}
		return err
	})
	group.Go(func() error {
		err := c.transport.Run(runCtx, &listener{ctx: runCtx, ch: c.inbound})
		if err != nil {
			c.fatal(err)
		}
		return err
	})
	return nil
}

// fatal records err for Wait and stops the controller in the background.
func (c *Controller) fatal(err error) {
	c.setErr(err)
	c.logger.Error("Unrecoverable failure, stopping", zap.Error(err))
	go func() { _ = c.Stop(context.Background()) }()
}

// probeSTUN logs whether the configured STUN server answers. The engine
// still uses it either way.
func (c *Controller) probeSTUN(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, stunProbeWait)
	defer cancel()

	mapped, err := media.ProbeSTUN(ctx, c.cfg.WebRTC.STUNServer)
	if err != nil {
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("STUN server not reachable", zap.String("stun_server", c.cfg.WebRTC.STUNServer), zap.Error(err))
		}
		return
	}
	c.logger.Info("STUN server reachable",
		zap.String("stun_server", c.cfg.WebRTC.STUNServer),
		zap.String("mapped_address", mapped))
}

// Wait blocks until the controller has stopped and returns the fatal error
// that stopped it, if any.
func (c *Controller) Wait() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once teardown has finished.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Stop tears the sender down once: reactor, transport, media engine, then
// the session. Each step gets the configured step timeout. Callers that
// lose the race wait for the teardown, or until their ctx ends, and always
// get nil; Done reports when the teardown has finished.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.stopping.CompareAndSwap(false, true) {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	}
	err := c.teardown(ctx)
	close(c.done)
	return err
}

func (c *Controller) teardown(ctx context.Context) error {
	c.logger.Info("Stopping sender")

	c.mu.Lock()
	cancel, reactorCancel, group, reactorDone := c.cancel, c.reactorCancel, c.group, c.reactorDone
	c.started = true
	c.stopping = true
	c.mu.Unlock()

	step := c.cfg.Shutdown.StepTimeout
	var errs []error

	reactorStopped := reactorDone == nil
	if reactorCancel != nil {
		reactorCancel()
		if c.waitFor(ctx, reactorDone, step) {
			reactorStopped = true
		} else {
			c.logger.Warn("Reactor did not stop in time")
		}
	}

	stepCtx, stepCancel := context.WithTimeout(ctx, step)
	if err := c.transport.Close(stepCtx); err != nil {
		errs = append(errs, fmt.Errorf("close signaling transport: %w", err))
	}
	stepCancel()

	stepCtx, stepCancel = context.WithTimeout(ctx, step)
	if err := c.engine.Close(stepCtx); err != nil {
		errs = append(errs, fmt.Errorf("close media engine: %w", err))
	}
	stepCancel()

	// the negotiator belongs to the reactor while it runs
	if reactorStopped {
		c.negotiator.Close()
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		waited := make(chan struct{})
		go func() {
			_ = group.Wait()
			close(waited)
		}()
		if !c.waitFor(ctx, waited, step) {
			c.logger.Warn("Signaling supervisor did not stop in time")
		}
	}

	st := c.Status()
	st.State = session.Closed
	st.SignalingConnected = false
	st.Stopped = true
	c.status.Store(&st)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Warn("Sender stopped with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Sender stopped")
	return nil
}

// waitFor waits for ch to close, for at most d or until ctx ends.
func (c *Controller) waitFor(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Status returns the latest published snapshot. It never blocks on the
// reactor.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Health implements api.HealthReporter.
func (c *Controller) Health() api.Health {
	st := c.Status()
	h := api.Health{
		Status:             api.HealthOK,
		SessionID:          st.SessionID,
		State:              st.State.String(),
		ICEState:           st.ICEState.String(),
		PeerState:          st.PeerState.String(),
		Round:              st.Round,
		SignalingConnected: st.SignalingConnected,
	}
	switch {
	case st.Stopped:
		h.Status = api.HealthStopped
	case !st.SignalingConnected || st.State == session.Failed:
		h.Status = api.HealthDegraded
	}
	return h
}
