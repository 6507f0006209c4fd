package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// camera driver registration
	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"github.com/mikeyg42/webrtc-sender/internal/config"
)

const (
	probeMTU  = 1200
	probeSSRC = 0x5e4d
)

// PionEngine captures the camera through mediadevices, encodes VP8 and
// sends it over a pion PeerConnection. All callbacks only push to the
// event queue.
type PionEngine struct {
	video  config.VideoConfig
	rtc    config.WebRTCConfig
	logger *zap.Logger
	events *EventQueue

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	stream   mediadevices.MediaStream
	encoder  string
	starting bool
	closed   bool
}

var _ Engine = (*PionEngine)(nil)

func NewPionEngine(video config.VideoConfig, rtc config.WebRTCConfig, logger *zap.Logger) *PionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PionEngine{
		video:  video,
		rtc:    rtc,
		logger: logger,
		events: NewEventQueue(),
	}
}

func (e *PionEngine) Events() *EventQueue { return e.events }

// Encoder returns the name of the encoder in use after Start.
func (e *PionEngine) Encoder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoder
}

// Start opens the camera, selects an encoder and builds the peer
// connection with a send-only video transceiver. The lock is not held
// while the camera opens, so Close never waits on a stuck device.
func (e *PionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return &EngineError{Code: ErrCodeClosed, Message: "engine closed", Fatal: true}
	case e.pc != nil:
		e.mu.Unlock()
		return nil
	case e.starting:
		e.mu.Unlock()
		return &EngineError{Code: ErrCodeClosed, Message: "engine already starting"}
	}
	e.starting = true
	e.mu.Unlock()

	pc, stream, encoder, err := e.build(ctx)
	if err != nil {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		return err
	}
	return e.install(pc, stream, encoder)
}

// install publishes a built peer connection, or releases it when Close
// ran while it was being built.
func (e *PionEngine) install(pc *webrtc.PeerConnection, stream mediadevices.MediaStream, encoder string) error {
	e.mu.Lock()
	e.starting = false
	if e.closed {
		e.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
		closeTracks(stream)
		return &EngineError{Code: ErrCodeClosed, Message: "engine closed during start", Fatal: true}
	}
	e.pc = pc
	e.stream = stream
	e.encoder = encoder
	e.mu.Unlock()

	e.logger.Info("Media engine started",
		zap.String("device", e.video.Device),
		zap.String("encoder", encoder),
		zap.String("resolution", e.video.Resolution()),
		zap.Int("fps", e.video.FrameRate),
		zap.Int("bitrate", e.video.BitRate))
	return nil
}

func (e *PionEngine) build(ctx context.Context) (*webrtc.PeerConnection, mediadevices.MediaStream, string, error) {
	deviceID, err := resolveDevice(e.video.Device)
	if err != nil {
		return nil, nil, "", &EngineError{Code: ErrCodeDevice, Message: "camera not found", Fatal: true, Err: err}
	}

	stream, selector, encoder, err := e.openStream(ctx, deviceID)
	if err != nil {
		return nil, nil, "", err
	}

	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&mediaEngine, registry); err != nil {
		closeTracks(stream)
		return nil, nil, "", &EngineError{Code: ErrCodePeerConnection, Message: "failed to register interceptors", Fatal: true, Err: err}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pcConfig := webrtc.Configuration{}
	if e.rtc.STUNServer != "" {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: []string{NormalizeSTUNURI(e.rtc.STUNServer)}}}
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		closeTracks(stream)
		return nil, nil, "", &EngineError{Code: ErrCodePeerConnection, Message: "failed to create peer connection", Fatal: true, Err: err}
	}

	// callbacks before the transceiver so the first negotiation-needed is seen
	e.setupCallbacks(pc)

	for _, track := range stream.GetVideoTracks() {
		track.OnEnded(func(err error) {
			if err == nil {
				err = errors.New("video track ended")
			}
			e.events.Push(Event{Kind: MediaError, Err: err})
		})
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			_ = pc.Close()
			closeTracks(stream)
			return nil, nil, "", &EngineError{Code: ErrCodePeerConnection, Message: "failed to add video transceiver", Fatal: true, Err: err}
		}
	}

	return pc, stream, encoder, nil
}

// openStream tries each encoder option in order; a hardware failure falls
// back to the software encoder once.
func (e *PionEngine) openStream(ctx context.Context, deviceID string) (mediadevices.MediaStream, *mediadevices.CodecSelector, string, error) {
	opts, optErrs := encoderOptions(e.rtc.PreferHardware, e.video.BitRate, e.video.FrameRate)
	for _, err := range optErrs {
		e.logger.Warn("Encoder unavailable", zap.Error(err))
	}

	var lastErr error
	for _, opt := range opts {
		if err := ctx.Err(); err != nil {
			return nil, nil, "", &EngineError{Code: ErrCodeEncoder, Message: "start cancelled", Fatal: true, Err: err}
		}

		selector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(opt.builder))
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.String(deviceID)
				c.Width = prop.Int(e.video.Width)
				c.Height = prop.Int(e.video.Height)
				c.FrameRate = prop.Float(float32(e.video.FrameRate))
			},
			Codec: selector,
		})
		if err != nil {
			return nil, nil, "", &EngineError{Code: ErrCodeDevice, Message: "failed to open camera", Fatal: true, Err: err}
		}

		if err := probeEncoder(stream); err != nil {
			closeTracks(stream)
			lastErr = fmt.Errorf("%s: %w", opt.name, err)
			if opt.hardware {
				e.logger.Warn("Hardware encoder failed, falling back to software", zap.String("encoder", opt.name), zap.Error(err))
			}
			continue
		}
		return stream, selector, opt.name, nil
	}

	if lastErr == nil {
		lastErr = errors.Join(optErrs...)
	}
	return nil, nil, "", &EngineError{Code: ErrCodeEncoder, Message: "no usable video encoder", Fatal: true, Err: lastErr}
}

// probeEncoder builds the encoder once; mediadevices only builds encoders
// lazily, so an unusable one would otherwise surface mid-negotiation.
func probeEncoder(stream mediadevices.MediaStream) error {
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("no video track")
	}
	reader, err := tracks[0].NewRTPReader(webrtc.MimeTypeVP8, probeSSRC, probeMTU)
	if err != nil {
		return err
	}
	return reader.Close()
}

func (e *PionEngine) setupCallbacks(pc *webrtc.PeerConnection) {
	pc.OnNegotiationNeeded(func() {
		e.events.Push(Event{Kind: NegotiationNeeded})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		e.events.Push(Event{Kind: LocalCandidate, Candidate: c.ToJSON()})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.events.Push(Event{Kind: ICEStateChanged, ICEState: state})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.events.Push(Event{Kind: PeerStateChanged, PeerState: state})
	})
}

func (e *PionEngine) peer() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pc == nil {
		return nil, &EngineError{Code: ErrCodeClosed, Message: "peer connection not available"}
	}
	return e.pc, nil
}

// CreateOffer asks pion for an offer and gives up when ctx ends.
func (e *PionEngine) CreateOffer(ctx context.Context, opts OfferOptions) (webrtc.SessionDescription, error) {
	pc, err := e.peer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	type result struct {
		offer webrtc.SessionDescription
		err   error
	}
	done := make(chan result, 1)
	go func() {
		offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
		done <- result{offer, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return webrtc.SessionDescription{}, &EngineError{Code: ErrCodeNegotiation, Message: "create offer", Err: res.err}
		}
		return res.offer, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

func (e *PionEngine) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc, err := e.peer()
	if err != nil {
		return err
	}
	return pc.SetLocalDescription(desc)
}

// SetRemoteDescription validates and applies the viewer's answer.
func (e *PionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc, err := e.peer()
	if err != nil {
		return err
	}
	if err := ValidateAnswer(desc.SDP); err != nil {
		return err
	}
	return pc.SetRemoteDescription(desc)
}

func (e *PionEngine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	pc, err := e.peer()
	if err != nil {
		return err
	}
	return pc.AddICECandidate(c)
}

// Close stops the tracks and the peer connection, giving up when ctx ends.
// It is safe to call more than once.
func (e *PionEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc, stream := e.pc, e.stream
	e.mu.Unlock()

	shutdownComplete := make(chan error, 1)
	go func() {
		closeTracks(stream)
		var err error
		if pc != nil {
			err = pc.Close()
		}
		shutdownComplete <- err
	}()

	select {
	case err := <-shutdownComplete:
		e.events.Close()
		e.logger.Info("Media engine stopped")
		return err
	case <-ctx.Done():
		e.events.Close()
		return fmt.Errorf("media shutdown timed out: %w", ctx.Err())
	}
}

func closeTracks(stream mediadevices.MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.GetTracks() {
		_ = track.Close()
	}
}

// resolveDevice maps a device path such as /dev/video0 to a mediadevices
// device id.
func resolveDevice(device string) (string, error) {
	id, ok := matchDevice(mediadevices.EnumerateDevices(), device)
	if !ok {
		return "", fmt.Errorf("no video input matches %q", device)
	}
	return id, nil
}

func matchDevice(devices []mediadevices.MediaDeviceInfo, device string) (string, bool) {
	base := filepath.Base(device)
	var fallback string
	for _, d := range devices {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		if d.DeviceID == device || d.Label == device {
			return d.DeviceID, true
		}
		// labels look like "video0;video0" on linux
		for _, part := range strings.Split(d.Label, ";") {
			if part == base && fallback == "" {
				fallback = d.DeviceID
			}
		}
	}
	return fallback, fallback != ""
}
