package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Video       VideoConfig       `mapstructure:"video"`
	Signaling   SignalingConfig   `mapstructure:"signaling"`
	WebRTC      WebRTCConfig      `mapstructure:"webrtc"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Verbose     bool              `mapstructure:"verbose"`
}

// VideoConfig describes the capture device and the stream advertised on register.
type VideoConfig struct {
	Device    string `mapstructure:"device"`
	Width     int    `mapstructure:"width"`
	Height    int    `mapstructure:"height"`
	FrameRate int    `mapstructure:"fps"`
	BitRate   int    `mapstructure:"bitrate"` // bits per second
}

// Resolution renders the WIDTHxHEIGHT form sent to the signaling server.
func (v VideoConfig) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

type SignalingConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	ReadLimit        int64         `mapstructure:"read_limit"`

	// Reconnect backoff
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
}

type WebRTCConfig struct {
	STUNServer string `mapstructure:"stun_server"`
	// PreferHardware tries the hardware encoder before the software one.
	PreferHardware bool `mapstructure:"prefer_hardware"`
}

type NegotiationConfig struct {
	OfferTimeout      time.Duration `mapstructure:"offer_timeout"`
	MaxRenegotiations int           `mapstructure:"max_renegotiations"`
}

type ShutdownConfig struct {
	// StepTimeout bounds each teardown step (transport, media, session).
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

type MetricsConfig struct {
	// ListenAddr enables the /metrics and /healthz endpoints when non-empty.
	ListenAddr string `mapstructure:"listen_addr"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Video: VideoConfig{
			Device:    "/dev/video0",
			Width:     1920,
			Height:    1080,
			FrameRate: 30,
			BitRate:   4_000_000,
		},
		Signaling: SignalingConfig{
			URL:              "ws://localhost:8765",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     20 * time.Second,
			PongWait:         30 * time.Second,
			ReadLimit:        1 << 20,
			BackoffInitial:   time.Second,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    0.2,
		},
		WebRTC: WebRTCConfig{
			STUNServer:     "stun://stun.l.google.com:19302",
			PreferHardware: true,
		},
		Negotiation: NegotiationConfig{
			OfferTimeout:      10 * time.Second,
			MaxRenegotiations: 1,
		},
		Shutdown: ShutdownConfig{
			StepTimeout: 5 * time.Second,
		},
	}
}

// ParseResolution parses a WIDTHxHEIGHT string into two positive integers.
func ParseResolution(s string) (width, height int, err error) {
	parts := strings.Split(strings.TrimSpace(s), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution format %q: expected WIDTHxHEIGHT", s)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", parts[0], err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", parts[1], err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return width, height, nil
}
