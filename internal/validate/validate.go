package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/webrtc-sender/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateVideoConfig(v, &cfg.Video)
	validateSignalingConfig(v, &cfg.Signaling)
	validateWebRTCConfig(v, &cfg.WebRTC)
	validateNegotiationConfig(v, &cfg.Negotiation)
	validateShutdownConfig(v, &cfg.Shutdown)
	validateMetricsConfig(v, &cfg.Metrics)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateVideoConfig(v *Validator, vcfg *config.VideoConfig) {
	if strings.TrimSpace(vcfg.Device) == "" {
		v.AddError("video device cannot be empty")
	}
	if vcfg.Width <= 0 || vcfg.Height <= 0 {
		v.AddError("invalid video dimensions: width=%d height=%d", vcfg.Width, vcfg.Height)
	}
	if vcfg.Width > 4096 || vcfg.Height > 4096 {
		v.AddError("video dimensions too large: %dx%d (max 4096x4096)", vcfg.Width, vcfg.Height)
	}
	if vcfg.FrameRate <= 0 || vcfg.FrameRate > 120 {
		v.AddError("invalid FrameRate: %d (1-120)", vcfg.FrameRate)
	}
	if vcfg.BitRate <= 0 {
		v.AddError("invalid BitRate: %d", vcfg.BitRate)
	}
}

func validateSignalingConfig(v *Validator, cfg *config.SignalingConfig) {
	u, err := url.Parse(cfg.URL)
	switch {
	case cfg.URL == "":
		v.AddError("signaling URL cannot be empty")
	case err != nil:
		v.AddError("invalid signaling URL %q: %v", cfg.URL, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		v.AddError("signaling URL must use ws:// or wss://, got %q", cfg.URL)
	case u.Host == "":
		v.AddError("signaling URL has no host: %q", cfg.URL)
	}

	requirePositive(v, "handshake timeout", cfg.HandshakeTimeout)
	requirePositive(v, "write timeout", cfg.WriteTimeout)
	requirePositive(v, "ping interval", cfg.PingInterval)
	if cfg.PongWait <= cfg.PingInterval {
		v.AddError("pong wait (%s) must exceed ping interval (%s)", cfg.PongWait, cfg.PingInterval)
	}
	if cfg.ReadLimit <= 0 {
		v.AddError("read limit must be positive")
	}

	requirePositive(v, "backoff initial", cfg.BackoffInitial)
	if cfg.BackoffMax < cfg.BackoffInitial {
		v.AddError("backoff max (%s) must be >= backoff initial (%s)", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter >= 1 {
		v.AddError("backoff jitter must be in [0, 1): %v", cfg.BackoffJitter)
	}
}

func validateWebRTCConfig(v *Validator, cfg *config.WebRTCConfig) {
	if cfg.STUNServer == "" {
		return
	}
	addr := strings.TrimPrefix(strings.TrimPrefix(cfg.STUNServer, "stun://"), "stun:")
	if addr == cfg.STUNServer {
		v.AddError("STUN server must start with stun: or stun://, got %q", cfg.STUNServer)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("STUN server must be host:port: %v", err)
		return
	}
	if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
		v.AddError("invalid hostname in STUN server: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in STUN server: %s", portStr)
	}
}

func validateNegotiationConfig(v *Validator, cfg *config.NegotiationConfig) {
	requirePositive(v, "offer timeout", cfg.OfferTimeout)
	if cfg.MaxRenegotiations < 0 {
		v.AddError("max renegotiations cannot be negative: %d", cfg.MaxRenegotiations)
	}
}

func validateShutdownConfig(v *Validator, cfg *config.ShutdownConfig) {
	requirePositive(v, "shutdown step timeout", cfg.StepTimeout)
}

func validateMetricsConfig(v *Validator, cfg *config.MetricsConfig) {
	if cfg.ListenAddr == "" {
		return
	}
	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("metrics address must be host:port: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in metrics address: %s", portStr)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func requirePositive(v *Validator, name string, d time.Duration) {
	if d <= 0 {
		v.AddError("%s must be positive, got %s", name, d)
	}
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}
