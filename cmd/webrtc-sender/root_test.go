package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mikeyg42/webrtc-sender/internal/config"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cmd := &cobra.Command{Use: "test"}
	addFlags(cmd, cfg)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}
	return cfg, loadConfig(cmd, viper.New(), cfg)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parse(t)
	if err != nil {
		t.Fatalf("Defaults rejected: %v", err)
	}
	def := config.NewDefaultConfig()
	if cfg.Video != def.Video || cfg.Signaling != def.Signaling || cfg.WebRTC != def.WebRTC {
		t.Fatalf("Defaults changed by loading: %+v", cfg)
	}
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := parse(t,
		"-d", "/dev/video2",
		"-r", "1280x720",
		"-f", "15",
		"-b", "2000000",
		"-s", "wss://signal.example.com/ws",
		"--stun-server", "stun:stun.example.com:3478",
		"--offer-timeout", "3s",
		"--metrics-addr", "127.0.0.1:9100",
		"-v",
	)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Video.Device != "/dev/video2" || cfg.Video.Width != 1280 || cfg.Video.Height != 720 {
		t.Errorf("Unexpected video config: %+v", cfg.Video)
	}
	if cfg.Video.FrameRate != 15 || cfg.Video.BitRate != 2_000_000 {
		t.Errorf("Unexpected rate config: %+v", cfg.Video)
	}
	if cfg.Signaling.URL != "wss://signal.example.com/ws" {
		t.Errorf("Unexpected signaling URL %q", cfg.Signaling.URL)
	}
	if cfg.WebRTC.STUNServer != "stun:stun.example.com:3478" {
		t.Errorf("Unexpected STUN server %q", cfg.WebRTC.STUNServer)
	}
	if cfg.Negotiation.OfferTimeout != 3*time.Second {
		t.Errorf("Unexpected offer timeout %v", cfg.Negotiation.OfferTimeout)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9100" || !cfg.Verbose {
		t.Errorf("Unexpected service config: %+v %v", cfg.Metrics, cfg.Verbose)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("WEBRTC_SENDER_VIDEO_DEVICE", "/dev/video7")
	t.Setenv("WEBRTC_SENDER_VIDEO_FPS", "24")

	cfg, err := parse(t)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Video.Device != "/dev/video7" || cfg.Video.FrameRate != 24 {
		t.Fatalf("Environment not applied: %+v", cfg.Video)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.yaml")
	data := "video:\n  device: /dev/video3\n  resolution: 640x480\nsignaling:\n  ping_interval: 15s\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := parse(t, "--config", path, "-f", "10")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Video.Device != "/dev/video3" || cfg.Video.Width != 640 || cfg.Video.Height != 480 {
		t.Errorf("Config file not applied: %+v", cfg.Video)
	}
	if cfg.Signaling.PingInterval != 15*time.Second {
		t.Errorf("Expected ping interval 15s, got %v", cfg.Signaling.PingInterval)
	}
	if cfg.Video.FrameRate != 10 {
		t.Errorf("Flag should win over file, got fps %d", cfg.Video.FrameRate)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{"Resolution without x", []string{"-r", "1920"}, "WIDTHxHEIGHT"},
		{"Zero width", []string{"-r", "0x720"}, "must be positive"},
		{"Bad scheme", []string{"-s", "http://localhost:8765"}, "signaling URL"},
		{"Zero fps", []string{"-f", "0"}, "FrameRate"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
