package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mikeyg42/webrtc-sender/internal/api"
	"github.com/mikeyg42/webrtc-sender/internal/config"
	"github.com/mikeyg42/webrtc-sender/internal/logging"
	"github.com/mikeyg42/webrtc-sender/internal/media"
	"github.com/mikeyg42/webrtc-sender/internal/streamer"
	"github.com/mikeyg42/webrtc-sender/internal/validate"
)

const envPrefix = "WEBRTC_SENDER"

// flagKeys maps command line flags to their configuration keys. Every key
// can also be set from the config file or WEBRTC_SENDER_<KEY>.
var flagKeys = map[string]string{
	"device":             "video.device",
	"resolution":         "video.resolution",
	"fps":                "video.fps",
	"bitrate":            "video.bitrate",
	"signaling-url":      "signaling.url",
	"connect-timeout":    "signaling.handshake_timeout",
	"stun-server":        "webrtc.stun_server",
	"prefer-hardware":    "webrtc.prefer_hardware",
	"offer-timeout":      "negotiation.offer_timeout",
	"max-renegotiations": "negotiation.max_renegotiations",
	"stop-timeout":       "shutdown.step_timeout",
	"metrics-addr":       "metrics.listen_addr",
	"verbose":            "verbose",
}

func newRootCmd() *cobra.Command {
	cfg := config.NewDefaultConfig()
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "webrtc-sender",
		Short:         "Stream a camera to a WebRTC viewer through a signaling server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd, v, cfg)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSender(cmd.Context(), cfg)
		},
	}
	addFlags(cmd, cfg)
	return cmd
}

func addFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()

	// Video
	f.StringP("device", "d", cfg.Video.Device, "Video device")
	f.StringP("resolution", "r", cfg.Video.Resolution(), "Resolution as WIDTHxHEIGHT")
	f.IntP("fps", "f", cfg.Video.FrameRate, "Frames per second")
	f.IntP("bitrate", "b", cfg.Video.BitRate, "Target bitrate in bits per second")

	// Signaling and WebRTC
	f.StringP("signaling-url", "s", cfg.Signaling.URL, "Signaling server WebSocket URL")
	f.Duration("connect-timeout", cfg.Signaling.HandshakeTimeout, "WebSocket handshake timeout")
	f.String("stun-server", cfg.WebRTC.STUNServer, "STUN server URI")
	f.Bool("prefer-hardware", cfg.WebRTC.PreferHardware, "Try the hardware encoder before the software one")

	// Session
	f.Duration("offer-timeout", cfg.Negotiation.OfferTimeout, "Time allowed to create an offer")
	f.Int("max-renegotiations", cfg.Negotiation.MaxRenegotiations, "Renegotiations allowed before giving up")
	f.Duration("stop-timeout", cfg.Shutdown.StepTimeout, "Time allowed for each shutdown step")

	// Service
	f.String("metrics-addr", cfg.Metrics.ListenAddr, "Listen address for /metrics and /healthz (empty disables)")
	f.BoolP("verbose", "v", cfg.Verbose, "Enable debug logging")
	f.String("config", "", "Config file (yaml, toml or json)")
}

// loadConfig merges flags, environment and the optional config file into
// cfg and validates the result.
func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file, _ := cmd.Flags().GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	width, height, err := config.ParseResolution(v.GetString("video.resolution"))
	if err != nil {
		return err
	}
	cfg.Video.Width, cfg.Video.Height = width, height

	return validate.ValidateConfig(cfg)
}

// runSender runs until SIGINT/SIGTERM (nil) or an unrecoverable failure.
func runSender(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := api.NewMetrics()
	engine := media.NewPionEngine(cfg.Video, cfg.WebRTC, logger.Named("media"))
	ctrl := streamer.New(cfg, engine, logger, metrics)

	if cfg.Metrics.ListenAddr != "" {
		server := api.NewServer(cfg.Metrics.ListenAddr, ctrl, metrics, logger.Named("api"))
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.StepTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop API server", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		// a second signal kills the process while we tear down
		stop()
		_ = ctrl.Stop(context.Background())
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Info("Shutdown signal received during start")
			return nil
		}
		return err
	}

	select {
	case <-ctx.Done():
		stop()
		logger.Info("Shutdown signal received")
		stopCtx, cancel := context.WithTimeout(context.Background(), 4*cfg.Shutdown.StepTimeout)
		defer cancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
		return nil
	case <-ctrl.Done():
		return ctrl.Wait()
	}
}
