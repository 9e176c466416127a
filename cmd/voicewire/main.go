// Command voicewire is a point-to-point voice client: it connects to a peer
// over TCP, streams microphone audio, and plays back whatever the peer
// sends. With -serve it runs the peer side instead, which is handy for
// loopback testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/controller"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/peer"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/audio/miniaudio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	host := flag.String("host", "", "peer host, overrides the config file")
	port := flag.Int("port", 0, "peer port, overrides the config file")
	serve := flag.Bool("serve", false, "run the peer side instead of the client")
	echo := flag.Bool("echo", true, "in -serve mode, echo received audio back to the client")
	mute := flag.Bool("mute", false, "start with the microphone muted")
	micGain := flag.Float64("mic-gain", 1.0, "initial microphone gain in [0, 1]")
	speakerGain := flag.Float64("speaker-gain", 1.0, "initial speaker gain in [0, 1]")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		// A missing config file is fine when the peer comes from flags.
		if !errors.Is(err, os.ErrNotExist) || (*host == "" && !*serve) {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
			return 1
		}
		if cfg, err = config.LoadFromReader(strings.NewReader("")); err != nil {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
			return 1
		}
	}
	if *host != "" {
		cfg.Peer.Host = *host
	}
	if *port != 0 {
		cfg.Peer.Port = *port
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if *serve {
		return runPeer(ctx, cfg, *echo)
	}
	return runClient(ctx, cfg, *mute, *micGain, *speakerGain)
}

// runPeer runs the server side on the configured port until the context is
// cancelled.
func runPeer(ctx context.Context, cfg *config.Config, echo bool) int {
	srv := peer.New(peer.Config{Echo: echo})
	if err := srv.Listen(fmt.Sprintf(":%d", cfg.Peer.Port)); err != nil {
		slog.Error("peer listen failed", "err", err)
		return 1
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	slog.Info("peer ready, press Ctrl+C to stop")
	if err := srv.Serve(); err != nil {
		slog.Error("peer serve failed", "err", err)
		return 1
	}
	return 0
}

// runClient connects to the peer and runs the call until it ends or a
// shutdown signal arrives.
func runClient(ctx context.Context, cfg *config.Config, mute bool, micGain, speakerGain float64) int {
	if cfg.Peer.Host == "" {
		fmt.Fprintln(os.Stderr, "voicewire: no peer host; set peer.host in the config or pass -host")
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	var opener audio.Opener
	if cfg.Audio.Disabled {
		slog.Info("audio disabled by config")
		opener = unavailableOpener{}
	} else {
		mo, err := miniaudio.NewOpener()
		if err != nil {
			// Device backend failure degrades exactly like failed
			// negotiation: the call runs without audio.
			slog.Warn("audio backend unavailable", "err", err)
			opener = unavailableOpener{}
		} else {
			defer func() {
				if err := mo.Close(); err != nil {
					slog.Warn("audio backend close error", "err", err)
				}
			}()
			opener = mo
		}
	}

	// ── Controller ────────────────────────────────────────────────────────────
	ctrl := controller.New(controller.Config{
		Host:             cfg.Peer.Host,
		Port:             cfg.Peer.Port,
		Session:          sessionConfig(cfg),
		Opener:           opener,
		BufferDuration:   cfg.Audio.BufferDuration.Std(),
		KeepAlivePeriod:  cfg.KeepAlive.Period.Std(),
		KeepAliveWarmUp:  cfg.KeepAlive.WarmUp.Std(),
		KeepAliveTimeout: cfg.KeepAlive.Timeout.Std(),
	})
	ctrl.SetMuted(mute)
	ctrl.SetMicGain(micGain)
	ctrl.SetSpeakerGain(speakerGain)

	// ── Admin listener ────────────────────────────────────────────────────────
	if cfg.Admin.ListenAddr != "" {
		startAdmin(ctx, cfg.Admin.ListenAddr, ctrl)
	}

	slog.Info("connecting", "host", cfg.Peer.Host, "port", cfg.Peer.Port)
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("connect failed", "err", err)
		return 1
	}

	go func() {
		<-ctx.Done()
		_ = ctrl.Disconnect()
	}()

	for snap := range ctrl.Updates() {
		slog.Debug("call status",
			"state", snap.State.String(),
			"rtt", snap.PingRTT,
			"level", fmt.Sprintf("%.2f", snap.InputLevel),
			"healthy", snap.LinkHealthy,
			"duration", snap.Duration.Round(time.Second),
		)
	}

	if err := ctrl.Wait(); err != nil {
		slog.Error("call failed", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// startAdmin serves health and metrics endpoints on addr for the lifetime of
// the context.
func startAdmin(ctx context.Context, addr string, ctrl *controller.Controller) {
	h := health.New(
		health.LinkChecker(func() bool { return ctrl.Snapshot().LinkHealthy }),
		health.AudioChecker(ctrl.AudioAvailable),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	go func() {
		slog.Info("admin listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("admin listener error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HandshakeTimeout: cfg.Peer.HandshakeTimeout.Std(),
		PingTimeout:      cfg.KeepAlive.Timeout.Std(),
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// unavailableOpener fails every open so the pipeline degrades to silent
// operation without touching any device backend.
type unavailableOpener struct{}

func (unavailableOpener) OpenCapture(audio.Format) (audio.CaptureDevice, error) {
	return nil, errors.New("audio disabled")
}

func (unavailableOpener) OpenPlayback(audio.Format) (audio.PlaybackDevice, error) {
	return nil, errors.New("audio disabled")
}
