package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/bus"
	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/discovery"
	"github.com/skypro1111/voice-session-service/internal/logging"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/response"
	"github.com/skypro1111/voice-session-service/internal/server"
	"github.com/skypro1111/voice-session-service/internal/session"
	"github.com/skypro1111/voice-session-service/internal/telemetry"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

const serviceName = "voice-session-service"

func main() {
	// An empty path runs on built-in defaults plus VOICE_* overrides.
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("Service failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	logger.Info("Service starting",
		zap.String("service", serviceName),
		zap.String("version", server.Version),
		zap.String("config_path", configPath),
	)

	// Configuration summary without credentials
	logger.Info("Configuration loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("ws_path", cfg.Server.WSPath),
		zap.Int("max_concurrent_sessions", cfg.Server.MaxConcurrentSessions),
		zap.Int("sample_rate", cfg.Audio.SampleRate),
		zap.Float64("endpoint_threshold", cfg.VAD.EndpointThreshold),
		zap.Int("silence_duration_ms", cfg.VAD.SilenceDurationMs),
		zap.Int("max_utterance_duration_ms", cfg.Audio.MaxUtteranceDurationMs),
		zap.String("transcription_mode", cfg.Transcription.Mode),
		zap.String("response_mode", cfg.Response.Mode),
		zap.Bool("bus_enabled", cfg.Bus.Enabled),
		zap.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, server.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Error flushing traces", zap.Error(err))
		}
	}()

	appMetrics := metrics.NewMetrics()

	engine, err := transcription.NewEngine(cfg.Transcription)
	if err != nil {
		return fmt.Errorf("failed to create transcription engine: %w", err)
	}
	if closer, ok := engine.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("Transcription engine initialized", zap.String("engine", engine.Name()))

	responder, err := response.NewResponder(cfg.Response)
	if err != nil {
		return fmt.Errorf("failed to create responder: %w", err)
	}
	logger.Info("Responder initialized", zap.String("responder", responder.Name()))

	deps := session.Deps{
		Engine:               engine,
		TranscriptionTimeout: cfg.Transcription.GetTimeoutDuration(),
		Responder:            responder,
		ResponseTimeout:      cfg.Response.GetTimeoutDuration(),
		Metrics:              appMetrics,
		Tracer:               telemetry.Tracer(tp),
		Logger:               logger,
	}

	var publisher *bus.Publisher
	var busStatus server.BusStatus
	if cfg.Bus.Enabled {
		publisher, err = bus.Connect(cfg.Bus, logger)
		if err != nil {
			// Publishing is best effort; sessions run without it.
			logger.Warn("Event bus unavailable, continuing without it", zap.Error(err))
		} else {
			deps.Publisher = publisher
			busStatus = publisher
			defer publisher.Close()
		}
	}

	sessions := session.NewManager(session.Config{
		SampleRate:          cfg.Audio.SampleRate,
		Threshold:           cfg.VAD.EndpointThreshold,
		SilenceDuration:     cfg.VAD.GetSilenceDuration(),
		MaxUtteranceSamples: cfg.Audio.MaxUtteranceSamples(),
		FrameSamples:        cfg.Audio.FrameSampleCount,
		DebugEveryFrames:    cfg.VAD.DebugEveryFrames,
	}, deps, cfg.Server.GetSessionTimeoutDuration(), cfg.Server.MaxConcurrentSessions)
	logger.Info("Session manager initialized",
		zap.Duration("session_timeout", cfg.Server.GetSessionTimeoutDuration()),
	)

	wsServer := server.NewWebSocketServer(&cfg.Server, cfg.Audio.SampleRate, logger, sessions, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, sessions, wsServer, engine, busStatus, appMetrics)
	}

	if err := wsServer.Start(); err != nil {
		sessions.Stop()
		return err
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			sessions.Stop()
			return err
		}
	}

	var advertiser *discovery.Advertiser
	if cfg.Server.MDNS.Enabled {
		advertiser, err = discovery.Advertise(discovery.Config{
			Instance: cfg.Server.MDNS.Instance,
			Service:  cfg.Server.MDNS.Service,
			Port:     cfg.Server.Port,
			Path:     cfg.Server.WSPath,
		}, logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		zap.String("ws_address", fmt.Sprintf("%s:%d%s", cfg.Server.BindAddress, cfg.Server.Port, cfg.Server.WSPath)),
		zap.Bool("http_enabled", cfg.HTTP.Enabled),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	if err := advertiser.Shutdown(); err != nil {
		logger.Warn("Error stopping mDNS advertisement", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	// Closing sessions ends their connections, which lets the websocket server drain.
	sessions.Stop()

	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", zap.Error(err))
	}

	stats := wsServer.GetStatistics()
	logger.Info("Final server statistics",
		zap.Uint64("connections_accepted", stats.ConnectionsAccepted),
		zap.Uint64("connections_rejected", stats.ConnectionsRejected),
		zap.Uint64("frames_received", stats.FramesReceived),
		zap.Uint64("events_written", stats.EventsWritten),
	)

	logger.Info("Service stopped")
	return nil
}
