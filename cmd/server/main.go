package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/analysis"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/config"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/lyrics"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/metrics"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/pipeline"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/server"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/session"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/synthesis"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "realtime-music-generator"
	serviceVersion    = "1.0.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, envFile string

	root := &cobra.Command{
		Use:          "server",
		Short:        "Realtime speech-to-music session service",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal outside local development
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", envFile, err)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file with API keys")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and UDP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Sanitized())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s: configuration is valid\n%s", configPath, out)
			return nil
		},
	})

	return root
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.Bool("udp_enabled", cfg.UDP.Enabled),
		slog.Int("udp_port", cfg.UDP.Port),
		slog.Int("max_sessions", cfg.Session.MaxConcurrent),
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeoutDuration()),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.String("analysis_model", cfg.Analysis.Model),
		slog.String("lyrics_model", cfg.Lyrics.Model),
		slog.String("synthesis_endpoint", cfg.Synthesis.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := metrics.NewRegistry()
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	transcriber, err := transcription.NewClient(transcription.Config{
		BaseURL:           cfg.Transcription.BaseURL,
		APIKey:            cfg.Transcription.APIKey,
		Model:             cfg.Transcription.Model,
		MaxConcurrent:     cfg.Transcription.MaxConcurrent,
		NoSpeechThreshold: cfg.Transcription.NoSpeechThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create transcription client: %w", err)
	}
	defer transcriber.Close()

	analyzer, err := analysis.NewClient(analysis.Config{
		BaseURL:     cfg.Analysis.BaseURL,
		APIKey:      cfg.Analysis.APIKey,
		Model:       cfg.Analysis.Model,
		Temperature: cfg.Analysis.Temperature,
		MaxTokens:   cfg.Analysis.MaxTokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create analysis client: %w", err)
	}

	writer, err := lyrics.NewClient(ctx, lyrics.Config{
		APIKey:      cfg.Lyrics.APIKey,
		Model:       cfg.Lyrics.Model,
		BaseURL:     cfg.Lyrics.BaseURL,
		Temperature: cfg.Lyrics.Temperature,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create lyrics client: %w", err)
	}

	synthesizer, err := synthesis.NewClient(synthesis.Config{
		Endpoint:      cfg.Synthesis.Endpoint,
		APIKey:        cfg.Synthesis.APIKey,
		SampleRate:    cfg.Audio.OutputSampleRate,
		Format:        cfg.Synthesis.Format,
		MaxConcurrent: cfg.Synthesis.MaxConcurrent,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create synthesis client: %w", err)
	}

	stages, err := pipeline.NewStages(pipeline.Policies{
		Transcription: cfg.Transcription.Retry.Policy(),
		Analysis:      cfg.Analysis.Retry.Policy(),
		Lyrics:        cfg.Lyrics.Retry.Policy(),
		Synthesis:     cfg.Synthesis.Retry.Policy(),
	}, pipeline.Collaborators{
		Transcriber: transcriber,
		Analyzer:    analyzer,
		LyricWriter: writer,
		Synthesizer: synthesizer,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create pipeline stages: %w", err)
	}

	sessions, err := session.NewManager(sessionConfig(cfg), stages, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Int("max_sessions", cfg.Session.MaxConcurrent),
		slog.Int("frame_queue_size", cfg.Session.FrameQueueSize),
	)

	var udpServer *server.UDPServer
	if cfg.UDP.Enabled {
		udpServer = server.NewUDPServer(&cfg.UDP, logger, sessions, appMetrics)
		if err := udpServer.Start(); err != nil {
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerOptions{
			Config:    cfg,
			Sessions:  sessions,
			UDPServer: udpServer,
			Metrics:   appMetrics,
			Gatherer:  registry,
			ClientStats: map[string]server.StatsFunc{
				"transcription": func() any { return transcriber.GetStats() },
				"synthesis":     func() any { return synthesizer.GetStats() },
			},
		}, logger)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests and packets before ending sessions
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}
	}

	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping session manager", slog.String("error", err.Error()))
	}

	stats := sessions.Stats()
	logger.Info("Final session statistics",
		slog.Uint64("sessions_started", stats.Started),
		slog.Uint64("capacity_rejections", stats.Rejected),
	)

	logger.Info("Service stopped")
	return nil
}

// sessionConfig maps the loaded configuration onto the session manager
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.MaxConcurrent = cfg.Session.MaxConcurrent
	sc.IdleTimeout = cfg.Session.GetIdleTimeoutDuration()
	sc.FrameQueueSize = cfg.Session.FrameQueueSize
	sc.StopGracePeriod = cfg.Session.GetStopGracePeriodDuration()
	sc.StatusRetention = cfg.Session.GetStatusRetentionDuration()
	sc.CleanupInterval = cfg.Session.GetCleanupIntervalDuration()
	sc.EventBuffer = cfg.Session.EventBuffer
	sc.Gate.MinSpeech = cfg.VAD.GetMinSpeechDuration()
	sc.Gate.Hangover = cfg.VAD.GetHangoverDuration()
	sc.Gate.MaxUtterance = cfg.VAD.GetMaxUtteranceDuration()
	sc.Gate.FailureThreshold = cfg.VAD.FailureThreshold
	sc.Threshold = cfg.VAD.Threshold
	sc.Smoothing = cfg.VAD.Smoothing
	sc.Pipeline = pipeline.Config{
		SampleRate:      cfg.Audio.OutputSampleRate,
		MaxTracks:       cfg.Session.MaxTracks,
		MaxHistoryTurns: cfg.Session.MaxHistoryTurns,
	}
	return sc
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
