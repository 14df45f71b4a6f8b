package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/config"
	"github.com/skypro1111/chunk-recorder/internal/guard"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/pipeline"
	"github.com/skypro1111/chunk-recorder/internal/queue"
	"github.com/skypro1111/chunk-recorder/internal/server"
	"github.com/skypro1111/chunk-recorder/internal/session"
	"github.com/skypro1111/chunk-recorder/internal/silence"
	"github.com/skypro1111/chunk-recorder/internal/store"
	"github.com/skypro1111/chunk-recorder/internal/summary"
	"github.com/skypro1111/chunk-recorder/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "chunk-recorder"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to dotenv file")
	autoStart := flag.Bool("start", false, "Start recording immediately")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Recording.SampleRate),
		slog.Duration("chunk_duration", cfg.Recording.GetChunkDuration()),
		slog.Duration("overlap", cfg.Recording.GetOverlap()),
		slog.String("recordings_dir", cfg.Storage.RecordingsDir),
		slog.String("database", cfg.Storage.Database),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("summarization_model", cfg.Summarization.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger, *autoStart); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger, autoStart bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	st, err := store.Open(cfg.Storage.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	queueCfg := queue.Config{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.GetPollInterval(),
		Observer:     appMetrics,
	}
	if cfg.Pipeline.RequireNetwork {
		queueCfg.Network = queue.DialChecker{Address: cfg.Pipeline.NetworkCheckAddress}
	}
	jobs, err := queue.New(st.DB(), queueCfg, logger)
	if err != nil {
		return err
	}

	transcriber, err := newTranscriber(cfg.Transcription)
	if err != nil {
		return err
	}
	summarizer := summary.NewOpenAI(summary.OpenAIConfig{
		APIKey:      cfg.Summarization.APIKey,
		BaseURL:     cfg.Summarization.BaseURL,
		Model:       cfg.Summarization.Model,
		Temperature: cfg.Summarization.Temperature,
		Timeout:     cfg.Summarization.GetTimeoutDuration(),
	})

	pipe := pipeline.New(pipeline.Config{
		Backoff:        cfg.Pipeline.GetBackoff(),
		MaxBackoff:     cfg.Pipeline.GetMaxBackoff(),
		RequireNetwork: cfg.Pipeline.RequireNetwork,
		DraftThrottle:  cfg.Pipeline.GetDraftThrottle(),
	}, st, jobs, transcriber, summarizer, appMetrics, logger)
	logger.Info("Transcription pipeline initialized",
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.Bool("require_network", cfg.Pipeline.RequireNetwork),
	)

	files := audio.NewFileManager(cfg.Storage.RecordingsDir)
	engine := audio.NewEngine(audio.EngineConfig{
		Format:         audio.Format{SampleRate: cfg.Recording.SampleRate, Channels: cfg.Recording.Channels},
		Overlap:        cfg.Recording.GetOverlap(),
		ChunkDuration:  cfg.Recording.GetChunkDuration(),
		ReadBufferSize: cfg.Recording.ReadBufferSize,
	}, files, audio.ExecSource{
		Command: cfg.Recording.Source.Command,
		Device:  cfg.Recording.Source.Device,
		Args:    cfg.Recording.Source.Args,
	}, logger)
	engine.OnChunkClosed(appMetrics.RecordChunkClosed)

	focus := &guard.ManualFocus{}
	calls := &guard.ManualCalls{}
	controller, err := session.NewController(session.Config{
		ChunkDuration:  cfg.Recording.GetChunkDuration(),
		TickInterval:   time.Second,
		RotationCheck:  cfg.Recording.GetRotationCheck(),
		MinStartFree:   cfg.Storage.GetMinStartFreeBytes(),
		MinRuntimeFree: cfg.Storage.GetMinRuntimeFreeBytes(),
		StoragePoll:    cfg.Storage.GetPollInterval(),
		FocusGrace:     cfg.Interrupts.GetFocusLossGrace(),
		Silence: silence.Config{
			Window:            cfg.Silence.GetWindow(),
			Threshold:         cfg.Silence.Threshold,
			Required:          cfg.Silence.GetRequired(),
			MinBytesPerWindow: int64(cfg.Silence.MinBytesPerWindow),
		},
	}, session.Deps{
		Engine: engine,
		Sink:   pipe,
		Focus:  focus,
		Calls:  calls,
		Permissions: guard.StaticPermissions{
			Mic:   cfg.Interrupts.MicrophonePermission,
			Phone: cfg.Interrupts.PhoneStatePermission,
		},
		Space:    guard.DiskSpace{Path: cfg.Storage.RecordingsDir},
		Observer: appMetrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create recording controller: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		stats, _ := transcriber.(server.TranscriptionStats)
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}, logger, cfg, server.Deps{
			Recorder: controller,
			Store:    st,
			Pipeline: pipe,
			Jobs:     jobs,
			Focus:    focus,
			Calls:    calls,
			Metrics:  appMetrics,
			Gatherer: registry,

			Transcription: stats,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(gctx) })
	g.Go(func() error { return controller.Run(gctx) })

	// Sessions cut short by an earlier run will never get more chunks
	if n, err := pipe.SealInterrupted(ctx); err != nil {
		logger.Warn("Failed to seal interrupted sessions", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Sealed interrupted sessions", slog.Int("count", n))
	}

	// Chunks left unfinished by an earlier run go back into the queue
	if n, err := pipe.RetryAll(ctx); err != nil {
		logger.Warn("Failed to re-enqueue unfinished chunks", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Re-enqueued unfinished chunks", slog.Int("count", n))
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if autoStart {
		if err := controller.Start(ctx); err != nil {
			logger.Error("Failed to start recording", slog.String("error", err.Error()))
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Finalize the running session so its last chunk is queued
	if controller.Status().State.Active() {
		if err := controller.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping recording", slog.String("error", err.Error()))
		}
	}

	cancel()
	err = g.Wait()

	if stats, serr := jobs.GetStats(shutdownCtx); serr == nil {
		logger.Info("Final queue statistics",
			slog.Int64("pending", stats.Pending),
			slog.Int64("running", stats.Running),
			slog.Int64("succeeded", stats.Succeeded),
			slog.Int64("failed", stats.Failed),
		)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newTranscriber builds the client for the configured provider
func newTranscriber(cfg config.TranscriptionConfig) (transcription.Transcriber, error) {
	switch cfg.Provider {
	case "http":
		client, err := transcription.NewHTTPClient(transcription.Config{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			Language:      cfg.Language,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxConcurrent: cfg.MaxConcurrent,
			OutputFormat:  cfg.OutputFormat,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		return client, nil
	default:
		return transcription.NewOpenAIClient(transcription.OpenAIConfig{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			Model:         cfg.Model,
			Language:      cfg.Language,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxConcurrent: cfg.MaxConcurrent,
		}), nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
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

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// A file path, rotated by size
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
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
