package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/api"
	"github.com/studyhall/recap/internal/config"
	"github.com/studyhall/recap/internal/database"
	"github.com/studyhall/recap/internal/events"
	"github.com/studyhall/recap/internal/session"
	"github.com/studyhall/recap/internal/storage"
	"github.com/studyhall/recap/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&overrides.DatabaseURL, "db", "", "postgres connection url")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local audio directory")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("recap starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	// Audio storage
	store, svcs, err := storage.New(cfg.S3, cfg.AudioDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init audio storage")
	}
	for _, svc := range svcs {
		svc.Start()
	}
	uploader := storage.NewUploader(store, cfg.UploadTimeout, log)

	// Transcription
	var provider transcribe.Provider
	switch cfg.Transcribe.Provider {
	case "whisper":
		provider = transcribe.NewWhisperClient(cfg.Transcribe.WhisperURL, cfg.Transcribe.WhisperModel, cfg.Transcribe.Timeout)
	case "elevenlabs":
		if cfg.Transcribe.ElevenLabsAPIKey == "" {
			log.Fatal().Msg("ELEVENLABS_API_KEY is required for the elevenlabs provider")
		}
		provider = transcribe.NewElevenLabsClient(cfg.Transcribe.ElevenLabsAPIKey, cfg.Transcribe.ElevenLabsModel, cfg.Transcribe.Timeout)
	default:
		log.Fatal().Str("provider", cfg.Transcribe.Provider).Msg("unknown transcription provider")
	}
	orch := transcribe.NewOrchestrator(transcribe.Options{
		Provider: provider,
		Fetcher:  uploader,
		Timeout:  cfg.Transcribe.Timeout,
		Opts: transcribe.Opts{
			Temperature: cfg.Transcribe.Temperature,
			Language:    cfg.Transcribe.Language,
		},
		Log: log,
	})

	// Sessions
	bus := session.NewEventBus(256)
	mgr := session.NewManager(session.ManagerOptions{
		Store:       db,
		Artifacts:   uploader,
		Transcriber: orch,
		Bus:         bus,
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxDuration: cfg.MaxSessionDuration,
		Log:         log,
	})
	mgr.Start()

	// Optional MQTT transcript publisher
	var publisher *events.Publisher
	var mqttCheck api.ConnChecker
	if cfg.MQTT.Enabled() {
		publisher, err = events.Connect(cfg.MQTT, bus, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		publisher.Start()
		mqttCheck = publisher
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Manager:   mgr,
		Store:     db,
		Audio:     store,
		Bus:       bus,
		DB:        db,
		MQTT:      mqttCheck,
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// Finalize live sessions before tearing down storage and mqtt.
	mgr.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	for _, svc := range svcs {
		svc.Stop()
	}

	log.Info().Msg("recap stopped")
}
