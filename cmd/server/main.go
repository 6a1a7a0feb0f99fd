// Package main is the entry point of Pulse, the live-data core of the trading dashboard.
// It polls market data and news, streams real-time quotes when configured,
// evaluates price alerts and publishes every update on a single event stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/cache"
	"github.com/aristath/pulse/internal/clients/advisor"
	"github.com/aristath/pulse/internal/clients/finnhub"
	"github.com/aristath/pulse/internal/clients/quotestream"
	"github.com/aristath/pulse/internal/config"
	"github.com/aristath/pulse/internal/database"
	"github.com/aristath/pulse/internal/events"
	"github.com/aristath/pulse/internal/health"
	"github.com/aristath/pulse/internal/modules/alerts"
	"github.com/aristath/pulse/internal/modules/patterns"
	"github.com/aristath/pulse/internal/modules/sentiment"
	"github.com/aristath/pulse/internal/modules/settings"
	"github.com/aristath/pulse/internal/orchestrator"
	"github.com/aristath/pulse/internal/scheduler"
	"github.com/aristath/pulse/internal/server"
	"github.com/aristath/pulse/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Pulse")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "pulse.db"),
		Profile: database.ProfileStandard,
		Name:    "pulse",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	settingsRepo := settings.NewRepository(db.Conn(), log)
	alertRepo := alerts.NewRepository(db.Conn(), log)
	errorLog := health.NewErrorRepository(db.Conn(), log)
	store := cache.NewStore(db.Conn())

	// Credentials saved from the settings screen win over the environment
	if err := cfg.UpdateFromSettings(settingsRepo); err != nil {
		log.Warn().Err(err).Msg("Failed to update config from settings DB, using environment variables")
	}

	quotes := finnhub.NewClient(finnhub.Config{
		APIKey: cfg.FinnhubAPIKey,
		Tier:   cfg.FinnhubTier,
	}, log)
	if !quotes.HasCredentials() {
		log.Warn().Msg("Finnhub API key not configured - market data and news will fail until one is saved")
	}

	bus := events.NewBus(log)
	deps := orchestrator.Deps{
		Quotes:      quotes,
		News:        quotes,
		Sentiment:   sentiment.NewAnalyzer(log),
		Patterns:    patterns.NewScanner(quotes, log),
		Settings:    settings.NewProvider(settingsRepo, defaultSettings(cfg)),
		Alerts:      alertRepo,
		Store:       store,
		ErrorLog:    errorLog,
		Maintainer:  db,
		Credentials: quotes,
		Stream:      streamFactory(cfg.StreamURL, log),
		Health:      health.NewMonitor(errorLog, bus, log),
		Bus:         bus,
		Scheduler:   scheduler.NewCron(log),
	}
	if cfg.AdvisorURL != "" {
		deps.Recommender = advisor.NewClient(cfg.AdvisorURL, 0, log)
	} else {
		log.Warn().Msg("ADVISOR_URL not set - AI analysis disabled")
	}

	core := orchestrator.New(deps, orchestrator.Options{
		Defaults:   defaultSettings(cfg),
		RunOnStart: true,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.Start(ctx)

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Core:     core,
		Alerts:   alertRepo,
		ErrorLog: errorLog,
		Settings: settingsRepo,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	core.Stop()
	cancel()

	log.Info().Msg("Server stopped")
}

func defaultSettings(cfg *config.Config) settings.Settings {
	return settings.Settings{
		AIRecurrenceMinutes: cfg.AIRecurrenceMinutes,
		PatternScanEnabled:  cfg.PatternScanEnabled,
		RealtimeEnabled:     cfg.RealtimeEnabled,
		StreamAPIKey:        cfg.StreamAPIKey,
		FinnhubAPIKey:       cfg.FinnhubAPIKey,
		FinnhubTier:         cfg.FinnhubTier,
		Watchlist:           cfg.Watchlist,
		ConfidenceThreshold: settings.DefaultConfidenceThreshold,
	}
}

func streamFactory(url string, log zerolog.Logger) orchestrator.StreamFactory {
	return func(token string) orchestrator.StreamClient {
		return quotestream.New(url, token, nil, quotestream.DefaultOptions(), log)
	}
}
