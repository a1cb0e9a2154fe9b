package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/gateway"
	"github.com/scrumdeck/scrumdeck/internal/importer"
	"github.com/scrumdeck/scrumdeck/internal/relay"
	"github.com/scrumdeck/scrumdeck/internal/room"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := loadConfig()

	if cfg.DecksPath != "" {
		if err := room.LoadDecks(cfg.DecksPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.DecksPath).Msg("failed to load deck config")
		}
		log.Info().Str("path", cfg.DecksPath).Msg("loaded voting decks")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink gateway.EventSink
	if cfg.NATSURL != "" {
		jsCfg := relay.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		r, err := relay.New(ctx, jsCfg)
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", cfg.NATSURL).Msg("failed to connect event relay")
		}
		defer r.Close()
		sink = r
		log.Info().Str("nats_url", cfg.NATSURL).Msg("event relay connected")
	}

	var searcher gateway.IssueSearcher
	if cfg.TrackerURL != "" {
		tracker := importer.NewClient(cfg.TrackerURL)
		if cfg.TrackerToken != "" {
			tracker.SetHeader("Authorization", "Bearer "+cfg.TrackerToken)
		}
		searcher = tracker
		log.Info().Str("tracker_url", cfg.TrackerURL).Msg("issue import enabled")
	}

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.PingInterval = cfg.PingInterval
	gatewayConfig.ConnectionConfig.ReadTimeout = cfg.PongWait
	gatewayConfig.StaticDir = cfg.StaticDir

	gatewayService := gateway.NewService(gatewayConfig, searcher, sink)

	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)

	server := setupServer(cfg, mux)

	go func() {
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	time.Sleep(1 * time.Second)

	log.Info().Msg("scrumdeck shutdown complete")
}
