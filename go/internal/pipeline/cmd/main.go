package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/orderwire/go/internal/config"
	"github.com/mcdev12/orderwire/go/internal/pipeline"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("ORDERWIRE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Int("partitions", cfg.Partitions).
		Str("group", cfg.Consumer.Group).
		Str("store_backend", cfg.Stores.Backend).
		Str("nats_url", cfg.NATS.URL).
		Str("addr", cfg.Gateway.Addr).
		Msg("starting orderwire pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error().Err(err).Msg("pipeline close failed")
		}
	}()

	server := setupServer(p, cfg)

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(ctx)
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal or a dead pipeline
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	pipelineStopped := false
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-runDone:
		pipelineStopped = true
		if err != nil {
			log.Error().Err(err).Msg("pipeline failed")
		} else {
			log.Info().Msg("pipeline exited")
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	if !pipelineStopped {
		select {
		case <-runDone:
		case <-time.After(15 * time.Second):
			log.Error().Msg("pipeline did not stop in time")
		}
	}

	log.Info().Msg("orderwire pipeline shutdown complete")
}

func setupServer(p *pipeline.Pipeline, cfg *config.Config) *http.Server {
	mux := http.NewServeMux()

	// Register gateway routes (WebSocket, REST, health)
	p.RegisterRoutes(mux)

	// Add service info
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := p.Gateway().GetStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"orderwire-pipeline","connections":%d}`,
			stats["total_connections"])
	})

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:         cfg.Gateway.Addr,
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
