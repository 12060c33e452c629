package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/dbconfig"
	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/gateway"
)

// The standalone gateway serves the operator surface against the shared
// Postgres archive: pipeline processes archive dead letters and NOTIFY
// wakes this process, which fans them out to WebSocket subscribers.
func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	port := getEnv("GATEWAY_PORT", "8083")

	// Database configuration
	dbCfg := dbconfig.NewConfigFromEnv()

	// Connect to database
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	log.Info().
		Str("database", dbCfg.Database).
		Str("port", port).
		Msg("starting notification gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := deadletter.NewRepository(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open dead letter archive")
	}
	letters := deadletter.NewService(store)

	gatewayService := gateway.NewService(gateway.DefaultConfig(), letters)
	letters.SetBroadcast(gatewayService.DeadLetterArchived)

	// Follow letters archived by pipeline processes.
	listenerCfg := deadletter.DefaultListenerConfig()
	listenerCfg.DatabaseURL = dbCfg.DSN()
	listener, err := deadletter.NewListener(store, gatewayService.DeadLetterArchived, listenerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start dead letter listener")
	}

	gatewayService.Health().Register("database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	gatewayService.Health().Register("dead_letters", func(ctx context.Context) error {
		_, err := store.Stats(ctx)
		return err
	})

	// Setup HTTP server
	mux := http.NewServeMux()

	// Register gateway routes (WebSocket and REST)
	gatewayService.RegisterRoutes(mux)

	// Add service info
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := gatewayService.GetStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"notification-gateway","connections":%d}`,
			stats["total_connections"])
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start gateway service (connection manager broadcast loop)
	go func() {
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	// Start the NOTIFY listener
	go func() {
		if err := listener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("dead letter listener failed")
		}
	}()

	// Start HTTP server
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

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give the broadcast loop and listener time to clean up
	time.Sleep(1 * time.Second)

	log.Info().Msg("notification gateway shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
