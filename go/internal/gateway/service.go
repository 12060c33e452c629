package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	"github.com/mcdev12/orderwire/go/internal/event"
)

// Service is the notification gateway: it fans dispatch outcomes and
// dead letters out to WebSocket subscribers and serves the operator REST
// API.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	restHandler       *DeadLetterHandler
	health            *HealthChecker
	letters           *deadletter.Service
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

var _ dispatch.OutcomeSink = (*Service)(nil)

// NewService creates a new gateway service
func NewService(config Config, letters *deadletter.Service) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		restHandler:       NewDeadLetterHandler(letters, connectionManager),
		health:            NewHealthChecker(),
		letters:           letters,
	}
}

// Start begins the gateway service and blocks until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting notification gateway service")

	s.connectionManager.Start(ctx)

	log.Info().Msg("notification gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.restHandler.RegisterRoutes(mux)
	mux.Handle("/healthz", s.health)
	log.Info().Msg("gateway routes registered")
}

// Health exposes the component health registry so the composition root
// can register backend probes.
func (s *Service) Health() *HealthChecker {
	return s.health
}

// DispatchCompleted implements the dispatcher's outcome sink, feeding
// completed dispatches to subscribers.
func (s *Service) DispatchCompleted(env event.Envelope, out dispatch.Outcome) {
	ev, err := NewDispatchFeedEvent(env, out)
	if err != nil {
		log.Error().Err(err).Str("order_id", env.OrderID).Msg("failed to build dispatch feed event")
		return
	}
	s.connectionManager.Broadcast(ev)
}

// DeadLetterArchived feeds archived letters to subscribers. Wire it as
// the dead letter service broadcast hook, or as the Listener callback
// when the archive lives in Postgres.
func (s *Service) DeadLetterArchived(letter deadletter.DeadLetter) {
	ev, err := NewDeadLetterFeedEvent(letter)
	if err != nil {
		log.Error().Err(err).Str("letter_id", letter.ID.String()).Msg("failed to build dead letter feed event")
		return
	}
	s.connectionManager.Broadcast(ev)
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "notification_gateway"
	stats["status"] = "running"
	return stats
}
