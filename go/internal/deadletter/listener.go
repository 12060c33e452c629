package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for letters missed while disconnected
	PingInterval     time.Duration
	BatchSize        int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Listener follows the dead letter archive over Postgres LISTEN/NOTIFY
// and hands new letters to a broadcast callback. A fallback poll catches
// letters notified while the connection was down; subscribers must
// tolerate duplicates.
type Listener struct {
	store     Store
	listener  *pq.Listener
	broadcast func(DeadLetter)
	cfg       ListenerConfig

	lastPoll time.Time
}

func NewListener(store Store, broadcast func(DeadLetter), cfg ListenerConfig) (*Listener, error) {
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = NotifyChannel
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for dead letter notifications")

	return &Listener{
		store:     store,
		listener:  l,
		broadcast: broadcast,
		cfg:       cfg,
		lastPoll:  time.Now().UTC(),
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("dead letter listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dead letter listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost so reconnect
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle dead letter notification")
			}
		case <-fallbackTicker.C:
			if err := l.pollMissed(ctx); err != nil {
				log.Error().Err(err).Msg("failed to poll for missed dead letters")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification fetches the letter named in the NOTIFY payload and
// broadcasts it.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid letter ID in notification: %w", err)
	}

	letter, err := l.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch dead letter: %w", err)
	}

	l.broadcast(letter)
	log.Info().Str("letter_id", id.String()).Msg("dead letter broadcast")
	return nil
}

// pollMissed re-broadcasts unresolved letters archived since the last
// poll, covering notifications lost to connection drops.
func (l *Listener) pollMissed(ctx context.Context) error {
	since := l.lastPoll
	l.lastPoll = time.Now().UTC()

	letters, err := l.store.List(ctx, ListFilter{UnresolvedOnly: true, Limit: l.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("failed to list unresolved dead letters: %w", err)
	}
	for _, letter := range letters {
		if letter.CreatedAt.Before(since) {
			continue
		}
		l.broadcast(letter)
	}
	return nil
}
