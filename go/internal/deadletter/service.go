package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/retry"
)

// Service wraps a Store with validation, logging, and an optional
// broadcast hook. It is the retry scheduler's DeadLetterSink.
type Service struct {
	store Store

	// broadcast, when set, is invoked after a letter is archived. The
	// gateway uses it for live feeds when there is no Postgres LISTEN
	// path (memory store deployments).
	broadcast func(DeadLetter)
}

var _ retry.DeadLetterSink = (*Service)(nil)

func NewService(store Store) *Service {
	return &Service{store: store}
}

// SetBroadcast wires the live feed hook. Call it during composition,
// before the scheduler starts archiving.
func (s *Service) SetBroadcast(fn func(DeadLetter)) {
	s.broadcast = fn
}

// Archive converts an exhausted retry attempt into a dead letter. The
// letter reuses the attempt ID, so redelivered archive calls are no-ops.
func (s *Service) Archive(ctx context.Context, a retry.Attempt, reason string) error {
	if reason == "" {
		reason = "retry budget exhausted"
	}
	letter := DeadLetter{
		ID:            a.ID,
		Envelope:      a.Envelope,
		RecipientID:   a.Recipient.ID,
		RecipientRole: a.Recipient.Role,
		Channel:       a.Channel,
		Reason:        reason,
		Attempts:      a.AttemptNumber,
		LastError:     a.LastError,
		Payload:       a.Envelope.Payload,
		CreatedAt:     time.Now().UTC(),
	}
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}

	if err := s.store.Insert(ctx, letter); err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}

	log.Error().
		Str("letter_id", letter.ID.String()).
		Str("order_id", letter.Envelope.OrderID).
		Str("event_type", string(letter.Envelope.Type)).
		Str("recipient", letter.RecipientID).
		Str("channel", letter.Channel).
		Int("attempts", letter.Attempts).
		Str("reason", reason).
		Msg("notification archived to dead letters")

	if s.broadcast != nil {
		s.broadcast(letter)
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]DeadLetter, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	return s.store.Get(ctx, id)
}

// Resolve signs a letter off. Resolved letters stay archived and are
// never re-queued.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, by string) (DeadLetter, error) {
	if by == "" {
		return DeadLetter{}, fmt.Errorf("resolved_by is required")
	}
	letter, err := s.store.Resolve(ctx, id, by)
	if err != nil {
		return DeadLetter{}, err
	}
	log.Info().
		Str("letter_id", id.String()).
		Str("order_id", letter.Envelope.OrderID).
		Str("resolved_by", by).
		Msg("dead letter resolved")
	return letter, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}
