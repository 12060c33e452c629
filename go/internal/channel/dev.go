package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// EmailChannel is a log-backed email sender for development and testing.
// Swap it for a real provider integration by registering a channel under
// the same name.
type EmailChannel struct{}

func init() {
	if err := Register(&EmailChannel{}); err != nil {
		panic(fmt.Sprintf("Failed to register email channel: %v", err))
	}
	if err := Register(&SMSChannel{}); err != nil {
		panic(fmt.Sprintf("Failed to register sms channel: %v", err))
	}
}

func (e *EmailChannel) Name() string { return NameEmail }

func (e *EmailChannel) Init() error { return nil }

func (e *EmailChannel) Deliver(ctx context.Context, n Notification) error {
	log.Info().
		Str("channel", NameEmail).
		Str("recipient", n.Recipient.ID).
		Str("order_id", n.Envelope.OrderID).
		Str("event_type", string(n.Envelope.Type)).
		Str("subject", n.Subject).
		Str("idempotency_key", n.IdempotencyKey.String()).
		Msg("notification delivered")
	return nil
}

// SMSChannel is a log-backed SMS sender for development and testing.
type SMSChannel struct{}

func (s *SMSChannel) Name() string { return NameSMS }

func (s *SMSChannel) Init() error { return nil }

func (s *SMSChannel) Deliver(ctx context.Context, n Notification) error {
	log.Info().
		Str("channel", NameSMS).
		Str("recipient", n.Recipient.ID).
		Str("order_id", n.Envelope.OrderID).
		Str("event_type", string(n.Envelope.Type)).
		Str("idempotency_key", n.IdempotencyKey.String()).
		Msg("notification delivered")
	return nil
}
