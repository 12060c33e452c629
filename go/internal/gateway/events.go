package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	"github.com/mcdev12/orderwire/go/internal/event"
)

// FeedEvent is the wire shape pushed to WebSocket subscribers.
type FeedEvent struct {
	ID        string          `json:"id"`        // Feed event UUID
	OrderID   string          `json:"order_id"`  // Order the event concerns
	Kind      FeedKind        `json:"kind"`      // Feed event kind
	Timestamp time.Time       `json:"timestamp"` // Feed event creation time
	Data      json.RawMessage `json:"data"`      // Kind-specific payload
}

// FeedKind discriminates feed event payloads.
type FeedKind string

const (
	FeedKindDispatch   FeedKind = "dispatch"
	FeedKindDeadLetter FeedKind = "dead_letter"
)

// DispatchData is the payload of dispatch feed events.
type DispatchData struct {
	EventID   uuid.UUID           `json:"event_id"`
	EventType event.Type          `json:"event_type"`
	Delivered []dispatch.Delivery `json:"delivered,omitempty"`
	Scheduled []uuid.UUID         `json:"scheduled,omitempty"`
	Unhandled bool                `json:"unhandled,omitempty"`
}

// DeadLetterData is the payload of dead letter feed events.
type DeadLetterData struct {
	LetterID  uuid.UUID  `json:"letter_id"`
	EventType event.Type `json:"event_type"`
	Recipient string     `json:"recipient,omitempty"`
	Channel   string     `json:"channel,omitempty"`
	Reason    string     `json:"reason"`
	Attempts  int        `json:"attempts"`
}

// NewDispatchFeedEvent wraps a completed dispatch for the feed.
func NewDispatchFeedEvent(env event.Envelope, out dispatch.Outcome) (*FeedEvent, error) {
	data, err := json.Marshal(DispatchData{
		EventID:   out.EventID,
		EventType: out.Type,
		Delivered: out.Delivered,
		Scheduled: out.Scheduled,
		Unhandled: out.Unhandled,
	})
	if err != nil {
		return nil, err
	}
	return &FeedEvent{
		ID:        uuid.New().String(),
		OrderID:   env.OrderID,
		Kind:      FeedKindDispatch,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// NewDeadLetterFeedEvent wraps an archived dead letter for the feed.
func NewDeadLetterFeedEvent(letter deadletter.DeadLetter) (*FeedEvent, error) {
	data, err := json.Marshal(DeadLetterData{
		LetterID:  letter.ID,
		EventType: letter.Envelope.Type,
		Recipient: letter.RecipientID,
		Channel:   letter.Channel,
		Reason:    letter.Reason,
		Attempts:  letter.Attempts,
	})
	if err != nil {
		return nil, err
	}
	return &FeedEvent{
		ID:        uuid.New().String(),
		OrderID:   letter.Envelope.OrderID,
		Kind:      FeedKindDeadLetter,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseFeedData parses a feed event's data into its kind-specific payload.
func ParseFeedData(ev *FeedEvent) (interface{}, error) {
	switch ev.Kind {
	case FeedKindDispatch:
		var payload DispatchData
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case FeedKindDeadLetter:
		var payload DeadLetterData
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown feed kind
	}
}
