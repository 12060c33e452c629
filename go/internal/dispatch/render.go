package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// failurePayload is the optional payload shape of FAILED events.
type failurePayload struct {
	Reason string `json:"reason"`
}

// render formats the human-readable notification for an envelope.
func render(env event.Envelope) (subject, body string) {
	when := env.Timestamp.UTC().Format(time.RFC3339)

	switch env.Type {
	case event.TypeCreated:
		subject = fmt.Sprintf("Order %s received", env.OrderID)
		body = fmt.Sprintf("Order %s was placed by %s at %s and is awaiting processing.",
			env.OrderID, env.TriggeredBy.ID, when)

	case event.TypeApprovalRequested:
		subject = fmt.Sprintf("Order %s needs your approval", env.OrderID)
		body = fmt.Sprintf("Order %s requires approval, requested by %s at %s.",
			env.OrderID, env.TriggeredBy.ID, when)
		if level, err := approvalLevel(env); err == nil && level != "" {
			body = fmt.Sprintf("%s Approval level: %s.", body, level)
		}

	case event.TypeApprovalCompleted:
		subject = fmt.Sprintf("Order %s approved", env.OrderID)
		body = fmt.Sprintf("Order %s was approved by %s at %s.",
			env.OrderID, env.TriggeredBy.ID, when)

	case event.TypeApprovalRejected:
		subject = fmt.Sprintf("Order %s rejected", env.OrderID)
		body = fmt.Sprintf("Order %s was rejected by %s at %s.",
			env.OrderID, env.TriggeredBy.ID, when)

	case event.TypeCancelled:
		subject = fmt.Sprintf("Order %s cancelled", env.OrderID)
		body = fmt.Sprintf("Order %s was cancelled by %s at %s.",
			env.OrderID, env.TriggeredBy.ID, when)

	case event.TypeFulfilled:
		subject = fmt.Sprintf("Order %s fulfilled", env.OrderID)
		body = fmt.Sprintf("Order %s was fulfilled at %s.", env.OrderID, when)

	case event.TypeFailed:
		subject = fmt.Sprintf("Order %s failed", env.OrderID)
		body = fmt.Sprintf("Order %s failed processing at %s.", env.OrderID, when)
		var p failurePayload
		if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &p) == nil && p.Reason != "" {
			body = fmt.Sprintf("%s Reason: %s.", body, p.Reason)
		}

	default:
		subject = fmt.Sprintf("Order %s update", env.OrderID)
		body = fmt.Sprintf("Order %s emitted %s at %s.", env.OrderID, env.Type, when)
	}
	return subject, body
}

// approvalPayload is the payload shape of APPROVAL_REQUESTED events.
type approvalPayload struct {
	ApprovalLevel string `json:"approval_level"`
}

// approvalLevel extracts the approval level from the envelope payload.
// An absent payload yields the empty level; the resolver decides whether
// that level has approvers.
func approvalLevel(env event.Envelope) (string, error) {
	if len(env.Payload) == 0 {
		return "", nil
	}
	var p approvalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("parse approval payload for order %s: %w", env.OrderID, err)
	}
	return p.ApprovalLevel, nil
}
