package event

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened to an order. The set is closed: values
// outside it are rejected at construction time.
type Type string

const (
	TypeCreated           Type = "CREATED"
	TypeApprovalRequested Type = "APPROVAL_REQUESTED"
	TypeApprovalCompleted Type = "APPROVAL_COMPLETED"
	TypeApprovalRejected  Type = "APPROVAL_REJECTED"
	TypeCancelled         Type = "CANCELLED"
	TypeFulfilled         Type = "FULFILLED"
	TypeFailed            Type = "FAILED"
)

// Types lists every known event type in declaration order.
func Types() []Type {
	return []Type{
		TypeCreated,
		TypeApprovalRequested,
		TypeApprovalCompleted,
		TypeApprovalRejected,
		TypeCancelled,
		TypeFulfilled,
		TypeFailed,
	}
}

// ParseType converts a raw string into a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeCreated, TypeApprovalRequested, TypeApprovalCompleted,
		TypeApprovalRejected, TypeCancelled, TypeFulfilled, TypeFailed:
		return t, nil
	default:
		return "", &ValidationError{Field: "event_type", Reason: "unknown event type " + s}
	}
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	_, err := ParseType(string(t))
	return err == nil
}

// Role classifies actors and recipients.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleCreator  Role = "creator"
)

// Actor is the identity that caused an event.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Recipient is a notification target.
type Recipient struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Envelope is the immutable unit that moves through the pipeline. All
// events for one order share an OrderID and therefore a partition, which
// is what gives notifications their per-order delivery order.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     string          `json:"order_id"`
	Type        Type            `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggeredBy Actor           `json:"triggered_by"`
	Recipients  []Recipient     `json:"recipients,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds a validated envelope with a fresh ID. Recipients may be empty,
// in which case the dispatcher resolves targets from the event type.
func New(orderID string, t Type, ts time.Time, triggeredBy Actor, recipients []Recipient, payload json.RawMessage) (Envelope, error) {
	env := Envelope{
		ID:          uuid.New(),
		OrderID:     orderID,
		Type:        t,
		Timestamp:   ts,
		TriggeredBy: triggeredBy,
		Recipients:  recipients,
		Payload:     payload,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope invariants. It is called by New and again
// on decode, since envelopes also arrive over the wire.
func (e Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return &ValidationError{Field: "id", Reason: "missing envelope id"}
	}
	if e.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "order id is required"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "event_type", Reason: "unknown event type " + string(e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "timestamp is required"}
	}
	if e.TriggeredBy.ID == "" {
		return &ValidationError{Field: "triggered_by", Reason: "actor id is required"}
	}
	for i, r := range e.Recipients {
		if r.ID == "" {
			return &ValidationError{Field: "recipients", Reason: "recipient " + strconv.Itoa(i) + " has no id"}
		}
	}
	return nil
}

// WithRecipients returns a copy of the envelope with the recipient list
// replaced. The original is left untouched.
func (e Envelope) WithRecipients(recipients []Recipient) Envelope {
	out := e
	out.Recipients = make([]Recipient, len(recipients))
	copy(out.Recipients, recipients)
	return out
}

// Equal reports structural equality between two envelopes.
func (e Envelope) Equal(other Envelope) bool {
	if e.ID != other.ID || e.OrderID != other.OrderID || e.Type != other.Type {
		return false
	}
	if !e.Timestamp.Equal(other.Timestamp) || e.TriggeredBy != other.TriggeredBy {
		return false
	}
	if len(e.Recipients) != len(other.Recipients) {
		return false
	}
	for i := range e.Recipients {
		if e.Recipients[i] != other.Recipients[i] {
			return false
		}
	}
	return string(e.Payload) == string(other.Payload)
}

// IdempotencyKey derives a stable key for publish-side deduplication.
// Retrying the same envelope always produces the same key.
func (e Envelope) IdempotencyKey() uuid.UUID {
	return uuid.NewSHA1(e.ID, []byte(e.OrderID+"|"+string(e.Type)))
}
