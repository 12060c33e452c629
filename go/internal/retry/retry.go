// Package retry persists failed delivery attempts and replays them on an
// exponential backoff schedule until they succeed or exhaust their budget
// and are dead lettered.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
	"github.com/mcdev12/orderwire/go/internal/event"
)

// Status is the lifecycle state of a delivery attempt.
type Status string

const (
	// StatusPending means the attempt is scheduled and waits for its
	// NextRetryAt to pass.
	StatusPending Status = "PENDING"
	// StatusInFlight means a scheduler instance has claimed the attempt
	// and is executing it.
	StatusInFlight Status = "IN_FLIGHT"
	// StatusFailed marks an attempt whose execution failed; rescheduling
	// transitions it back to PENDING with an incremented attempt number.
	StatusFailed Status = "FAILED"
	// StatusSucceeded is terminal.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusDeadLettered is terminal; the attempt exhausted its budget and
	// was archived for operator review. Dead lettered attempts are never
	// claimed again.
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Statuses returns all attempt statuses.
func Statuses() []Status {
	return []Status{StatusPending, StatusInFlight, StatusFailed, StatusSucceeded, StatusDeadLettered}
}

// Attempt is one scheduled redelivery. A zero Recipient.ID with an empty
// Channel means the whole envelope is redispatched through the policy
// table instead of redelivering to a single recipient.
type Attempt struct {
	ID             uuid.UUID       `json:"id"`
	Envelope       event.Envelope  `json:"envelope"`
	Recipient      event.Recipient `json:"recipient"`
	Channel        string          `json:"channel"`
	AttemptNumber  int             `json:"attempt_number"`
	Status         Status          `json:"status"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LastError      string          `json:"last_error"`
	IdempotencyKey uuid.UUID       `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Redispatch reports whether the attempt replays the whole envelope.
func (a Attempt) Redispatch() bool {
	return a.Recipient.ID == "" && a.Channel == ""
}

// Policy controls how many times an attempt is retried and how the delay
// between retries grows.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultPolicy retries five times, starting at 30s and capping at 10m.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        30 * time.Second,
		Cap:         10 * time.Minute,
		Jitter:      0.2,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return &owerrors.ConfigurationError{
			Component: "retry policy",
			Reason:    fmt.Sprintf("max attempts must be at least 1, got %d", p.MaxAttempts),
		}
	}
	if p.Base <= 0 {
		return &owerrors.ConfigurationError{
			Component: "retry policy",
			Reason:    fmt.Sprintf("base delay must be positive, got %s", p.Base),
		}
	}
	if p.Cap < p.Base {
		return &owerrors.ConfigurationError{
			Component: "retry policy",
			Reason:    fmt.Sprintf("cap %s must not be below base %s", p.Cap, p.Base),
		}
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return &owerrors.ConfigurationError{
			Component: "retry policy",
			Reason:    fmt.Sprintf("jitter must be within [0, 1], got %g", p.Jitter),
		}
	}
	return nil
}

// Backoff returns the delay before executing the given attempt number.
// The base curve doubles per attempt and is capped; jitter then spreads
// retries by +/- the jitter fraction.
func (p Policy) Backoff(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	d := p.Base
	for i := 1; i < attemptNumber && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter <= 0 {
		return d
	}
	jitterAmount := float64(d) * p.Jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + jitterAmount)
}
