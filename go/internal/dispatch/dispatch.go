// Package dispatch maps order events to notifications: who hears about an
// event, over which channel, and what happens when a delivery fails. Event
// types the policy table does not know are logged and dropped, never
// errors; per-recipient delivery failures become scheduled retry attempts
// so one dead provider cannot stall a partition.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/channel"
	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/metrics"
	"github.com/mcdev12/orderwire/go/internal/retry"
)

// Delivery records one successful handoff to a channel.
type Delivery struct {
	Recipient      event.Recipient `json:"recipient"`
	Channel        string          `json:"channel"`
	IdempotencyKey uuid.UUID       `json:"idempotency_key"`
}

// Outcome summarizes one dispatch: which recipients were reached, which
// failed deliveries were scheduled for retry, and whether the event type
// fell through the policy table.
type Outcome struct {
	EventID   uuid.UUID   `json:"event_id"`
	OrderID   string      `json:"order_id"`
	Type      event.Type  `json:"event_type"`
	Delivered []Delivery  `json:"delivered,omitempty"`
	Scheduled []uuid.UUID `json:"scheduled,omitempty"`
	Unhandled bool        `json:"unhandled,omitempty"`
}

// DeliveryError wraps one failed channel delivery. The dispatcher
// contains it at the recipient level: the failure becomes a scheduled
// retry attempt and never fails the envelope or the other recipients.
type DeliveryError struct {
	Recipient string
	Channel   string
	Err       error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s via %s: %v", e.Recipient, e.Channel, e.Err)
}

// Unwrap returns the underlying channel error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Scheduler is the slice of the retry scheduler the dispatcher needs.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, a retry.Attempt) (uuid.UUID, error)
}

// OutcomeSink observes completed dispatches. Implementations must not
// block; the gateway uses this to feed live dashboards.
type OutcomeSink interface {
	DispatchCompleted(env event.Envelope, out Outcome)
}

// Config carries the dispatcher's optional collaborators.
type Config struct {
	Metrics metrics.Collector // nil = no-op
	Sink    OutcomeSink       // nil = no live feed
}

// Dispatcher is the notification policy engine. It implements the
// consumer group's Handler and FailureHandler and the retry scheduler's
// Executor, closing the delivery loop.
type Dispatcher struct {
	resolver  Resolver
	router    *channel.Router
	scheduler Scheduler // nil in tests that only assert routing
	metrics   metrics.Collector
	sink      OutcomeSink
}

func NewDispatcher(resolver Resolver, router *channel.Router, scheduler Scheduler, cfg Config) *Dispatcher {
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Dispatcher{
		resolver:  resolver,
		router:    router,
		scheduler: scheduler,
		metrics:   collector,
		sink:      cfg.Sink,
	}
}

// SetScheduler binds the retry scheduler after construction. The
// scheduler executes attempts through the dispatcher, so one of the two
// has to bind late. Call it during composition, before records flow.
func (d *Dispatcher) SetScheduler(s Scheduler) {
	d.scheduler = s
}

// DeliveryKey derives the idempotency key for one (envelope, recipient,
// channel) delivery. It is stable across retries and process restarts, so
// providers can drop duplicates from redeliveries.
func DeliveryKey(env event.Envelope, rcpt event.Recipient, channelName string) uuid.UUID {
	return uuid.NewSHA1(env.ID, []byte(rcpt.ID+"|"+channelName))
}

// Dispatch resolves the audience for the envelope, renders the message,
// and delivers per recipient. It returns an error only for envelope-level
// failures (resolution, retry persistence); per-recipient delivery
// failures are scheduled for retry and do not fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, env event.Envelope) (Outcome, error) {
	start := time.Now()
	out := Outcome{EventID: env.ID, OrderID: env.OrderID, Type: env.Type}

	recipients, handled, err := d.audience(ctx, env)
	if err != nil {
		d.metrics.RecordDispatch(ctx, string(env.Type), false, time.Since(start))
		return out, fmt.Errorf("resolve recipients for order %s: %w", env.OrderID, err)
	}
	if !handled {
		out.Unhandled = true
		log.Warn().
			Str("order_id", env.OrderID).
			Str("event_type", string(env.Type)).
			Str("event_id", env.ID.String()).
			Msg("no notification policy for event type, dropping")
		d.metrics.RecordUnhandledType(ctx, string(env.Type))
		d.emit(env, out)
		return out, nil
	}

	subject, body := render(env)

	for _, rcpt := range recipients {
		ch := d.router.ChannelFor(rcpt.Role)
		key := DeliveryKey(env, rcpt, ch.Name())
		n := channel.Notification{
			Envelope:       env,
			Recipient:      rcpt,
			Subject:        subject,
			Body:           body,
			IdempotencyKey: key,
		}

		if derr := ch.Deliver(ctx, n); derr != nil {
			d.metrics.RecordDeliveryAttempt(ctx, ch.Name(), 1, false)
			log.Error().
				Err(derr).
				Str("order_id", env.OrderID).
				Str("recipient", rcpt.ID).
				Str("channel", ch.Name()).
				Msg("delivery failed, scheduling retry")

			attemptID, serr := d.scheduleRecipientRetry(ctx, env, rcpt, ch.Name(), key, derr)
			if serr != nil {
				// Without a persisted attempt this notification would be
				// lost. Fail the envelope; the consumer replays it and
				// idempotency keys absorb the duplicates.
				d.metrics.RecordDispatch(ctx, string(env.Type), false, time.Since(start))
				return out, serr
			}
			out.Scheduled = append(out.Scheduled, attemptID)
			continue
		}

		d.metrics.RecordDeliveryAttempt(ctx, ch.Name(), 1, true)
		out.Delivered = append(out.Delivered, Delivery{Recipient: rcpt, Channel: ch.Name(), IdempotencyKey: key})
		log.Info().
			Str("order_id", env.OrderID).
			Str("event_type", string(env.Type)).
			Str("recipient", rcpt.ID).
			Str("channel", ch.Name()).
			Msg("notification dispatched")
	}

	d.metrics.RecordDispatch(ctx, string(env.Type), true, time.Since(start))
	d.emit(env, out)
	return out, nil
}

// audience applies the notification policy table. handled is false for
// event types the table does not know.
func (d *Dispatcher) audience(ctx context.Context, env event.Envelope) (recipients []event.Recipient, handled bool, err error) {
	// Envelopes may pin their audience at publish time.
	if len(env.Recipients) > 0 {
		return env.Recipients, true, nil
	}

	switch env.Type {
	case event.TypeCreated, event.TypeFulfilled, event.TypeCancelled:
		recipients, err = d.resolver.ResolveRole(ctx, env, event.RoleCustomer)
		return recipients, true, err

	case event.TypeApprovalRequested:
		level, lerr := approvalLevel(env)
		if lerr != nil {
			return nil, true, lerr
		}
		recipients, err = d.resolver.ResolveApprovers(ctx, env, level)
		return recipients, true, err

	case event.TypeApprovalCompleted, event.TypeApprovalRejected:
		recipients, err = d.resolveRoles(ctx, env, event.RoleAdmin, event.RoleCreator)
		return recipients, true, err

	case event.TypeFailed:
		recipients, err = d.resolveRoles(ctx, env, event.RoleAdmin, event.RoleOperator)
		return recipients, true, err

	default:
		return nil, false, nil
	}
}

// resolveRoles resolves several roles and dedupes recipients that hold
// more than one of them, keeping the first role encountered.
func (d *Dispatcher) resolveRoles(ctx context.Context, env event.Envelope, roles ...event.Role) ([]event.Recipient, error) {
	var out []event.Recipient
	seen := make(map[string]bool)
	for _, role := range roles {
		rcpts, err := d.resolver.ResolveRole(ctx, env, role)
		if err != nil {
			return nil, err
		}
		for _, r := range rcpts {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *Dispatcher) scheduleRecipientRetry(ctx context.Context, env event.Envelope, rcpt event.Recipient, channelName string, key uuid.UUID, cause error) (uuid.UUID, error) {
	dErr := &DeliveryError{Recipient: rcpt.ID, Channel: channelName, Err: cause}
	if d.scheduler == nil {
		return uuid.Nil, fmt.Errorf("no retry scheduler: %w", dErr)
	}
	id, err := d.scheduler.ScheduleRetry(ctx, retry.Attempt{
		Envelope:       env,
		Recipient:      rcpt,
		Channel:        channelName,
		AttemptNumber:  1,
		Status:         retry.StatusFailed,
		LastError:      dErr.Error(),
		IdempotencyKey: key,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("schedule retry for %s via %s: %w", rcpt.ID, channelName, err)
	}
	return id, nil
}

func (d *Dispatcher) emit(env event.Envelope, out Outcome) {
	if d.sink != nil {
		d.sink.DispatchCompleted(env, out)
	}
}

// Handle lets the dispatcher consume records directly from the ordered
// consumer group.
func (d *Dispatcher) Handle(ctx context.Context, rec eventlog.Record) error {
	_, err := d.Dispatch(ctx, rec.Envelope)
	return err
}

// HandleFailure parks a record the consumer could not dispatch as a
// whole-envelope redispatch attempt, letting the partition advance.
func (d *Dispatcher) HandleFailure(ctx context.Context, rec eventlog.Record, handleErr error) error {
	if d.scheduler == nil {
		return fmt.Errorf("no retry scheduler configured")
	}
	_, err := d.scheduler.ScheduleRetry(ctx, retry.Attempt{
		Envelope:       rec.Envelope,
		AttemptNumber:  1,
		Status:         retry.StatusFailed,
		LastError:      handleErr.Error(),
		IdempotencyKey: rec.Envelope.IdempotencyKey(),
	})
	return err
}

// ExecuteAttempt replays a claimed retry attempt: pinned attempts
// redeliver to their original recipient and channel, redispatch attempts
// re-run the whole policy table.
func (d *Dispatcher) ExecuteAttempt(ctx context.Context, a retry.Attempt) error {
	if a.Redispatch() {
		_, err := d.Dispatch(ctx, a.Envelope)
		return err
	}

	ch, err := d.router.ChannelByName(a.Channel)
	if err != nil {
		return err
	}
	subject, body := render(a.Envelope)
	if err := ch.Deliver(ctx, channel.Notification{
		Envelope:       a.Envelope,
		Recipient:      a.Recipient,
		Subject:        subject,
		Body:           body,
		IdempotencyKey: a.IdempotencyKey,
	}); err != nil {
		return &DeliveryError{Recipient: a.Recipient.ID, Channel: a.Channel, Err: err}
	}
	return nil
}
