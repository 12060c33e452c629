// Package publish is the write side of the pipeline: it validates an
// envelope, picks its partition, and appends it to the log.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/metrics"
	"github.com/mcdev12/orderwire/go/internal/partition"
)

// Result reports where an envelope landed.
type Result struct {
	Partition int
	Sequence  uint64
}

// PublishError wraps a log backend failure. The publisher does not retry;
// the caller decides, and can safely resubmit the same envelope because
// its idempotency key deduplicates on the log side.
type PublishError struct {
	OrderID string
	Err     error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed for order %s: %v", e.OrderID, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher appends envelopes to the partitioned log.
type Publisher struct {
	log     eventlog.Log
	metrics metrics.Collector
}

// NewPublisher creates a publisher over the given log.
func NewPublisher(l eventlog.Log, collector metrics.Collector) *Publisher {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Publisher{log: l, metrics: collector}
}

// Publish validates the envelope, assigns its partition from the order ID,
// and appends it. Validation failures surface as *event.ValidationError,
// backend failures as *PublishError.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) (Result, error) {
	start := time.Now()

	if err := env.Validate(); err != nil {
		return Result{}, err
	}

	part, err := partition.Assign(env.OrderID, p.log.Partitions())
	if err != nil {
		return Result{}, err
	}

	seq, err := p.log.Append(ctx, part, env)
	if err != nil {
		p.metrics.RecordPublish(ctx, string(env.Type), false, time.Since(start))
		return Result{}, &PublishError{OrderID: env.OrderID, Err: err}
	}

	p.metrics.RecordPublish(ctx, string(env.Type), true, time.Since(start))
	log.Info().
		Str("order_id", env.OrderID).
		Str("event_type", string(env.Type)).
		Str("event_id", env.ID.String()).
		Int("partition", part).
		Uint64("sequence", seq).
		Msg("published envelope")

	return Result{Partition: part, Sequence: seq}, nil
}
