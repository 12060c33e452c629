package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records pipeline metrics. Use NewCollector() for OpenTelemetry
// metrics or NoOpCollector{} when metrics aren't needed.
type Collector interface {
	RecordPublish(ctx context.Context, eventType string, success bool, duration time.Duration)
	RecordDispatch(ctx context.Context, eventType string, success bool, duration time.Duration)
	RecordDeliveryAttempt(ctx context.Context, channel string, attempt int, success bool)
	RecordDeadLetter(ctx context.Context, channel string)
	RecordUnhandledType(ctx context.Context, eventType string)
	RecordPartitionLag(ctx context.Context, partition int, lag int64)
	RecordTimestampRegression(ctx context.Context, partition int)
}

// NoOpCollector is a no-op implementation for when metrics aren't needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordPublish(ctx context.Context, eventType string, success bool, duration time.Duration) {
}
func (NoOpCollector) RecordDispatch(ctx context.Context, eventType string, success bool, duration time.Duration) {
}
func (NoOpCollector) RecordDeliveryAttempt(ctx context.Context, channel string, attempt int, success bool) {
}
func (NoOpCollector) RecordDeadLetter(ctx context.Context, channel string)      {}
func (NoOpCollector) RecordUnhandledType(ctx context.Context, eventType string) {}
func (NoOpCollector) RecordPartitionLag(ctx context.Context, partition int, lag int64) {
}
func (NoOpCollector) RecordTimestampRegression(ctx context.Context, partition int) {}

// otelCollector implements Collector using OpenTelemetry.
type otelCollector struct {
	publishes        metric.Int64Counter
	publishLatency   metric.Float64Histogram
	dispatches       metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	deliveryAttempts metric.Int64Counter
	deadLetters      metric.Int64Counter
	unhandledTypes   metric.Int64Counter
	partitionLag     metric.Int64Gauge
	regressions      metric.Int64Counter
}

var (
	defaultCollector     *otelCollector
	defaultCollectorOnce sync.Once
	defaultCollectorErr  error
)

func getDefaultCollector() (*otelCollector, error) {
	defaultCollectorOnce.Do(func() {
		defaultCollector, defaultCollectorErr = newOtelCollector()
	})
	return defaultCollector, defaultCollectorErr
}

func newOtelCollector() (*otelCollector, error) {
	meter := otel.Meter("orderwire")

	publishes, err := meter.Int64Counter("orderwire.publish.count",
		metric.WithDescription("Number of envelope publishes"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("orderwire.publish.latency_ms",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("orderwire.dispatch.count",
		metric.WithDescription("Number of envelope dispatches"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("orderwire.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveryAttempts, err := meter.Int64Counter("orderwire.delivery.attempts",
		metric.WithDescription("Number of delivery attempts per channel"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("orderwire.delivery.dead_letters",
		metric.WithDescription("Number of attempts that exhausted retries"),
	)
	if err != nil {
		return nil, err
	}

	unhandledTypes, err := meter.Int64Counter("orderwire.dispatch.unhandled_types",
		metric.WithDescription("Number of envelopes dropped for unhandled event types"),
	)
	if err != nil {
		return nil, err
	}

	partitionLag, err := meter.Int64Gauge("orderwire.consumer.partition_lag",
		metric.WithDescription("Records behind the partition head"),
	)
	if err != nil {
		return nil, err
	}

	regressions, err := meter.Int64Counter("orderwire.consumer.timestamp_regressions",
		metric.WithDescription("Envelopes rejected for violating per-order timestamp monotonicity"),
	)
	if err != nil {
		return nil, err
	}

	return &otelCollector{
		publishes:        publishes,
		publishLatency:   publishLatency,
		dispatches:       dispatches,
		dispatchLatency:  dispatchLatency,
		deliveryAttempts: deliveryAttempts,
		deadLetters:      deadLetters,
		unhandledTypes:   unhandledTypes,
		partitionLag:     partitionLag,
		regressions:      regressions,
	}, nil
}

// NewCollector returns a Collector backed by the global OTel meter
// provider. Configure the provider before calling; initialization failure
// falls back to a no-op collector.
func NewCollector() Collector {
	c, err := getDefaultCollector()
	if err != nil {
		log.Warn().Err(err).Msg("metrics initialization failed, using no-op collector")
		return NoOpCollector{}
	}
	return c
}

func (c *otelCollector) RecordPublish(ctx context.Context, eventType string, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	}
	c.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.publishLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (c *otelCollector) RecordDispatch(ctx context.Context, eventType string, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	}
	c.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (c *otelCollector) RecordDeliveryAttempt(ctx context.Context, channel string, attempt int, success bool) {
	c.deliveryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Int("attempt", attempt),
		attribute.Bool("success", success),
	))
}

func (c *otelCollector) RecordDeadLetter(ctx context.Context, channel string) {
	c.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

func (c *otelCollector) RecordUnhandledType(ctx context.Context, eventType string) {
	c.unhandledTypes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func (c *otelCollector) RecordPartitionLag(ctx context.Context, partition int, lag int64) {
	c.partitionLag.Record(ctx, lag, metric.WithAttributes(
		attribute.Int("partition", partition),
	))
}

func (c *otelCollector) RecordTimestampRegression(ctx context.Context, partition int) {
	c.regressions.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("partition", partition),
	))
}
