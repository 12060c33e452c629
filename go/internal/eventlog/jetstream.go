package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// JetStreamConfig holds configuration for the JetStream-backed log.
type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	Partitions      int
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	MaxMsgs         int64         // Max number of messages to keep
	Replicas        int           // Number of replicas for the stream
	DuplicateWindow time.Duration // Window for duplicate detection
	FetchMaxWait    time.Duration // Max wait for a read batch
}

// DefaultJetStreamConfig returns production defaults for the order event
// stream.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ORDER_EVENTS",
		SubjectPrefix:   "orders.events",
		Partitions:      8,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1, // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
		FetchMaxWait:    2 * time.Second,
	}
}

// JetStreamLog is the durable Log backed by a NATS JetStream stream. Each
// partition maps to one subject under the configured prefix; the stream
// sequence of a message is its partition position.
type JetStreamLog struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig

	cursorsMu sync.Mutex
	cursors   map[int]*partitionCursor
}

// partitionCursor caches an ordered consumer positioned at the next
// sequence a reader asked for, so sequential reads reuse one consumer.
type partitionCursor struct {
	consumer jetstream.Consumer
	next     uint64
}

var _ Log = (*JetStreamLog)(nil)

// NewJetStreamLog connects to NATS and ensures the stream exists.
func NewJetStreamLog(cfg JetStreamConfig) (*JetStreamLog, error) {
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("jetstream log requires at least 1 partition, got %d", cfg.Partitions)
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	l := &JetStreamLog{
		nc:      nc,
		js:      js,
		config:  cfg,
		cursors: make(map[int]*partitionCursor),
	}

	if err := l.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return l, nil
}

func (l *JetStreamLog) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        l.config.StreamName,
		Description: "Partitioned order event log",
		Subjects:    []string{fmt.Sprintf("%s.>", l.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      l.config.MaxAge,
		MaxMsgs:     l.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    l.config.Replicas,
		Duplicates:  l.config.DuplicateWindow,
	}

	stream, err := l.js.Stream(ctx, l.config.StreamName)
	if err != nil {
		if _, err = l.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", l.config.StreamName).
			Int("partitions", l.config.Partitions).
			Msg("created JetStream stream")
	} else {
		info, err := stream.Info(ctx)
		if err != nil {
			return fmt.Errorf("get stream info: %w", err)
		}
		if !isStreamConfigEqual(info.Config, sc) {
			if _, err = l.js.UpdateStream(ctx, sc); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			log.Info().
				Str("stream", l.config.StreamName).
				Msg("updated JetStream stream")
		}
	}
	return nil
}

// Append publishes the envelope on its partition subject. The envelope's
// idempotency key rides as the JetStream message ID, so a retried publish
// inside the duplicate window acks without a second append.
func (l *JetStreamLog) Append(ctx context.Context, partition int, env event.Envelope) (uint64, error) {
	if partition < 0 || partition >= l.config.Partitions {
		return 0, ErrPartitionOutOfRange
	}

	data, err := event.Encode(env)
	if err != nil {
		return 0, err
	}

	subject := l.subject(partition)
	ack, err := l.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(env.Type)},
			"Order-ID":   []string{env.OrderID},
			"Event-ID":   []string{env.ID.String()},
		},
	},
		jetstream.WithMsgID(env.IdempotencyKey().String()),
		jetstream.WithExpectStream(l.config.StreamName),
	)
	if err != nil {
		return 0, fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", env.ID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("appended to JetStream")

	return ack.Sequence, nil
}

// Read fetches up to max records at or past fromSeq on the partition. A
// cursor per partition keeps an ordered consumer alive across sequential
// reads; a seek to a different sequence rebuilds it.
func (l *JetStreamLog) Read(ctx context.Context, partition int, fromSeq uint64, max int) ([]Record, error) {
	if partition < 0 || partition >= l.config.Partitions {
		return nil, ErrPartitionOutOfRange
	}
	if max <= 0 {
		return nil, nil
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	cursor, err := l.cursorAt(ctx, partition, fromSeq)
	if err != nil {
		return nil, err
	}

	batch, err := cursor.consumer.Fetch(max, jetstream.FetchMaxWait(l.config.FetchMaxWait))
	if err != nil {
		l.dropCursor(partition)
		return nil, fmt.Errorf("fetch from partition %d: %w", partition, err)
	}

	var records []Record
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			l.dropCursor(partition)
			return nil, fmt.Errorf("message metadata: %w", err)
		}
		env, err := event.Decode(msg.Data())
		if err != nil {
			l.dropCursor(partition)
			return nil, fmt.Errorf("decode record at seq %d: %w", meta.Sequence.Stream, err)
		}
		records = append(records, Record{
			Partition: partition,
			Sequence:  meta.Sequence.Stream,
			Envelope:  env,
		})
	}
	if err := batch.Error(); err != nil {
		l.dropCursor(partition)
		return nil, fmt.Errorf("fetch batch: %w", err)
	}

	if len(records) > 0 {
		l.advanceCursor(partition, records[len(records)-1].Sequence+1)
	}
	return records, nil
}

func (l *JetStreamLog) Partitions() int {
	return l.config.Partitions
}

// Close shuts down the NATS connection.
func (l *JetStreamLog) Close() error {
	if l.nc != nil {
		l.nc.Close()
	}
	return nil
}

func (l *JetStreamLog) subject(partition int) string {
	return fmt.Sprintf("%s.%d", l.config.SubjectPrefix, partition)
}

func (l *JetStreamLog) cursorAt(ctx context.Context, partition int, fromSeq uint64) (*partitionCursor, error) {
	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()

	if cur, ok := l.cursors[partition]; ok && cur.next == fromSeq {
		return cur, nil
	}

	consumer, err := l.js.OrderedConsumer(ctx, l.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{l.subject(partition)},
		DeliverPolicy:     jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:       fromSeq,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer for partition %d: %w", partition, err)
	}

	cur := &partitionCursor{consumer: consumer, next: fromSeq}
	l.cursors[partition] = cur
	return cur, nil
}

func (l *JetStreamLog) advanceCursor(partition int, next uint64) {
	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()
	if cur, ok := l.cursors[partition]; ok {
		cur.next = next
	}
}

func (l *JetStreamLog) dropCursor(partition int) {
	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()
	delete(l.cursors, partition)
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
