// Package consumer implements the ordered consumer group: members own
// disjoint partition sets handed out by a Coordinator, read each owned
// partition in sequence order, and commit the read position only after the
// handler has taken responsibility for a record. Redelivery after a crash
// is expected; delivery is at-least-once.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/metrics"
)

// State is the lifecycle of a group member.
type State string

const (
	StateIdle        State = "IDLE"
	StateAssigned    State = "ASSIGNED"
	StateRunning     State = "RUNNING"
	StateRebalancing State = "REBALANCING"
	StateStopped     State = "STOPPED"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Handler consumes one record. An error triggers bounded immediate
// retries before the group escalates to the FailureHandler.
type Handler interface {
	Handle(ctx context.Context, rec eventlog.Record) error
}

// FailureHandler is implemented by handlers that can park a record they
// could not process, so the partition advances without losing it. The
// dispatcher implements this by scheduling a redispatch attempt.
type FailureHandler interface {
	HandleFailure(ctx context.Context, rec eventlog.Record, handleErr error) error
}

// Config tunes a group member.
type Config struct {
	Group             string        // consumer group name, shared by all members
	PollInterval      time.Duration // poll cadence when the log has no push signal
	BatchSize         int           // max records per read
	MaxHandlerRetries int           // immediate in-place retries before escalation
	HandlerRetryDelay time.Duration // delay between immediate retries

	Clock   Clock             // nil = real clock
	Metrics metrics.Collector // nil = no-op
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Group:             "orderwire-dispatch",
		PollInterval:      5 * time.Second,
		BatchSize:         64,
		MaxHandlerRetries: 2,
		HandlerRetryDelay: 250 * time.Millisecond,
	}
}

// Group is one member of the consumer group. Run one per process; the
// Coordinator splits partitions across all live members.
type Group struct {
	config      Config
	log         eventlog.Log
	offsets     OffsetStore
	coordinator Coordinator
	handler     Handler
	clock       Clock
	metrics     metrics.Collector
	memberID    string

	stateMu sync.RWMutex
	state   State
	current Assignment
}

// NewGroup creates a group member. Invalid config values fall back to
// defaults.
func NewGroup(cfg Config, l eventlog.Log, offsets OffsetStore, coordinator Coordinator, handler Handler) *Group {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxHandlerRetries < 0 {
		cfg.MaxHandlerRetries = def.MaxHandlerRetries
	}
	if cfg.HandlerRetryDelay <= 0 {
		cfg.HandlerRetryDelay = def.HandlerRetryDelay
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	return &Group{
		config:      cfg,
		log:         l,
		offsets:     offsets,
		coordinator: coordinator,
		handler:     handler,
		clock:       clk,
		metrics:     collector,
		memberID:    fmt.Sprintf("%s-%s", cfg.Group, uuid.New().String()[:8]),
		state:       StateIdle,
	}
}

// MemberID returns the member's unique identity within the group.
func (g *Group) MemberID() string {
	return g.memberID
}

// State returns the member's current lifecycle state.
func (g *Group) State() State {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// Assignment returns a copy of the member's current assignment.
func (g *Group) Assignment() Assignment {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	parts := make([]int, len(g.current.Partitions))
	copy(parts, g.current.Partitions)
	return Assignment{Epoch: g.current.Epoch, Partitions: parts}
}

func (g *Group) setState(s State) {
	g.stateMu.Lock()
	g.state = s
	g.stateMu.Unlock()
}

func (g *Group) setAssignment(a Assignment) {
	g.stateMu.Lock()
	g.current = a
	g.stateMu.Unlock()
}

// Run joins the group and consumes owned partitions until the context is
// cancelled. On every assignment change it stops all partition loops,
// waits for in-flight handlers to return, and restarts under the new
// epoch. Uncommitted progress is discarded; the log replays it. A
// partition that stays unreadable stops the member with an error; leaving
// the group hands its partitions to the surviving members.
func (g *Group) Run(ctx context.Context) error {
	assignCh, err := g.coordinator.Join(ctx, g.memberID)
	if err != nil {
		return fmt.Errorf("join group %s: %w", g.config.Group, err)
	}

	log.Info().
		Str("member", g.memberID).
		Str("group", g.config.Group).
		Msg("consumer group member started")

	var (
		loopCancel context.CancelFunc
		loopWg     sync.WaitGroup
	)
	fatalCh := make(chan error, 1)
	stopLoops := func() {
		if loopCancel != nil {
			loopCancel()
			loopWg.Wait()
			loopCancel = nil
		}
	}

	defer func() {
		stopLoops()
		if err := g.coordinator.Leave(context.Background(), g.memberID); err != nil {
			log.Error().Err(err).Str("member", g.memberID).Msg("failed to leave consumer group")
		}
		g.setState(StateStopped)
		log.Info().Str("member", g.memberID).Msg("consumer group member stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-fatalCh:
			return err

		case a, ok := <-assignCh:
			if !ok {
				return nil
			}

			if s := g.State(); s == StateRunning || s == StateAssigned {
				g.setState(StateRebalancing)
				log.Info().
					Str("member", g.memberID).
					Int64("epoch", a.Epoch).
					Ints("partitions", a.Partitions).
					Msg("rebalancing")
			}
			stopLoops()

			g.setAssignment(a)
			g.setState(StateAssigned)
			log.Info().
				Str("member", g.memberID).
				Int64("epoch", a.Epoch).
				Ints("partitions", a.Partitions).
				Msg("assignment received")

			if len(a.Partitions) == 0 {
				continue
			}

			loopCtx, cancel := context.WithCancel(ctx)
			loopCancel = cancel
			for _, p := range a.Partitions {
				loopWg.Add(1)
				go func(epoch int64, part int) {
					defer loopWg.Done()
					if err := g.consumePartition(loopCtx, epoch, part); err != nil {
						select {
						case fatalCh <- err:
						default:
						}
					}
				}(a.Epoch, p)
			}
			g.setState(StateRunning)
		}
	}
}

// consumePartition is the per-partition loop: read from the committed
// position, handle records in order, commit after each handoff. A non-nil
// return means the partition log is unreadable and the member must stop.
func (g *Group) consumePartition(ctx context.Context, epoch int64, partition int) error {
	next, err := g.offsets.Committed(ctx, g.config.Group, partition)
	if err != nil {
		log.Error().
			Err(err).
			Str("member", g.memberID).
			Int("partition", partition).
			Msg("failed to load committed offset, abandoning partition")
		return nil
	}
	if next < 1 {
		next = 1
	}

	log.Info().
		Str("member", g.memberID).
		Int("partition", partition).
		Uint64("from_seq", next).
		Int64("epoch", epoch).
		Msg("partition loop started")

	// Tracks the newest timestamp seen per order to reject regressions.
	// Reset on rebalance; redelivery repopulates it.
	lastPerOrder := make(map[string]time.Time)

	timer := g.clock.NewTimer(g.config.PollInterval)
	stopAndDrainTimer(timer)
	defer stopAndDrainTimer(timer)

	const maxReadRetries = 3
	readFailures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Arm the wait channel before reading so an append that lands
		// between the read and the wait still wakes us.
		var wait <-chan struct{}
		if w, ok := g.log.(eventlog.AppendWaiter); ok {
			wait = w.WaitForAppend(partition)
		}

		records, err := g.log.Read(ctx, partition, next, g.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			readFailures++
			if readFailures <= maxReadRetries {
				log.Error().
					Err(err).
					Str("member", g.memberID).
					Int("partition", partition).
					Int("retry", readFailures).
					Msg("partition read failed, retrying")
				if !g.sleep(ctx, timer, g.config.PollInterval, nil) {
					return nil
				}
				continue
			}
			log.Error().
				Err(err).
				Str("member", g.memberID).
				Int("partition", partition).
				Msg("partition unreadable, stopping member")
			return fmt.Errorf("partition %d unreadable: %w", partition, err)
		}
		readFailures = 0

		if len(records) == 0 {
			if !g.sleep(ctx, timer, g.config.PollInterval, wait) {
				return nil
			}
			continue
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return nil
			}

			if last, ok := lastPerOrder[rec.Envelope.OrderID]; ok && rec.Envelope.Timestamp.Before(last) {
				log.Warn().
					Str("member", g.memberID).
					Str("order_id", rec.Envelope.OrderID).
					Int("partition", partition).
					Uint64("sequence", rec.Sequence).
					Time("timestamp", rec.Envelope.Timestamp).
					Time("last_timestamp", last).
					Msg("timestamp regression, rejecting envelope")
				g.metrics.RecordTimestampRegression(ctx, partition)

				next = rec.Sequence + 1
				if !g.commit(ctx, partition, next, epoch) {
					return nil
				}
				continue
			}

			if err := g.processRecord(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Neither handled nor parked. Leave the offset alone and
				// let the log replay the record after a delay.
				log.Error().
					Err(err).
					Str("member", g.memberID).
					Str("order_id", rec.Envelope.OrderID).
					Uint64("sequence", rec.Sequence).
					Msg("record processing stalled, will replay")
				if !g.sleep(ctx, timer, g.config.PollInterval, nil) {
					return nil
				}
				break
			}

			lastPerOrder[rec.Envelope.OrderID] = rec.Envelope.Timestamp
			next = rec.Sequence + 1
			if !g.commit(ctx, partition, next, epoch) {
				return nil
			}
		}

		g.reportLag(ctx, partition, next)
	}
}

// processRecord invokes the handler with bounded immediate retries, then
// falls back to the FailureHandler so the partition can advance.
func (g *Group) processRecord(ctx context.Context, rec eventlog.Record) error {
	err := g.handler.Handle(ctx, rec)
	for attempt := 1; err != nil && attempt <= g.config.MaxHandlerRetries; attempt++ {
		log.Warn().
			Err(err).
			Str("member", g.memberID).
			Str("order_id", rec.Envelope.OrderID).
			Uint64("sequence", rec.Sequence).
			Int("attempt", attempt).
			Msg("handler failed, retrying in place")

		timer := g.clock.NewTimer(g.config.HandlerRetryDelay)
		select {
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			return ctx.Err()
		case <-timer.Chan():
		}
		err = g.handler.Handle(ctx, rec)
	}
	if err == nil {
		return nil
	}

	if fh, ok := g.handler.(FailureHandler); ok {
		if parkErr := fh.HandleFailure(ctx, rec, err); parkErr != nil {
			return fmt.Errorf("handler failed (%v), failure handoff also failed: %w", err, parkErr)
		}
		log.Warn().
			Str("member", g.memberID).
			Str("order_id", rec.Envelope.OrderID).
			Uint64("sequence", rec.Sequence).
			Msg("record handed off after exhausting handler retries")
		return nil
	}

	log.Error().
		Err(err).
		Str("member", g.memberID).
		Str("order_id", rec.Envelope.OrderID).
		Uint64("sequence", rec.Sequence).
		Msg("dropping record, handler has no failure handoff")
	return nil
}

// commit persists the next-read position. Returns false when the loop
// must stop because a newer epoch owns the partition.
func (g *Group) commit(ctx context.Context, partition int, next uint64, epoch int64) bool {
	err := g.offsets.Commit(ctx, g.config.Group, partition, next, epoch)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrStaleEpoch) {
		log.Warn().
			Str("member", g.memberID).
			Int("partition", partition).
			Int64("epoch", epoch).
			Msg("fenced by newer epoch, abandoning partition")
		return false
	}
	// Commit failures widen the redelivery window but do not lose data.
	log.Error().
		Err(err).
		Str("member", g.memberID).
		Int("partition", partition).
		Uint64("next", next).
		Msg("offset commit failed")
	return true
}

// sleep waits for the duration, an optional wake channel, or cancellation.
// Returns false when the context ended.
func (g *Group) sleep(ctx context.Context, timer clockwork.Timer, d time.Duration, wake <-chan struct{}) bool {
	timer.Reset(d)
	defer stopAndDrainTimer(timer)
	if wake != nil {
		select {
		case <-ctx.Done():
			return false
		case <-wake:
			return true
		case <-timer.Chan():
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (g *Group) reportLag(ctx context.Context, partition int, next uint64) {
	hr, ok := g.log.(eventlog.HeadReporter)
	if !ok {
		return
	}
	head, err := hr.Head(ctx, partition)
	if err != nil || head+1 < next {
		return
	}
	g.metrics.RecordPartitionLag(ctx, partition, int64(head+1-next))
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks. This follows the pattern recommended in the
// time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
