package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/metrics"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Executor re-runs one claimed attempt. The dispatcher implements it:
// a pinned attempt redelivers to its recipient over its channel, a
// redispatch attempt replays the whole envelope through the policy table.
type Executor interface {
	ExecuteAttempt(ctx context.Context, a Attempt) error
}

// DeadLetterSink archives attempts that exhausted their retry budget.
type DeadLetterSink interface {
	Archive(ctx context.Context, a Attempt, reason string) error
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Policy     Policy
	BatchSize  int           // due attempts claimed per wakeup
	NumWorkers int           // parallel attempt executors
	IdlePoll   time.Duration // poll cadence when nothing is scheduled

	Clock   Clock             // nil = real clock
	Metrics metrics.Collector // nil = no-op
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Policy:     DefaultPolicy(),
		BatchSize:  32,
		NumWorkers: 4,
		IdlePoll:   5 * time.Second,
	}
}

// Scheduler sleeps until the next due attempt, claims due batches, and
// fans them out to a worker pool. New schedules wake it early through
// the wake channel.
type Scheduler struct {
	store      Store
	executor   Executor
	deadLetter DeadLetterSink // optional
	policy     Policy
	batchSize  int
	idlePoll   time.Duration
	clock      Clock
	metrics    metrics.Collector
	wakeCh     chan struct{}
	instanceID string

	// Worker pool configuration
	numWorkers int
	workCh     chan Attempt

	// Track in-flight work to prevent duplicate processing
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

// NewScheduler wires a scheduler to its store and executor. The dead
// letter sink may be nil; exhausted attempts are then only marked in the
// store.
func NewScheduler(store Store, executor Executor, deadLetter DeadLetterSink, cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSchedulerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	return &Scheduler{
		store:      store,
		executor:   executor,
		deadLetter: deadLetter,
		policy:     cfg.Policy,
		batchSize:  cfg.BatchSize,
		idlePoll:   cfg.IdlePoll,
		clock:      clk,
		metrics:    collector,
		wakeCh:     make(chan struct{}, 1),
		instanceID: uuid.New().String()[:8],

		numWorkers: cfg.NumWorkers,
		workCh:     make(chan Attempt, cfg.NumWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}, nil
}

// Policy returns the scheduler's retry policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// ScheduleRetry persists the attempt as PENDING with its next execution
// time derived from the policy, then wakes the scheduler in case the new
// deadline is sooner than whatever it is sleeping on.
func (s *Scheduler) ScheduleRetry(ctx context.Context, a Attempt) (uuid.UUID, error) {
	now := s.clock.Now()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptNumber < 1 {
		a.AttemptNumber = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.Status = StatusPending
	a.NextRetryAt = now.Add(s.policy.Backoff(a.AttemptNumber))
	a.UpdatedAt = now

	if err := s.store.Create(ctx, &a); err != nil {
		return uuid.Nil, fmt.Errorf("persist retry attempt: %w", err)
	}

	log.Info().
		Str("attempt_id", a.ID.String()).
		Str("order_id", a.Envelope.OrderID).
		Str("event_type", string(a.Envelope.Type)).
		Str("recipient", a.Recipient.ID).
		Str("channel", a.Channel).
		Int("attempt_number", a.AttemptNumber).
		Time("next_retry_at", a.NextRetryAt).
		Msg("retry scheduled")

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return a.ID, nil
}

// Run loops forever, sleeping until the next deadline and executing due
// attempts through the worker pool.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("instance", s.instanceID).Int("workers", s.numWorkers).Msg("retry scheduler started")

	if recovered, err := s.store.RecoverInFlight(ctx); err != nil {
		log.Error().Err(err).Str("instance", s.instanceID).Msg("failed to recover in-flight attempts")
	} else if recovered > 0 {
		log.Warn().Int("count", recovered).Str("instance", s.instanceID).Msg("recovered in-flight attempts from a previous run")
	}

	// Start worker pool
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}

	// Ensure workers are cleaned up
	defer func() {
		log.Info().Str("instance", s.instanceID).Msg("shutting down retry workers")
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("all retry workers shut down")
	}()

	timer := s.clock.NewTimer(0)
	stopAndDrainTimer(timer)
	defer stopAndDrainTimer(timer)

	retryCount := 0
	const maxRetries = 3

	for {
		select {
		case <-s.wakeCh:
			log.Debug().Str("instance", s.instanceID).Msg("drained wake channel")
		default:
		}

		next, ok, err := s.store.NextDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retryCount++
			if retryCount <= maxRetries {
				log.Error().
					Err(err).
					Int("retry", retryCount).
					Str("instance", s.instanceID).
					Msg("error fetching next due attempt, retrying")
				timer.Reset(time.Second * time.Duration(retryCount))
				select {
				case <-timer.Chan():
					continue
				case <-ctx.Done():
					return nil
				}
			}
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error fetching next due attempt after retries")
			return err
		}
		retryCount = 0

		if !ok {
			// Nothing pending - idle with timer reuse
			timer.Reset(s.idlePoll)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during idle")
				return nil
			case <-s.wakeCh:
				log.Debug().Str("instance", s.instanceID).Msg("woken up from idle")
				continue
			}
		}

		wait := next.Sub(s.clock.Now())
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
				log.Debug().Str("instance", s.instanceID).Msg("timer fired, claiming due attempts")
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during wait")
				return nil
			case <-s.wakeCh:
				log.Debug().Str("instance", s.instanceID).Msg("woken up early, new sooner deadline")
				continue
			}
		}

		claimed, err := s.store.ClaimDue(ctx, s.clock.Now(), s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error claiming due attempts")
			// Don't exit on error - retry next iteration
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if len(claimed) == 0 {
			continue
		}
		log.Info().
			Int("count_due", len(claimed)).
			Int("batch_size", s.batchSize).
			Str("instance", s.instanceID).
			Msg("processing due attempts")

		for _, a := range claimed {
			s.inFlightMu.Lock()
			if s.inFlight[a.ID] {
				s.inFlightMu.Unlock()
				log.Debug().Str("attempt_id", a.ID.String()).Str("instance", s.instanceID).Msg("skipping attempt already in flight")
				continue
			}
			s.inFlight[a.ID] = true
			s.inFlightMu.Unlock()

			select {
			case <-ctx.Done():
				s.inFlightMu.Lock()
				delete(s.inFlight, a.ID)
				s.inFlightMu.Unlock()
				log.Info().Str("instance", s.instanceID).Msg("shutdown while queueing attempts")
				return nil
			case s.workCh <- a:
			}
		}
	}
}

// worker executes claimed attempts from the work channel.
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-s.workCh:
			if !ok {
				return
			}
			s.executeAttempt(ctx, a)

			s.inFlightMu.Lock()
			delete(s.inFlight, a.ID)
			s.inFlightMu.Unlock()
		}
	}
}

// executeAttempt runs one attempt and applies the outcome transition:
// success, reschedule, or dead letter once the budget is spent.
func (s *Scheduler) executeAttempt(ctx context.Context, a Attempt) {
	log.Info().
		Str("attempt_id", a.ID.String()).
		Str("order_id", a.Envelope.OrderID).
		Str("recipient", a.Recipient.ID).
		Str("channel", a.Channel).
		Int("attempt_number", a.AttemptNumber).
		Msg("executing retry attempt")

	err := s.executor.ExecuteAttempt(ctx, a)
	now := s.clock.Now()
	s.metrics.RecordDeliveryAttempt(ctx, a.Channel, a.AttemptNumber, err == nil)

	if err == nil {
		a.Status = StatusSucceeded
		a.LastError = ""
		a.UpdatedAt = now
		if uerr := s.store.Update(ctx, &a); uerr != nil {
			log.Error().Err(uerr).Str("attempt_id", a.ID.String()).Msg("failed to mark attempt succeeded")
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-execution: leave the attempt IN_FLIGHT so the next
		// run recovers and re-executes it.
		return
	}

	a.LastError = err.Error()
	nextNumber := a.AttemptNumber + 1

	if nextNumber > s.policy.MaxAttempts {
		a.Status = StatusDeadLettered
		a.UpdatedAt = now
		if uerr := s.store.Update(ctx, &a); uerr != nil {
			log.Error().Err(uerr).Str("attempt_id", a.ID.String()).Msg("failed to mark attempt dead lettered")
		}
		s.metrics.RecordDeadLetter(ctx, a.Channel)
		log.Error().
			Err(err).
			Str("attempt_id", a.ID.String()).
			Str("order_id", a.Envelope.OrderID).
			Str("recipient", a.Recipient.ID).
			Str("channel", a.Channel).
			Int("attempts", a.AttemptNumber).
			Msg("retry budget exhausted, attempt dead lettered")

		if s.deadLetter != nil {
			reason := fmt.Sprintf("exhausted %d attempts: %s", a.AttemptNumber, a.LastError)
			if derr := s.deadLetter.Archive(ctx, a, reason); derr != nil {
				log.Error().Err(derr).Str("attempt_id", a.ID.String()).Msg("failed to archive dead lettered attempt")
			}
		}
		return
	}

	a.AttemptNumber = nextNumber
	a.Status = StatusPending
	a.NextRetryAt = now.Add(s.policy.Backoff(nextNumber))
	a.UpdatedAt = now
	if uerr := s.store.Update(ctx, &a); uerr != nil {
		log.Error().Err(uerr).Str("attempt_id", a.ID.String()).Msg("failed to reschedule attempt")
		return
	}
	log.Warn().
		Err(err).
		Str("attempt_id", a.ID.String()).
		Str("order_id", a.Envelope.OrderID).
		Int("attempt_number", a.AttemptNumber).
		Time("next_retry_at", a.NextRetryAt).
		Msg("attempt failed, rescheduled")

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
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
