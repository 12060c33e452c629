// Package pipeline assembles the order event pipeline from
// configuration: event log, publisher, ordered consumer group,
// notification dispatcher, retry scheduler, dead letter archive, and the
// websocket gateway. Both daemons and the seed tools compose through it.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/channel"
	"github.com/mcdev12/orderwire/go/internal/config"
	"github.com/mcdev12/orderwire/go/internal/consumer"
	"github.com/mcdev12/orderwire/go/internal/dbconfig"
	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/gateway"
	"github.com/mcdev12/orderwire/go/internal/metrics"
	"github.com/mcdev12/orderwire/go/internal/publish"
	"github.com/mcdev12/orderwire/go/internal/retry"
)

type closer struct {
	name  string
	close func() error
}

// Pipeline owns every component of one process: the log, the write side,
// the consumer group members, the dispatcher with its retry scheduler and
// dead letter archive, and the gateway that feeds subscribers.
type Pipeline struct {
	cfg *config.Config

	log         eventlog.Log
	publisher   *publish.Publisher
	offsets     consumer.OffsetStore
	coordinator *consumer.LocalCoordinator
	members     []*consumer.Group
	dispatcher  *dispatch.Dispatcher
	scheduler   *retry.Scheduler
	letters     *deadletter.Service
	gateway     *gateway.Service

	closers []closer
}

// New builds the pipeline. Backends come from the config: an empty NATS
// URL selects the in-memory log, stores.backend selects Postgres or
// in-memory retry and dead letter stores, and stores.offset_db selects
// SQLite or in-memory offsets. Callers own Close.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = p.Close()
		}
	}()

	collector := metrics.NewCollector()

	if cfg.NATS.URL != "" {
		jsCfg := eventlog.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.Partitions = cfg.Partitions
		if cfg.NATS.Stream != "" {
			jsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		jsLog, err := eventlog.NewJetStreamLog(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		p.addCloser("event log", jsLog.Close)
		p.log = jsLog
	} else {
		p.log = eventlog.NewMemoryLog(cfg.Partitions)
	}

	p.publisher = publish.NewPublisher(p.log, collector)

	if cfg.Stores.OffsetDB != "" {
		offsets, err := consumer.NewSQLiteOffsetStore(cfg.Stores.OffsetDB)
		if err != nil {
			return nil, fmt.Errorf("offset store: %w", err)
		}
		p.addCloser("offset store", offsets.Close)
		p.offsets = offsets
	} else {
		p.offsets = consumer.NewMemoryOffsetStore()
	}

	var (
		retryStore  retry.Store
		letterStore deadletter.Store
	)
	if cfg.Stores.Backend == "postgres" {
		dsn := dbconfig.NewConfigFromEnv().DSN()

		pgRetry, err := retry.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("retry store: %w", err)
		}
		p.addCloser("retry store", func() error {
			pgRetry.Close()
			return nil
		})
		retryStore = pgRetry

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open dead letter database: %w", err)
		}
		p.addCloser("dead letter database", db.Close)
		repo, err := deadletter.NewRepository(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("dead letter store: %w", err)
		}
		letterStore = repo
	} else {
		retryStore = retry.NewMemoryStore()
		letterStore = deadletter.NewMemoryStore()
	}

	p.letters = deadletter.NewService(letterStore)
	p.gateway = gateway.NewService(gateway.DefaultConfig(), p.letters)
	p.letters.SetBroadcast(p.gateway.DeadLetterArchived)

	if cfg.Push.BaseURL != "" {
		if ch, err := channel.Get(channel.NamePush); err == nil {
			if push, isPush := ch.(*channel.PushChannel); isPush {
				push.Configure(cfg.PushConfig())
			}
		}
	}
	router, err := channel.NewRouter(cfg.Channels)
	if err != nil {
		return nil, err
	}

	resolver := dispatch.NewStaticResolver(cfg.Recipients)
	p.dispatcher = dispatch.NewDispatcher(resolver, router, nil, dispatch.Config{
		Metrics: collector,
		Sink:    p.gateway,
	})

	schedCfg := cfg.SchedulerConfig()
	schedCfg.Metrics = collector
	p.scheduler, err = retry.NewScheduler(retryStore, p.dispatcher, p.letters, schedCfg)
	if err != nil {
		return nil, err
	}
	p.dispatcher.SetScheduler(p.scheduler)

	p.coordinator, err = consumer.NewLocalCoordinator(cfg.Partitions)
	if err != nil {
		return nil, err
	}
	groupCfg := cfg.ConsumerConfig()
	groupCfg.Metrics = collector
	for i := 0; i < cfg.Consumer.Members; i++ {
		p.members = append(p.members, consumer.NewGroup(groupCfg, p.log, p.offsets, p.coordinator, p.dispatcher))
	}

	p.registerHealthChecks(retryStore, letterStore)

	ok = true
	return p, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Shutdown is ordered: members stop first so no new work
// reaches the scheduler, the scheduler drains its workers, and the
// gateway closes its connections last.
func (p *Pipeline) Run(ctx context.Context) error {
	memberCtx, stopMembers := context.WithCancel(context.Background())
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	gatewayCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	defer stopScheduler()
	defer stopMembers()

	errCh := make(chan error, len(p.members)+2)

	var gatewayWg sync.WaitGroup
	gatewayWg.Add(1)
	go func() {
		defer gatewayWg.Done()
		if err := p.gateway.Start(gatewayCtx); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	var schedulerWg sync.WaitGroup
	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		if err := p.scheduler.Run(schedCtx); err != nil {
			errCh <- fmt.Errorf("retry scheduler: %w", err)
		}
	}()

	var memberWg sync.WaitGroup
	for _, m := range p.members {
		memberWg.Add(1)
		go func(m *consumer.Group) {
			defer memberWg.Done()
			if err := m.Run(memberCtx); err != nil {
				errCh <- fmt.Errorf("consumer member %s: %w", m.MemberID(), err)
			}
		}(m)
	}

	log.Info().
		Int("partitions", p.cfg.Partitions).
		Int("members", len(p.members)).
		Str("group", p.cfg.Consumer.Group).
		Msg("pipeline running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	stopMembers()
	memberWg.Wait()
	stopScheduler()
	schedulerWg.Wait()
	stopGateway()
	gatewayWg.Wait()

	log.Info().Msg("pipeline stopped")
	return runErr
}

// Close releases backend resources in reverse construction order. Call
// after Run returns.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		c := p.closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Publisher is the write side of the pipeline.
func (p *Pipeline) Publisher() *publish.Publisher {
	return p.publisher
}

// Gateway exposes the websocket and REST surface.
func (p *Pipeline) Gateway() *gateway.Service {
	return p.gateway
}

// DeadLetters exposes the archive for operator tooling.
func (p *Pipeline) DeadLetters() *deadletter.Service {
	return p.letters
}

// RegisterRoutes mounts the gateway's websocket, REST, and health routes.
func (p *Pipeline) RegisterRoutes(mux *http.ServeMux) {
	p.gateway.RegisterRoutes(mux)
}

func (p *Pipeline) addCloser(name string, fn func() error) {
	p.closers = append(p.closers, closer{name: name, close: fn})
}

func (p *Pipeline) registerHealthChecks(retryStore retry.Store, letterStore deadletter.Store) {
	health := p.gateway.Health()
	health.Register("retry_store", func(ctx context.Context) error {
		_, _, err := retryStore.NextDue(ctx)
		return err
	})
	health.Register("dead_letters", func(ctx context.Context) error {
		_, err := letterStore.Stats(ctx)
		return err
	})
	if hr, ok := p.log.(eventlog.HeadReporter); ok {
		health.Register("event_log", func(ctx context.Context) error {
			_, err := hr.Head(ctx, 0)
			return err
		})
	}
}
