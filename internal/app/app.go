// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/linkscope/internal/api"
	"github.com/JakeFAU/linkscope/internal/clock/system"
	"github.com/JakeFAU/linkscope/internal/config"
	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/linkscope/internal/fetcher/colly"
	uuidgen "github.com/JakeFAU/linkscope/internal/id/uuid"
	"github.com/JakeFAU/linkscope/internal/jobs"
	"github.com/JakeFAU/linkscope/internal/lease"
	"github.com/JakeFAU/linkscope/internal/logging"
	"github.com/JakeFAU/linkscope/internal/queue"
	queuekafka "github.com/JakeFAU/linkscope/internal/queue/kafka"
	queuememory "github.com/JakeFAU/linkscope/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/linkscope/internal/queue/pubsub"
	"github.com/JakeFAU/linkscope/internal/reaper"
	"github.com/JakeFAU/linkscope/internal/storage/memory"
	"github.com/JakeFAU/linkscope/internal/storage/postgres"
	"github.com/JakeFAU/linkscope/internal/telemetry"
	"github.com/JakeFAU/linkscope/internal/worker"
)

// ErrMigrateUnsupported is returned by Migrate when the store has no schema.
var ErrMigrateUnsupported = errors.New("migrate requires db.driver=postgres")

type store interface {
	crawler.JobStore
	api.Pinger
}

// App holds all the shared, long-lived services for the process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	ids    *uuidgen.Generator

	store    store
	postgres *postgres.JobStore
	lease    crawler.Lease
	channel  *channel
	jobs     *jobs.Service
	tracer   *sdktrace.TracerProvider
}

// channel bundles one driver's publisher, dead-letter sink, and consumer
// factory.
type channel struct {
	publisher   queue.Publisher
	deadLetter  queue.DeadLetterer
	newConsumer func(index int) queue.Consumer
	closers     []func() error
}

// New builds every service named by cfg. It fails fast when a backing
// service cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File: logging.FileConfig{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return NewWithLogger(ctx, cfg, logger)
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuidgen.New(),
	}
	logger.Info("initializing application services",
		zap.String("channel_driver", cfg.Channel.Driver),
		zap.String("db_driver", cfg.DB.Driver),
		zap.Bool("redis_lease", cfg.Redis.Enabled),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Exporter:    cfg.Telemetry.Exporter,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.initLease()
	ch, err := a.newChannel(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.channel = ch
	a.jobs = jobs.New(a.store, ch.publisher, a.clock, a.ids, logger.Named("jobs"))

	logger.Info("application services initialized")
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the job store.
func (a *App) Store() crawler.JobStore { return a.store }

// Jobs returns the job submission and query service.
func (a *App) Jobs() *jobs.Service { return a.jobs }

// APIServer builds the HTTP API.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.jobs, a.store, a.clock, a.cfg, a.logger.Named("api"))
}

// Dispatcher builds a dispatcher with worker.concurrency competing consumers,
// each driving the crawl engine.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.Crawler.FetchTimeout,
		MaxBodySize: a.cfg.Crawler.MaxBodyBytes,
	})
	engine := worker.New(
		a.store,
		fetcher,
		a.lease,
		a.clock,
		a.ids,
		a.clock,
		workerIdentity(),
		worker.Config{
			PageCap:      a.cfg.Crawler.PageCap,
			PoliteDelay:  explicitPause(a.cfg.Crawler.PoliteDelay),
			MaxAttempts:  a.cfg.Crawler.MaxAttempts,
			RetryBackoff: explicitPause(a.cfg.Crawler.RetryBackoff),
			FetchTimeout: a.cfg.Crawler.FetchTimeout,
			LeaseTTL:     a.cfg.Redis.LeaseTTL,
		},
		a.logger.Named("worker"),
	)

	consumers := make([]queue.Consumer, 0, a.cfg.Worker.Concurrency)
	for i := range a.cfg.Worker.Concurrency {
		consumers = append(consumers, a.channel.newConsumer(i))
	}
	d := dispatcher.New(consumers, a.channel.deadLetter, dispatcher.Config{
		MaxRedeliveries: a.cfg.Channel.MaxRedeliveries,
	}, a.logger.Named("dispatcher"))
	d.Register(crawler.RoutingKeyJobCreated, engine.Run)
	return d
}

// Reaper builds the orphaned-job reaper.
func (a *App) Reaper() *reaper.Reaper {
	return reaper.New(a.store, a.lease, a.jobs, a.clock, a.ids, reaper.Config{
		Interval:       a.cfg.Reaper.Interval,
		StaleAfter:     a.cfg.Reaper.StaleAfter,
		PendingAfter:   a.cfg.Reaper.PendingAfter,
		RepublishAfter: a.cfg.Reaper.RepublishAfter,
	}, a.logger.Named("reaper"))
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		return ErrMigrateUnsupported
	}
	if err := a.postgres.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.channel != nil {
		for _, closeFn := range a.channel.closers {
			if err := closeFn(); err != nil {
				a.logger.Warn("error closing channel", zap.Error(err))
			}
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}
	//nolint:errcheck // stderr sync fails on some platforms
	a.logger.Sync()
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case config.DriverPostgres:
		pg, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.postgres = pg
		a.store = pg
		if a.cfg.DB.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
		}
	case config.DriverMemory, "":
		a.logger.Info("using in-memory job store; state is lost on restart")
		a.store = memory.NewJobStore()
	default:
		return fmt.Errorf("unknown db driver %q", a.cfg.DB.Driver)
	}
	return nil
}

func (a *App) initLease() {
	if a.cfg.Redis.Enabled {
		a.lease = lease.NewRedis(lease.NewRedisClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB))
		return
	}
	a.lease = lease.NewMemory()
}

func (a *App) newChannel(ctx context.Context) (*channel, error) {
	topo := a.cfg.Topology()
	logger := a.logger.Named("channel")
	switch a.cfg.Channel.Driver {
	case config.DriverPubSub:
		return newPubSubChannel(ctx, a.cfg, topo, logger)
	case config.DriverKafka:
		return newKafkaChannel(a.cfg, topo, logger), nil
	case config.DriverMemory, "":
		broker := queuememory.NewBroker()
		broker.Declare(topo)
		return &channel{
			publisher:  broker.Publisher(topo.Exchange),
			deadLetter: broker.DeadLetterer(topo.DeadLetter),
			newConsumer: func(int) queue.Consumer {
				return broker.Consumer(topo.Queue)
			},
			closers: []func() error{func() error { broker.Close(); return nil }},
		}, nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", a.cfg.Channel.Driver)
	}
}

func newPubSubChannel(ctx context.Context, cfg config.Config, topo queue.Topology, logger *zap.Logger) (*channel, error) {
	var opts []option.ClientOption
	if cfg.PubSub.EmulatorHost != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.PubSub.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if err := queuepubsub.EnsureTopology(ctx, client, cfg.PubSub.ProjectID, topo, cfg.Channel.MaxRedeliveries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ensure pubsub topology: %w", err)
	}
	pub := queuepubsub.NewPublisher(client, cfg.PubSub.ProjectID, topo.Exchange)
	dl := queuepubsub.NewDeadLetterer(client, cfg.PubSub.ProjectID, topo.DeadLetter)
	return &channel{
		publisher:  pub,
		deadLetter: dl,
		newConsumer: func(i int) queue.Consumer {
			return queuepubsub.NewConsumer(client, cfg.PubSub.ProjectID, topo.Queue, topo.BindingKey,
				logger.With(zap.Int("consumer", i)))
		},
		closers: []func() error{
			func() error { pub.Stop(); return nil },
			func() error { dl.Stop(); return nil },
			client.Close,
		},
	}, nil
}

func newKafkaChannel(cfg config.Config, topo queue.Topology, logger *zap.Logger) *channel {
	producer := queuekafka.NewProducer(queuekafka.NewWriter(cfg.Kafka.Brokers, topo.Exchange))
	dl := queuekafka.NewDeadLetterer(queuekafka.NewWriter(cfg.Kafka.Brokers, topo.DeadLetter))
	ch := &channel{
		publisher:  producer,
		deadLetter: dl,
		closers:    []func() error{producer.Close, dl.Close},
	}
	ch.newConsumer = func(i int) queue.Consumer {
		consumer := queuekafka.NewConsumer(queuekafka.NewReader(cfg.Kafka.Brokers, topo), producer, topo.BindingKey,
			logger.With(zap.Int("consumer", i)))
		// Readers leave the group before the shared producer closes.
		ch.closers = append([]func() error{consumer.Close}, ch.closers...)
		return consumer
	}
	return ch
}

// explicitPause keeps a configured zero meaning "no pause" for the engine,
// which treats zero as unset.
func explicitPause(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
