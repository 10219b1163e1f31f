package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/broadcast"
	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/config"
	"github.com/iago/wa-lead-router/internal/distribution"
	"github.com/iago/wa-lead-router/internal/inbound"
	"github.com/iago/wa-lead-router/internal/lease"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/queue"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

// ErrDatabaseRequired is returned when a command needs Postgres but no
// DATABASE_URL is configured.
var ErrDatabaseRequired = errors.New("DATABASE_URL is required")

type Options struct {
	// RequireDatabase fails instead of falling back to the in-memory store.
	RequireDatabase bool
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
}

// App holds the wired components shared by the API server and leadctl.
type App struct {
	Store        repository.Store
	Postgres     *repository.PostgresStore
	Redis        *redis.Client
	Producer     queue.Producer
	Consumer     queue.Consumer
	Channel      channel.Channel
	Clock        schedule.Clock
	Distribution *distribution.Engine
	Sweeper      *distribution.Sweeper
	Router       *inbound.Router
	Broadcasts   *broadcast.Engine

	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Build connects the configured backends and wires the engines on top of
// them. Missing Postgres or Redis settings select the in-process variants.
func Build(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts Options) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Clock: schedule.RealClock{}}

	if err := a.setupStore(ctx, cfg, logger, opts); err != nil {
		a.Close()
		return nil, err
	}

	leases, jobs := a.setupRedis(ctx, cfg, logger)
	a.Channel = setupChannel(cfg, logger)

	a.Distribution = distribution.NewEngine(distribution.Dependencies{
		Store:   a.Store,
		Channel: a.Channel,
		Clock:   a.Clock,
		Logger:  logger,
	})
	a.Sweeper = distribution.NewSweeper(a.Distribution, leases, distribution.SweeperConfig{
		Interval:   time.Duration(cfg.SweepIntervalMS) * time.Millisecond,
		BatchLimit: cfg.SweepBatchLimit,
		LeaseKey:   cfg.SweepLeaseKey,
		LeaseTTL:   time.Duration(cfg.SweepLeaseTTLMS) * time.Millisecond,
	}, logger)
	a.Router = inbound.NewRouter(inbound.Dependencies{
		Store:   a.Store,
		Engine:  a.Distribution,
		Channel: a.Channel,
		Clock:   a.Clock,
		Logger:  logger,
	})
	a.Broadcasts = broadcast.NewEngine(broadcast.Dependencies{
		Jobs:    jobs,
		Store:   a.Store,
		Channel: a.Channel,
		Clock:   a.Clock,
		Logger:  logger,
	})
	if _, err := a.Broadcasts.Recover(ctx); err != nil {
		logger.Warnw("broadcast recovery failed", "error", err)
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts Options) error {
	if cfg.DatabaseURL == "" {
		if opts.RequireDatabase {
			return ErrDatabaseRequired
		}
		logger.Warnw("DATABASE_URL not configured, using in-memory store")
		a.Store = repository.NewMemoryStore()
		return nil
	}

	pg, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		if opts.RequireDatabase {
			return errors.Wrap(err, "connect postgres")
		}
		logger.Errorw("postgres unavailable, falling back to in-memory store", "error", err)
		a.Store = repository.NewMemoryStore()
		return nil
	}
	a.closers = append(a.closers, pg.Close)
	a.Postgres = pg
	a.Store = pg

	if opts.Migrate {
		applied, err := pg.Migrate(ctx, logger)
		if err != nil {
			return errors.Wrap(err, "apply migrations")
		}
		logger.Infow("postgres store ready", "migrations_applied", applied)
	}
	return nil
}

// setupRedis wires the stream queue, sweep lease and broadcast job store to
// Redis when it is reachable, and to their local variants otherwise.
func (a *App) setupRedis(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (lease.Lease, broadcast.JobStore) {
	useLocal := func() (lease.Lease, broadcast.JobStore) {
		local := queue.NewLocalQueue(cfg.QueueCapacity, cfg.QueueMaxAttempts, logger)
		a.Producer = local
		a.Consumer = local
		return lease.Local{}, broadcast.NewMemoryJobStore()
	}

	if cfg.RedisAddr == "" {
		logger.Infow("REDIS_ADDR not configured, using local queue and lease")
		return useLocal()
	}

	client, err := queue.OpenRedis(ctx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Errorw("redis unavailable, falling back to local queue", "error", err)
		return useLocal()
	}

	streams, err := queue.NewStreamsQueue(ctx, client, queue.StreamsConfig{
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, logger)
	if err != nil {
		_ = client.Close()
		logger.Errorw("redis streams setup failed, falling back to local queue", "error", err)
		return useLocal()
	}

	a.Redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Producer = streams
	a.Consumer = streams
	logger.Infow("redis streams queue initialized", "stream", cfg.RedisStream, "group", cfg.RedisGroup)
	return lease.NewRedisLease(client), broadcast.NewRedisJobStore(client)
}

func setupChannel(cfg config.Config, logger *zap.SugaredLogger) channel.Channel {
	if cfg.ChannelMode != "cloud" {
		logger.Infow("channel mode is not cloud, outbound messages are only logged", "mode", cfg.ChannelMode)
		return channel.NewNoop(logger)
	}
	return channel.NewCloudAPI(channel.CloudAPIConfig{
		BaseURL:       cfg.WhatsAppBaseURL,
		Token:         cfg.WhatsAppToken,
		PhoneNumberID: cfg.WhatsAppPhoneID,
		Timeout:       time.Duration(cfg.WhatsAppTimeoutMS) * time.Millisecond,
		MaxRetries:    cfg.WhatsAppRetries,
		Logger:        logger,
	})
}
