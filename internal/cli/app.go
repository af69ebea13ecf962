package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/fieldsync/fieldsync/internal/changes"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/ignore"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/ratelimit"
	"github.com/fieldsync/fieldsync/internal/repository"
	"github.com/fieldsync/fieldsync/internal/scheduler"
)

const (
	bucketSource      = "source"
	bucketDestination = "destination"
)

var errNeedsPostgres = errors.New("migrations need database.type postgres")

// app holds the services every command builds on one repository.
type app struct {
	repo      repository.Repository
	scheduler *scheduler.Scheduler
	detector  *changes.Detector
	outbox    *outbox.Outbox
	ignore    *ignore.Service
}

func newApp(ctx context.Context) (*app, error) {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	return &app{
		repo: repo,
		scheduler: scheduler.New(repo, scheduler.Config{
			DefaultJitter: cfg.Poller.DefaultJitter,
			MaxBackoff:    cfg.Poller.MaxBackoff,
		}, scheduler.WithLogger(logger.Component("scheduler"))),
		detector: changes.NewDetector(repo, changes.Config{
			TrackChecks: cfg.Baselines.TrackChecks,
			BatchSize:   cfg.Baselines.PruneBatchSize,
		}, logger.Component("changes")),
		outbox: outbox.New(repo, clk, logger.Component("outbox")),
		ignore: ignore.NewService(repo, ignore.Config{
			MatchTimeout:     cfg.Ignore.MatchTimeout,
			MaxPatternLength: cfg.Ignore.MaxPatternLength,
			FailOpen:         cfg.Ignore.FailOpen,
		}, clk, logger.Component("ignore")),
	}, nil
}

func (a *app) Close() {
	a.repo.Close()
}

func openRepository(ctx context.Context, c *config.Config) (repository.Repository, error) {
	if c.Database.Type == config.DatabaseMemory {
		logger.Warn("using in-memory repository, state is lost on exit")
		return repository.NewInMemoryRepository(), nil
	}

	if c.Database.AutoMigrate {
		if err := migrateUp(c); err != nil {
			return nil, err
		}
	}

	pg := c.Database.Postgres
	repo, err := repository.NewPostgresRepository(ctx, pg.ConnString(), repository.PoolConfig{
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
		MaxConnIdleTime: pg.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

func newMigrate(c *config.Config) (*migrate.Migrate, error) {
	if c.Database.Type != config.DatabasePostgres {
		return nil, errNeedsPostgres
	}
	m, err := migrate.New("file://"+c.Database.MigrationsPath, c.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

func migrateUp(c *config.Config) error {
	m, err := newMigrate(c)
	if err != nil {
		return err
	}
	defer m.Close()

	logger.Info("running database migrations", slog.String("path", c.Database.MigrationsPath))
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// newLimiters registers the source and destination buckets on Redis, or on
// process memory when Redis is disabled.
func newLimiters(ctx context.Context, c *config.Config) (*ratelimit.Registry, error) {
	reg := ratelimit.NewRegistry()

	var store ratelimit.Store
	if c.Redis.Enabled {
		client, err := ratelimit.NewRedisClient(ctx, c.Redis.URL, c.Redis.PoolSize, c.Redis.MaxRetries)
		if err != nil {
			return nil, err
		}
		reg.OnClose(client)
		store = ratelimit.NewRedisStore(client)
	} else {
		logger.Warn("redis disabled, rate limits are per process")
		store = ratelimit.NewMemoryStore()
	}

	buckets := map[string]config.BucketConfig{
		bucketSource:      c.RateLimit.Source,
		bucketDestination: c.RateLimit.Destination,
	}
	for name, b := range buckets {
		l, err := ratelimit.New(store, ratelimit.Config{
			Limit:       b.Limit,
			Period:      b.Period,
			Buffer:      c.RateLimit.Buffer,
			MinWait:     c.RateLimit.MinWait,
			MaxJitter:   c.RateLimit.MaxJitter,
			MaxAttempts: c.RateLimit.MaxAttempts,
		}, ratelimit.WithLogger(logger.Component("ratelimit")))
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("bucket %s: %w", name, err)
		}
		if err := reg.Register(name, l); err != nil {
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

// newPublisher connects to NATS when enabled. The returned close func is never nil.
func newPublisher(c *config.Config) (events.Publisher, func(), error) {
	if !c.NATS.Enabled {
		return events.Noop{}, func() {}, nil
	}

	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = c.NATS.URL
	natsCfg.MaxReconnects = c.NATS.MaxReconnects
	natsCfg.ReconnectWait = c.NATS.ReconnectWait
	natsCfg.Timeout = c.NATS.Timeout
	natsCfg.Token = c.NATS.Token

	pub, err := events.ConnectNATS(natsCfg, logger.Component("events"))
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("failed to drain NATS connection", logging.Error(err))
		}
	}, nil
}
