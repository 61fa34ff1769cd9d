// Package app initializes and holds the long-lived services of the scan
// service, acting as the dependency injection container.
package app

import (
	"context"
	"fmt"

	cloudpubsub "cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/api"
	"github.com/a11yscan/a11yscan/internal/audit"
	brokermemory "github.com/a11yscan/a11yscan/internal/broker/memory"
	brokerpostgres "github.com/a11yscan/a11yscan/internal/broker/postgres"
	"github.com/a11yscan/a11yscan/internal/clock/system"
	"github.com/a11yscan/a11yscan/internal/config"
	"github.com/a11yscan/a11yscan/internal/database"
	"github.com/a11yscan/a11yscan/internal/events"
	"github.com/a11yscan/a11yscan/internal/id/uuid"
	"github.com/a11yscan/a11yscan/internal/logging"
	"github.com/a11yscan/a11yscan/internal/metrics"
	publishermemory "github.com/a11yscan/a11yscan/internal/publisher/memory"
	publisherpubsub "github.com/a11yscan/a11yscan/internal/publisher/pubsub"
	"github.com/a11yscan/a11yscan/internal/scan"
	storagegcs "github.com/a11yscan/a11yscan/internal/storage/gcs"
	storagelocal "github.com/a11yscan/a11yscan/internal/storage/local"
	storememory "github.com/a11yscan/a11yscan/internal/store/memory"
	storepostgres "github.com/a11yscan/a11yscan/internal/store/postgres"
	"github.com/a11yscan/a11yscan/internal/worker"
)

// App holds the shared services, constructed once at startup and torn down
// in reverse order by Close.
type App struct {
	Logger  *zap.Logger
	Broker  scan.Broker
	Store   scan.ResultStore
	Auditor *audit.ChromeAuditor
	Pool    *worker.Pool
	Server  *api.Server
	Hub     *events.Hub

	cfg       config.Config
	dbPool    *pgxpool.Pool
	publisher scan.Publisher
	blobStore scan.BlobStore
	closers   []func(context.Context)
}

// New builds the full service graph from configuration, failing fast if any
// critical dependency cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{Logger: logger, cfg: cfg}

	if err := a.initPersistence(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.initCollaborators(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.assemble()

	logger.Info("application services initialized",
		zap.String("broker", cfg.Broker.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)
	return a, nil
}

func (a *App) initPersistence(ctx context.Context) error {
	clock := system.New()
	cfg := a.cfg

	switch cfg.Broker.Backend {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.dbPool = pool
		a.closers = append(a.closers, func(context.Context) { pool.Close() })

		broker, err := brokerpostgres.NewWithPool(pool, brokerpostgres.Config{
			Policy: scan.RetryPolicy{
				MaxAttempts: cfg.Broker.MaxAttempts,
				BaseDelay:   cfg.BackoffBase(),
				MaxDelay:    cfg.BackoffMax(),
			},
			LeaseWindow:    cfg.LeaseWindow(),
			RetainTerminal: cfg.Broker.TerminalRetention,
			PollInterval:   cfg.PollInterval(),
		}, clock, a.Logger)
		if err != nil {
			return fmt.Errorf("build postgres broker: %w", err)
		}
		a.Broker = broker

		store, err := storepostgres.NewWithPool(pool)
		if err != nil {
			return fmt.Errorf("build postgres result store: %w", err)
		}
		a.Store = store
	case "memory":
		a.Broker = brokermemory.New(brokermemory.Config{
			Policy: scan.RetryPolicy{
				MaxAttempts: cfg.Broker.MaxAttempts,
				BaseDelay:   cfg.BackoffBase(),
				MaxDelay:    cfg.BackoffMax(),
			},
			LeaseWindow:    cfg.LeaseWindow(),
			RetainTerminal: cfg.Broker.TerminalRetention,
		}, clock, a.Logger)
		a.Store = storememory.NewResultStore()
	default:
		return fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}

	a.closers = append(a.closers, func(context.Context) {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn("broker close failed", zap.Error(err))
		}
		a.Store.Close()
	})
	return nil
}

func (a *App) initCollaborators(ctx context.Context) error {
	cfg := a.cfg

	switch {
	case cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "":
		client, err := cloudpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		pub := publisherpubsub.New(client)
		a.publisher = pub
		a.closers = append(a.closers, func(context.Context) {
			if err := pub.Close(); err != nil {
				a.Logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
	default:
		a.publisher = publishermemory.New()
	}

	var blobStore scan.BlobStore
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		store, err := storagegcs.New(ctx, client, storagegcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("build gcs blob store: %w", err)
		}
		blobStore = store
		a.closers = append(a.closers, func(context.Context) {
			if err := store.Close(); err != nil {
				a.Logger.Warn("blob store close failed", zap.Error(err))
			}
		})
	case cfg.Storage.LocalDir != "":
		store, err := storagelocal.New(storagelocal.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("build local blob store: %w", err)
		}
		blobStore = store
	}
	a.blobStore = blobStore

	auditor, err := audit.NewChromeAuditor(audit.Config{
		UserAgent:         cfg.Audit.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		DomainQPS:         cfg.Audit.DomainQPS,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("build auditor: %w", err)
	}
	a.Auditor = auditor
	a.closers = append(a.closers, func(context.Context) { auditor.Close() })

	a.Hub = events.NewHub(
		events.Config{Logger: a.Logger},
		events.NewLogSink(a.Logger),
		events.NewPrometheusSink(),
	)
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("event hub close failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) assemble() {
	cfg := a.cfg
	clock := system.New()

	a.Pool = worker.New(
		a.Broker,
		a.Store,
		a.Auditor,
		a.publisher,
		a.blobStore,
		a.Hub,
		clock,
		worker.Config{
			Concurrency:  cfg.Worker.Concurrency,
			DrainTimeout: cfg.DrainTimeout(),
			Policy: scan.RetryPolicy{
				MaxAttempts: cfg.Broker.MaxAttempts,
				BaseDelay:   cfg.BackoffBase(),
				MaxDelay:    cfg.BackoffMax(),
			},
			Topic:            cfg.PubSub.TopicName,
			ScreenshotPrefix: cfg.Storage.Prefix,
		},
		a.Logger,
	)

	poolReady := a.Pool.Ready()
	a.Server = api.NewServer(
		a.Broker,
		a.Store,
		uuid.NewUUIDGenerator(),
		clock,
		func() bool {
			select {
			case <-poolReady:
				return true
			default:
				return false
			}
		},
		cfg,
		a.Logger,
	)
}

// Close tears services down in reverse construction order and flushes logs.
func (a *App) Close(ctx context.Context) {
	a.close(ctx)
	_ = a.Logger.Sync()
}

func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
