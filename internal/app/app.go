package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/data/db"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	apphttp "github.com/yungbote/supplements-backend/internal/http"
	httpH "github.com/yungbote/supplements-backend/internal/http/handlers"
	"github.com/yungbote/supplements-backend/internal/jobs/poll"
	"github.com/yungbote/supplements-backend/internal/jobs/runtime"
	"github.com/yungbote/supplements-backend/internal/jobs/worker"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
	"github.com/yungbote/supplements-backend/internal/temporalx/temporalworker"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    repos.Repos
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics
	Server   *apphttp.Server

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
	worker       *worker.Worker
	cancel       context.CancelFunc
	stopCollect  context.CancelFunc
}

// NewLogger builds the process logger for cfg.LogMode.
func NewLogger(cfg Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

// OpenDB connects and brings the schema up to date.
func OpenDB(log *logger.Logger, cfg Config) (*db.PostgresService, error) {
	pg, err := db.NewPostgresService(log, cfg.dbConfig())
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := db.AutoMigrateAll(pg.DB()); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	if err := db.EnsureIndexes(pg.DB()); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return pg, nil
}

func New(log *logger.Logger, cfg Config) (*App, error) {
	otelShutdown := observability.InitOTel(context.Background(), log, cfg.otelConfig())
	metrics := observability.Init(log)

	pg, err := OpenDB(log, cfg)
	if err != nil {
		return nil, err
	}
	theDB := pg.DB()

	reposet := repos.New(theDB, log)

	clients, err := wireClients(log, cfg)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	serviceset, err := wireServices(theDB, log, cfg, reposet, clients)
	if err != nil {
		clients.Close(context.Background())
		_ = pg.Close()
		return nil, err
	}

	collectCtx, stopCollect := context.WithCancel(context.Background())
	metrics.StartPostgresCollector(collectCtx, log, theDB)
	metrics.StartRedisCollector(collectCtx, log, clients.Redis)
	if cfg.Async.Scheduler == SchedulerDB {
		metrics.StartJobQueueCollector(collectCtx, log, theDB)
	}

	server := apphttp.NewServer(apphttp.RouterConfig{
		Log:               log,
		Metrics:           metrics,
		ServiceName:       cfg.ServiceName,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		SupplementHandler: httpH.NewSupplementHandler(serviceset.Supplements, serviceset.Submissions),
		ConfigHandler:     httpH.NewConfigHandler(serviceset.Configs),
		HealthHandler:     httpH.NewHealthHandler(theDB, reposet.TaskRuns),
	})

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		Metrics:      metrics,
		Server:       server,
		pg:           pg,
		otelShutdown: otelShutdown,
		stopCollect:  stopCollect,
	}, nil
}

// StartWorkers starts whatever consumes poll chains for the configured
// scheduler. Inline chains need nothing; db chains need the task worker and
// temporal chains need the temporal worker.
func (a *App) StartWorkers(ctx context.Context) error {
	if a == nil {
		return errors.New("app not initialized")
	}
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Metrics.StartServer(ctx, a.Log, a.Cfg.Metrics.Addr)

	switch a.Cfg.Async.Scheduler {
	case SchedulerDB:
		registry, err := runtime.NewRegistry(poll.NewHandler(a.Log, a.Services.Driver, a.Services.Scheduler))
		if err != nil {
			return fmt.Errorf("build task registry: %w", err)
		}
		a.worker = worker.NewWorker(a.Log, a.Repos.TaskRuns, registry, a.Cfg.workerConfig())
		a.worker.Start(ctx)
	case SchedulerTemporal:
		runner, err := temporalworker.NewRunner(a.Log, a.Clients.Temporal, a.Cfg.Temporal, a.Services.Driver)
		if err != nil {
			return err
		}
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	default:
		a.Log.Info("Inline scheduler: poll chains run inside the API process")
	}
	return nil
}

// Run serves HTTP until ctx is canceled.
func (a *App) Run(ctx context.Context, addr string) error {
	if a == nil || a.Server == nil {
		return errors.New("app not initialized")
	}
	if addr == "" {
		addr = a.Cfg.HTTP.Addr
	}
	a.Log.Info("HTTP server listening", "addr", addr)
	return a.Server.Run(ctx, addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.worker != nil {
		a.worker.Wait()
	}
	if a.Services.Inline != nil {
		a.Services.Inline.Stop()
	}
	if a.stopCollect != nil {
		a.stopCollect()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Clients.Close(ctx)
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
