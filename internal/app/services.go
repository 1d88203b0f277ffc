package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/actions/revise"
	"github.com/yungbote/supplements-backend/internal/clients/redis"
	"github.com/yungbote/supplements-backend/internal/data/graph"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	"github.com/yungbote/supplements-backend/internal/jobs/poll"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
	"github.com/yungbote/supplements-backend/internal/services"
	"github.com/yungbote/supplements-backend/internal/temporalx/pollchain"
)

type Services struct {
	Configs     services.ConfigService
	Submissions services.SubmissionService
	Supplements services.SupplementService

	Orchestrator *async.Orchestrator
	Driver       *async.Driver
	// Scheduler is the one poll chains are handed to; Inline is set when it
	// runs in this process.
	Scheduler async.Scheduler
	Inline    *async.InlineScheduler
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet repos.Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	var (
		cache async.HandleCache
		guard async.PollGuard
	)
	if clients.Redis != nil {
		rc := redis.NewHandleCache(log, clients.Redis, cfg.Redis.Prefix)
		cache, guard = rc, rc
	} else {
		mc := async.NewMemoryCache()
		cache, guard = mc, mc
		if cfg.Async.Scheduler != SchedulerInline {
			log.Warn("handle cache is in-process; run a single replica or set REDIS_ADDR", "scheduler", cfg.Async.Scheduler)
		}
	}

	policy := cfg.RetryPolicy()
	orchestrator := async.NewOrchestrator(log, clients.processors(log), cache, guard, nil, async.Config{
		SyncTimeout: cfg.Async.SyncTimeout,
		Policy:      policy,
	})
	engine := revise.NewEngine(log, orchestrator)

	catalog := actions.NewCatalog()
	configs := services.NewConfigService(db, log, reposet.ActionConfigs, catalog)
	submissions := services.NewSubmissionService(db, log, reposet.Snapshots)
	supplements := services.NewSupplementService(
		db,
		log,
		reposet.Supplements,
		configs,
		submissions,
		engine,
		graph.NewProvenanceSink(clients.Neo4j, log),
		services.SupplementServiceConfig{OutputWorkers: cfg.Output.Workers},
	)

	driver := async.NewDriver(log, supplements, guard, policy)
	out := Services{
		Configs:      configs,
		Submissions:  submissions,
		Supplements:  supplements,
		Orchestrator: orchestrator,
		Driver:       driver,
	}

	switch cfg.Async.Scheduler {
	case SchedulerDB:
		out.Scheduler = poll.NewScheduler(log, reposet.TaskRuns, 3)
	case SchedulerTemporal:
		if clients.Temporal == nil {
			return Services{}, fmt.Errorf("temporal scheduler selected but no temporal client")
		}
		out.Scheduler = pollchain.NewScheduler(log, clients.Temporal, cfg.Temporal.TaskQueue)
	default:
		out.Inline = async.NewInlineScheduler(log, driver)
		out.Scheduler = out.Inline
	}
	orchestrator.SetScheduler(out.Scheduler)
	log.Info("Poll scheduler selected", "mode", cfg.Async.Scheduler, "max_retries", driver.Policy.MaxRetries())
	return out, nil
}
