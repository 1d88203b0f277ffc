package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/jobs/runtime"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// StaleRunning is how long a running task may go without a heartbeat
	// before another worker reclaims it.
	StaleRunning time.Duration
	// RetryDelay is used when a handler fails or panics.
	RetryDelay time.Duration
	Heartbeat  time.Duration
}

func (c Config) normalized() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.StaleRunning {
		c.Heartbeat = c.StaleRunning / 4
	}
	return c
}

type Worker struct {
	log      *logger.Logger
	repo     repos.TaskRunRepo
	registry *runtime.Registry
	cfg      Config
	wg       sync.WaitGroup
}

func NewWorker(baseLog *logger.Logger, repo repos.TaskRunRepo, registry *runtime.Registry, cfg Config) *Worker {
	return &Worker{
		log:      baseLog.With("component", "TaskWorker"),
		repo:     repo,
		registry: registry,
		cfg:      cfg.normalized(),
	}
}

// Start launches the worker loops; they stop when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting task worker pool", "concurrency", w.cfg.Concurrency, "task_types", w.registry.Types())
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop has returned.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil && w.RunOnce(ctx, workerID) {
			}
		}
	}
}

// RunOnce claims and runs at most one task. It reports whether a task was
// claimed.
func (w *Worker) RunOnce(ctx context.Context, workerID int) bool {
	task, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleRunning)
	if err != nil {
		w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}

	m := observability.Current()
	tc := runtime.NewContext(ctx, task, w.repo)
	h, ok := w.registry.Get(task.TaskType)
	if !ok {
		w.log.Warn("No handler registered for task_type", "worker_id", workerID, "task_type", task.TaskType, "task_id", task.ID)
		tc.Fail("dispatch", fmt.Errorf("no handler registered for task_type=%s", task.TaskType))
		m.IncWorkerTask(task.TaskType, "unhandled")
		return true
	}

	stop := w.heartbeat(ctx, task)
	defer stop()

	status := "succeeded"
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Task handler panic", "worker_id", workerID, "task_id", task.ID, "task_type", task.TaskType, "panic", r)
				tc.Retry(w.cfg.RetryDelay, fmt.Errorf("panic: %v", r))
				status = "panic"
			}
		}()
		if runErr := h.Run(tc); runErr != nil {
			w.log.Warn("Task handler failed", "worker_id", workerID, "task_id", task.ID, "task_type", task.TaskType, "attempt", task.Attempts, "error", runErr)
			tc.Retry(w.cfg.RetryDelay, runErr)
			status = "error"
			return
		}
		if !tc.Ended() {
			tc.Succeed()
		}
	}()
	m.IncWorkerTask(task.TaskType, status)
	return true
}

// heartbeat keeps the claim fresh until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, task *types.TaskRun) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := w.repo.Heartbeat(dbctx.Context{Ctx: hctx}, task.ID); err != nil && hctx.Err() == nil {
					w.log.Warn("Task heartbeat failed", "task_id", task.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
