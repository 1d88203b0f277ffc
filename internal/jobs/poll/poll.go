// Package poll runs supplement poll chains on the task_run queue, so a
// chain survives process restarts and spreads across worker replicas.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/jobs/runtime"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

const TaskType = "supplement_poll"

// Scheduler enqueues one task_run per poll attempt, not before its delay.
type Scheduler struct {
	log         *logger.Logger
	repo        repos.TaskRunRepo
	maxAttempts int
	now         func() time.Time
}

func NewScheduler(baseLog *logger.Logger, repo repos.TaskRunRepo, maxAttempts int) *Scheduler {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Scheduler{
		log:         baseLog.With("component", "PollTaskScheduler"),
		repo:        repo,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, args async.PollArgs) error {
	payload, err := runtime.NewEnvelope(ctx, args)
	if err != nil {
		return fmt.Errorf("encode poll args: %w", err)
	}
	task := &types.TaskRun{
		TaskType:    TaskType,
		DedupeKey:   fmt.Sprintf("%s#%d", args.GuardKey(), args.Attempt),
		Status:      types.TaskStatusQueued,
		MaxAttempts: s.maxAttempts,
		RunAt:       s.now().Add(delay),
		Payload:     payload,
	}
	if _, err := s.repo.Create(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, []*types.TaskRun{task}); err != nil {
		return err
	}
	s.log.Debug("poll task queued", "action_id", args.ActionID, "attempt", args.Attempt, "run_at", task.RunAt)
	return nil
}

// Handler runs one attempt per task and queues the next one.
type Handler struct {
	log       *logger.Logger
	driver    *async.Driver
	scheduler async.Scheduler
}

func NewHandler(baseLog *logger.Logger, driver *async.Driver, scheduler async.Scheduler) *Handler {
	return &Handler{
		log:       baseLog.With("component", "PollTaskHandler"),
		driver:    driver,
		scheduler: scheduler,
	}
}

func (h *Handler) Type() string { return TaskType }

func (h *Handler) Run(tc *runtime.Context) error {
	var args async.PollArgs
	if err := tc.Decode(&args); err != nil {
		tc.Fail("decode", err)
		return nil
	}
	retryIn, done, err := h.driver.Attempt(tc.Ctx, args)
	if done {
		if err != nil {
			tc.Fail("poll", err)
		}
		return nil
	}
	// A failed enqueue is retried by the worker; re-running the attempt is
	// harmless since polls are idempotent.
	if err := h.scheduler.Schedule(tc.Ctx, retryIn, args.Next()); err != nil {
		return fmt.Errorf("schedule attempt %d: %w", args.Attempt+1, err)
	}
	return nil
}
