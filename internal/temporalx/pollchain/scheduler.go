package pollchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// Scheduler starts one workflow per poll chain. The workflow id is derived
// from the instance and the request time, so a duplicate start is a no-op.
type Scheduler struct {
	log       *logger.Logger
	tc        temporalsdkclient.Client
	taskQueue string
}

func NewScheduler(baseLog *logger.Logger, tc temporalsdkclient.Client, taskQueue string) *Scheduler {
	return &Scheduler{
		log:       baseLog.With("component", "TemporalPollScheduler"),
		tc:        tc,
		taskQueue: taskQueue,
	}
}

func WorkflowID(args async.PollArgs) string {
	return "poll:" + args.GuardKey()
}

func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, args async.PollArgs) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    WorkflowID(args),
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}
	run, err := s.tc.ExecuteWorkflow(ctx, opts, WorkflowName, Input{Args: args, Delay: delay})
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start poll workflow: %w", err)
	}
	s.log.Debug("poll workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "action_id", args.ActionID)
	return nil
}
