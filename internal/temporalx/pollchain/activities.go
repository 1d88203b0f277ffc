package pollchain

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/supplements-backend/internal/actions/async"
)

type Activities struct {
	Driver *async.Driver
}

// Attempt runs one poll. Chain-ending errors come back in the result so
// Temporal does not retry an attempt the driver already closed.
func (a *Activities) Attempt(ctx context.Context, args async.PollArgs) (AttemptResult, error) {
	activity.GetLogger(ctx).Debug("poll attempt", "action_id", args.ActionID, "attempt", args.Attempt)
	retryIn, done, err := a.Driver.Attempt(ctx, args)
	res := AttemptResult{Done: done, RetryIn: retryIn}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

func activityOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: ActivityAttempt}
}

// Register adds the workflow and its activity to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(Workflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.Attempt, activityOptions())
}
