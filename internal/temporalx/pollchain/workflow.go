// Package pollchain runs supplement poll chains as Temporal workflows: one
// durable timer per backoff delay and one activity per attempt.
package pollchain

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/supplements-backend/internal/actions/async"
)

const (
	WorkflowName    = "supplement_poll_chain"
	ActivityAttempt = "supplement_poll_attempt"

	continueAsNewAfter = 500
)

type Input struct {
	Args  async.PollArgs `json:"args"`
	Delay time.Duration  `json:"delay"`
}

type AttemptResult struct {
	Done    bool          `json:"done"`
	RetryIn time.Duration `json:"retry_in,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func Workflow(ctx workflow.Context, in Input) error {
	if in.Args.ActionID == "" {
		return temporal.NewNonRetryableApplicationError("pollchain: missing action_id", "invalid_input", nil)
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	args, delay := in.Args, in.Delay
	for n := 0; ; n++ {
		if delay > 0 {
			if err := workflow.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		var out AttemptResult
		if err := workflow.ExecuteActivity(ctx, ActivityAttempt, args).Get(ctx, &out); err != nil {
			return err
		}
		if out.Done {
			if out.Error != "" {
				return fmt.Errorf("poll chain ended: %s", out.Error)
			}
			return nil
		}
		args, delay = args.Next(), out.RetryIn
		if n+1 >= continueAsNewAfter {
			return workflow.NewContinueAsNewError(ctx, Workflow, Input{Args: args, Delay: delay})
		}
	}
}
