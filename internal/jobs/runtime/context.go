package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/ctxutil"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
)

// Envelope is the JSON stored on task_run.payload. Args is the handler's own
// input; the trace fields carry the originating request across the queue.
type Envelope struct {
	Args      json.RawMessage `json:"args"`
	TraceID   string          `json:"trace_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewEnvelope wraps args with the trace data found on ctx.
func NewEnvelope(ctx context.Context, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	env := Envelope{Args: raw}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		env.TraceID = td.TraceID
		env.RequestID = td.RequestID
	}
	return json.Marshal(env)
}

/*
Context is the execution handle of one claimed task.
Handlers never touch task_run directly: they decode their input with Decode
and end the run through Succeed, Retry or Fail. A handler that returns
without calling any of them is treated as succeeded by the worker.
*/
type Context struct {
	Ctx  context.Context
	Task *types.TaskRun
	Repo repos.TaskRunRepo

	env   Envelope
	ended bool
}

func NewContext(ctx context.Context, task *types.TaskRun, repo repos.TaskRunRepo) *Context {
	c := &Context{Ctx: ctx, Task: task, Repo: repo}
	if task != nil && len(task.Payload) > 0 {
		_ = json.Unmarshal(task.Payload, &c.env)
	}
	if strings.TrimSpace(c.env.TraceID) != "" || strings.TrimSpace(c.env.RequestID) != "" {
		c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
			TraceID:   c.env.TraceID,
			RequestID: c.env.RequestID,
		})
	}
	return c
}

// Decode unmarshals the task's args into v.
func (c *Context) Decode(v any) error {
	if len(c.env.Args) == 0 {
		return fmt.Errorf("task %s has no args", c.taskID())
	}
	return json.Unmarshal(c.env.Args, v)
}

// Ended reports whether a terminal or retry transition was recorded.
func (c *Context) Ended() bool { return c.ended }

func (c *Context) Succeed() {
	now := time.Now().UTC()
	c.update(map[string]interface{}{
		"status":     types.TaskStatusSucceeded,
		"error":      "",
		"locked_at":  nil,
		"updated_at": now,
	})
	if c.Task != nil {
		c.Task.Status = types.TaskStatusSucceeded
		c.Task.LockedAt = nil
	}
}

// Retry puts the task back in the queue to run again after delay, unless the
// attempt that just ran was the last one, in which case the task fails.
func (c *Context) Retry(delay time.Duration, err error) {
	if c.Task != nil && c.Task.Exhausted() {
		c.Fail("retry", err)
		return
	}
	now := time.Now().UTC()
	c.update(map[string]interface{}{
		"status":        types.TaskStatusRetry,
		"run_at":        now.Add(delay),
		"error":         errText(err),
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	if c.Task != nil {
		c.Task.Status = types.TaskStatusRetry
		c.Task.RunAt = now.Add(delay)
		c.Task.LockedAt = nil
	}
}

func (c *Context) Fail(stage string, err error) {
	now := time.Now().UTC()
	msg := errText(err)
	if stage != "" {
		msg = stage + ": " + msg
	}
	c.update(map[string]interface{}{
		"status":        types.TaskStatusFailed,
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	if c.Task != nil {
		c.Task.Status = types.TaskStatusFailed
		c.Task.Error = msg
		c.Task.LockedAt = nil
	}
}

func (c *Context) update(updates map[string]interface{}) {
	c.ended = true
	if c.Repo == nil || c.Task == nil || c.Task.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// The run context may already be canceled on shutdown; the transition
	// still has to land.
	_ = c.Repo.UpdateFields(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, c.Task.ID, updates)
}

func (c *Context) taskID() string {
	if c.Task == nil {
		return "<nil>"
	}
	return c.Task.ID.String()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
