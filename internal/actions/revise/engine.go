package revise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

var ErrDependencyNotFound = errors.New("dependency not found")

// ExternalRunner drives the external leg of automatic actions. Run returns
// actions.ErrStillRunning while the job is outstanding.
type ExternalRunner interface {
	Run(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload) (*actions.ExternalResult, error)
	// Forget drops any cached handle or outcome of an instance.
	Forget(ctx context.Context, cacheKey string)
}

type Input struct {
	Action        actions.Action
	AssetUID      string
	Submission    supplements.Submission
	QuestionXPath string
	// Instance is the stored instance for the payload's key; nil when absent.
	Instance *supplements.ActionInstance
	Payload  supplements.Payload
	// Siblings is a read-only snapshot of the question's other action entries.
	Siblings supplements.QuestionSupplement
	// RequestedAt pins the request time across poll attempts; zero means now.
	RequestedAt time.Time
}

type Engine struct {
	External ExternalRunner
	Now      func() time.Time
	NewID    func() string
	log      *logger.Logger
}

func NewEngine(baseLog *logger.Logger, external ExternalRunner) *Engine {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Engine{
		External: external,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    newVersionID,
		log:      baseLog.With("component", "ReviseEngine"),
	}
}

func newVersionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Key returns the instance key the payload addresses.
func Key(a actions.Action, p supplements.Payload) (string, error) {
	cfg := a.Config()
	if !cfg.AllowMultiple {
		return "", nil
	}
	key := a.InstanceKey(p)
	if key == "" {
		return "", &schema.SchemaViolation{
			Kind: schema.KindInput,
			Path: "/" + cfg.KeyingField,
			Err:  fmt.Errorf("missing keying field %q", cfg.KeyingField),
		}
	}
	return key, nil
}

// Revise applies one payload to one action instance and returns the new
// instance. The stored instance passed in is never mutated. It returns
// actions.ErrStillRunning, and no instance, while an external job is
// outstanding.
func (e *Engine) Revise(ctx context.Context, in Input) (*supplements.ActionInstance, error) {
	a := in.Action
	if a == nil {
		return nil, actions.ErrInvalidAction
	}
	cfg := a.Config()

	if err := a.Schemas().ValidateInput(in.Payload); err != nil {
		return nil, err
	}
	key, err := Key(a, in.Payload)
	if err != nil {
		return nil, err
	}

	inst := in.Instance.Clone()
	if inst == nil {
		inst = &supplements.ActionInstance{}
	}
	payload := in.Payload.Clone()
	now := e.now()

	review, err := popReview(payload)
	if err != nil {
		return nil, err
	}

	var (
		next     *supplements.Version
		upstream *dependency.Upstream
	)
	switch {
	case review.IsSet():
		if err := a.ApplyReview(inst.Newest(), review, now); err != nil {
			return nil, err
		}

	case cfg.Automatic:
		if isDeletion(payload) {
			payload["status"] = supplements.StatusDeleted
			payload["value"] = nil
			if e.External != nil {
				e.External.Forget(ctx, actions.InstanceCacheKey(in.AssetUID, in.Submission.RootUUID, in.QuestionXPath, cfg.ActionID, key))
			}
			break
		}
		if upstream, err = e.resolve(a, in, payload); err != nil {
			return nil, err
		}
		requestedAt := in.RequestedAt
		if requestedAt.IsZero() {
			requestedAt = now
		}
		req, err := a.BuildRequest(actions.RequestInput{
			AssetUID:      in.AssetUID,
			Submission:    in.Submission,
			QuestionXPath: in.QuestionXPath,
			Key:           key,
			Payload:       payload.Clone(),
			Upstream:      upstream,
			RequestedAt:   requestedAt,
		})
		if err != nil {
			return nil, err
		}
		if e.External == nil {
			return nil, fmt.Errorf("%s: no external runner configured", cfg.ActionID)
		}
		res, err := e.External.Run(ctx, req, payload.Clone())
		if err != nil {
			return nil, err
		}
		if res == nil || res.Status == supplements.StatusInProgress {
			return nil, actions.ErrStillRunning
		}
		mergeResult(payload, res)
		if err := a.Schemas().ValidateExternal(payload); err != nil {
			e.log.Warn("external result rejected", "action_id", cfg.ActionID, "question_xpath", in.QuestionXPath, "error", err)
			return nil, err
		}
		now = e.now()
	}

	if !review.IsSet() && createsVersion(payload) {
		if len(a.DependsOn()) > 0 && upstream == nil && !isDeletion(payload) && payload.String("status") != supplements.StatusDeleted {
			if upstream, err = e.resolve(a, in, payload); err != nil {
				return nil, err
			}
		}
		if prev := inst.Newest(); prev != nil && !now.After(prev.CreatedAt) {
			now = prev.CreatedAt.Add(time.Microsecond)
		}
		next = &supplements.Version{
			Data:       payload,
			CreatedAt:  now,
			ID:         e.NewID(),
			Dependency: upstream.Sanitize(),
		}
		if !cfg.Automatic && next.HasValue() {
			at := now
			next.AcceptedAt = &at
		}
		inst.Versions = append([]*supplements.Version{next}, inst.Versions...)
	}

	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.ModifiedAt = now

	if err := a.Schemas().ValidateStored(inst); err != nil {
		e.log.Error("refusing to store non-conforming instance", "action_id", cfg.ActionID, "question_xpath", in.QuestionXPath, "error", err)
		return nil, err
	}
	return inst, nil
}

// Fail records a terminal failure on an instance whose external job never
// produced a result. A dangling in_progress newest version is replaced
// rather than kept.
func (e *Engine) Fail(a actions.Action, stored *supplements.ActionInstance, request supplements.Payload, msg string) (*supplements.ActionInstance, error) {
	if a == nil {
		return nil, actions.ErrInvalidAction
	}
	if msg == "" {
		msg = actions.MaxRetriesExceeded
	}
	inst := stored.Clone()
	if inst == nil {
		inst = &supplements.ActionInstance{}
	}
	now := e.now()

	data := request.Clone()
	if data == nil {
		data = supplements.Payload{}
	}
	data.Pop("accepted")
	data.Pop("verified")
	data.Pop("value")
	data["status"] = supplements.StatusFailed
	data["error"] = msg

	v := &supplements.Version{Data: data, ID: e.NewID()}
	if newest := inst.Newest(); newest != nil && newest.Status() == supplements.StatusInProgress {
		v.CreatedAt = newest.CreatedAt
		v.Dependency = newest.Dependency
		inst.Versions[0] = v
	} else {
		if newest != nil && !now.After(newest.CreatedAt) {
			now = newest.CreatedAt.Add(time.Microsecond)
		}
		v.CreatedAt = now
		inst.Versions = append([]*supplements.Version{v}, inst.Versions...)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.ModifiedAt = now

	if err := a.Schemas().ValidateStored(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Superseded reports whether the instance changed after a request was made,
// which ends any poll chain for that request.
func Superseded(inst *supplements.ActionInstance, requestedAt time.Time) bool {
	newest := inst.Newest()
	return newest != nil && newest.CreatedAt.After(requestedAt)
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) resolve(a actions.Action, in Input, payload supplements.Payload) (*dependency.Upstream, error) {
	if len(a.DependsOn()) == 0 {
		return nil, nil
	}
	up, err := a.BuildDependency(in.Siblings, payload)
	if errors.Is(err, dependency.ErrUpstreamNotFound) {
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrDependencyNotFound, a.ID(), in.QuestionXPath, err)
	}
	return up, err
}

func popReview(p supplements.Payload) (actions.Review, error) {
	var r actions.Review
	if v, ok := p.Pop("accepted"); ok {
		b, isBool := v.(bool)
		if !isBool {
			return r, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/accepted", Err: errors.New("must be a boolean")}
		}
		r.Accepted = &b
	}
	if v, ok := p.Pop("verified"); ok {
		b, isBool := v.(bool)
		if !isBool {
			return r, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/verified", Err: errors.New("must be a boolean")}
		}
		r.Verified = &b
	}
	return r, nil
}

func isDeletion(p supplements.Payload) bool {
	v, ok := p["value"]
	return ok && v == nil
}

func createsVersion(p supplements.Payload) bool {
	return p.Has("value") || p.Has("status")
}

func mergeResult(p supplements.Payload, res *actions.ExternalResult) {
	p["status"] = res.Status
	switch res.Status {
	case supplements.StatusComplete:
		p["value"] = res.Value
	case supplements.StatusFailed:
		p["error"] = res.Error
	case supplements.StatusDeleted:
		p["value"] = nil
	}
}
