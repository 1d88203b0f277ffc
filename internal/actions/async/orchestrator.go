package async

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// PollArgs is the message of one background poll. It is idempotent: the
// same args delivered twice yield at most one stored version.
type PollArgs struct {
	AssetUID       string              `json:"asset_uid"`
	SubmissionUUID string              `json:"submission_uuid"`
	SubmissionRoot string              `json:"submission_root_uuid"`
	QuestionXPath  string              `json:"question_xpath"`
	ActionID       string              `json:"action_id"`
	Key            string              `json:"key,omitempty"`
	Payload        supplements.Payload `json:"payload"`
	RequestedAt    time.Time           `json:"requested_at"`
	Attempt        int                 `json:"attempt"`
}

func (a PollArgs) CacheKey() string {
	return actions.InstanceCacheKey(a.AssetUID, a.SubmissionRoot, a.QuestionXPath, a.ActionID, a.Key)
}

// GuardKey names the poll chain of one claim: the instance plus the time
// of the request that started the external job.
func (a PollArgs) GuardKey() string {
	return fmt.Sprintf("%s#%d", a.CacheKey(), a.RequestedAt.UTC().UnixNano())
}

// Next is the message of the following attempt.
func (a PollArgs) Next() PollArgs {
	a.Attempt++
	return a
}

// Scheduler delivers args to a Driver after delay. It never blocks on the
// delivery itself.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, args PollArgs) error
}

type Config struct {
	// SyncTimeout bounds how long a request waits on a fresh external call.
	SyncTimeout time.Duration
	Policy      RetryPolicy
}

// Orchestrator wraps a processor with a de-duplicating, resumable protocol.
type Orchestrator struct {
	log       *logger.Logger
	processor actions.Processor
	cache     HandleCache
	guard     PollGuard
	scheduler Scheduler
	cfg       Config
}

func NewOrchestrator(baseLog *logger.Logger, processor actions.Processor, cache HandleCache, guard PollGuard, scheduler Scheduler, cfg Config) *Orchestrator {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Second
	}
	cfg.Policy = cfg.Policy.normalized()
	return &Orchestrator{
		log:       baseLog.With("component", "AsyncOrchestrator"),
		processor: processor,
		cache:     cache,
		guard:     guard,
		scheduler: scheduler,
		cfg:       cfg,
	}
}

func (o *Orchestrator) Policy() RetryPolicy { return o.cfg.Policy }

// SetScheduler lets the scheduler be wired after construction when it
// depends on the service that depends on this orchestrator.
func (o *Orchestrator) SetScheduler(s Scheduler) { o.scheduler = s }

type outcome struct {
	res *actions.ExternalResult
	err error
	dur time.Duration
}

// Run returns the external result of req, or actions.ErrStillRunning while
// the job is outstanding. A poll is scheduled whenever it reports running.
//
// A cached job is only reused by a request with the same fingerprint. A
// newer request with a different fingerprint replaces it; an older one gets
// actions.ErrSuperseded.
func (o *Orchestrator) Run(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload) (*actions.ExternalResult, error) {
	if o.processor == nil {
		return nil, fmt.Errorf("%s: no processor configured", req.ActionID)
	}
	key := req.CacheKey()
	fp := req.Fingerprint()
	entry, err := o.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("handle cache get: %w", err)
	}

	if entry != nil && entry.Fingerprint != fp {
		if req.RequestedAt.Before(entry.RequestedAt) {
			return nil, actions.ErrSuperseded
		}
		claim := o.newClaim(req, fp)
		swapped, err := o.cache.Swap(ctx, key, entry.Token, claim, o.cfg.Policy.Window)
		if err != nil {
			return nil, fmt.Errorf("handle cache swap: %w", err)
		}
		if !swapped {
			return nil, actions.ErrStillRunning
		}
		o.log.Info("replacing external job of a different request",
			"action_id", req.ActionID, "question_xpath", req.QuestionXPath, "key", req.Key)
		return o.start(ctx, req, payload, claim)
	}

	if entry != nil {
		switch {
		case entry.Ready != nil:
			if err := o.cache.Drop(ctx, key, entry.Token); err != nil {
				o.log.Warn("handle cache drop failed", "key", key, "error", err)
			}
			return entry.Ready, nil
		case entry.Handle != "":
			req.Handle = entry.Handle
			cctx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
			defer cancel()
			start := time.Now()
			res, perr := o.processor.Process(cctx, req)
			return o.settle(ctx, req, payload, *entry, outcome{res: res, err: perr, dur: time.Since(start)})
		default:
			o.ensurePoll(ctx, req, payload, *entry)
			return nil, actions.ErrStillRunning
		}
	}

	claim := o.newClaim(req, fp)
	claimed, err := o.cache.Claim(ctx, key, claim, o.cfg.Policy.Window)
	if err != nil {
		return nil, fmt.Errorf("handle cache claim: %w", err)
	}
	if !claimed {
		// Lost the race; the winner schedules the poll.
		return nil, actions.ErrStillRunning
	}
	return o.start(ctx, req, payload, claim)
}

func (o *Orchestrator) newClaim(req *actions.ProcessRequest, fp string) Entry {
	return Entry{
		Running:     true,
		Token:       uuid.NewString(),
		Fingerprint: fp,
		RequestedAt: req.RequestedAt.UTC(),
	}
}

// start issues a fresh external call for claim and waits on it for at most
// SyncTimeout.
func (o *Orchestrator) start(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload, claim Entry) (*actions.ExternalResult, error) {
	req.Handle = ""
	done := make(chan outcome, 1)
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Policy.Window)
	go func() {
		defer cancel()
		start := time.Now()
		res, perr := o.processor.Process(detached, req)
		done <- outcome{res: res, err: perr, dur: time.Since(start)}
	}()

	timer := time.NewTimer(o.cfg.SyncTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return o.settle(ctx, req, payload, claim, out)
	case <-timer.C:
	case <-ctx.Done():
	}
	go o.finishLate(req, claim, done)
	o.ensurePoll(ctx, req, payload, claim)
	return nil, actions.ErrStillRunning
}

// Forget drops the cached state of an instance. Outcomes of calls still in
// flight for it are discarded when they land.
func (o *Orchestrator) Forget(ctx context.Context, cacheKey string) {
	if err := o.cache.Delete(ctx, cacheKey); err != nil {
		o.log.Warn("handle cache delete failed", "key", cacheKey, "error", err)
	}
}

func (o *Orchestrator) settle(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload, claim Entry, out outcome) (*actions.ExternalResult, error) {
	key := req.CacheKey()
	m := observability.Current()
	switch {
	case out.err != nil:
		m.ObserveExternal(req.ActionID, "transient", out.dur)
		o.log.Warn("external call failed, will retry", "action_id", req.ActionID, "question_xpath", req.QuestionXPath, "resuming", req.Handle != "", "error", out.err)
		if req.Handle == "" {
			// Nothing to resume; the next poll starts the job again.
			if err := o.cache.Drop(ctx, key, claim.Token); err != nil {
				o.log.Warn("handle cache drop failed", "key", key, "error", err)
			}
		}
		o.ensurePoll(ctx, req, payload, claim)
		return nil, actions.ErrStillRunning
	case out.res == nil || out.res.Status == supplements.StatusInProgress:
		m.ObserveExternal(req.ActionID, "in_progress", out.dur)
		next := claim
		next.Running, next.Ready = true, nil
		if out.res != nil && out.res.Handle != "" {
			next.Handle = out.res.Handle
		}
		if _, err := o.cache.Swap(ctx, key, claim.Token, next, o.cfg.Policy.Window); err != nil {
			return nil, fmt.Errorf("handle cache swap: %w", err)
		}
		o.ensurePoll(ctx, req, payload, claim)
		return nil, actions.ErrStillRunning
	default:
		m.ObserveExternal(req.ActionID, out.res.Status, out.dur)
		if err := o.cache.Drop(ctx, key, claim.Token); err != nil {
			o.log.Warn("handle cache drop failed", "key", key, "error", err)
		}
		return out.res, nil
	}
}

// finishLate stores the outcome of a call that outlived its request so the
// next poll can pick it up. Nothing is stored once the claim was forgotten
// or replaced.
func (o *Orchestrator) finishLate(req *actions.ProcessRequest, claim Entry, done <-chan outcome) {
	out := <-done
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key := req.CacheKey()
	m := observability.Current()
	var err error
	switch {
	case out.err != nil:
		m.ObserveExternal(req.ActionID, "transient", out.dur)
		o.log.Warn("detached external call failed", "action_id", req.ActionID, "error", out.err)
		err = o.cache.Drop(ctx, key, claim.Token)
	case out.res == nil || out.res.Status == supplements.StatusInProgress:
		m.ObserveExternal(req.ActionID, "in_progress", out.dur)
		next := claim
		if out.res != nil {
			next.Handle = out.res.Handle
		}
		_, err = o.cache.Swap(ctx, key, claim.Token, next, o.cfg.Policy.Window)
	default:
		m.ObserveExternal(req.ActionID, out.res.Status, out.dur)
		next := claim
		next.Running, next.Ready = false, out.res
		var stored bool
		stored, err = o.cache.Swap(ctx, key, claim.Token, next, o.cfg.Policy.Window)
		if err == nil && !stored {
			o.log.Info("discarding outcome of a forgotten or replaced job", "action_id", req.ActionID, "question_xpath", req.QuestionXPath)
		}
	}
	if err != nil {
		o.log.Error("storing late external outcome failed", "action_id", req.ActionID, "error", err)
	}
}

// ensurePoll starts the poll chain of claim unless one is already running.
func (o *Orchestrator) ensurePoll(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload, claim Entry) {
	if o.scheduler == nil || o.guard == nil {
		return
	}
	requestedAt := claim.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = req.RequestedAt
	}
	args := PollArgs{
		AssetUID:       req.AssetUID,
		SubmissionUUID: req.SubmissionUUID,
		SubmissionRoot: req.SubmissionRoot,
		QuestionXPath:  req.QuestionXPath,
		ActionID:       req.ActionID,
		Key:            req.Key,
		Payload:        payload,
		RequestedAt:    requestedAt.UTC(),
		Attempt:        1,
	}
	key := args.GuardKey()
	ok, err := o.guard.Acquire(ctx, key, o.cfg.Policy.Window)
	if err != nil {
		o.log.Warn("poll guard acquire failed", "key", key, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := o.scheduler.Schedule(ctx, o.cfg.Policy.Delay(1), args); err != nil {
		o.log.Error("scheduling poll failed", "action_id", req.ActionID, "error", err)
		_ = o.guard.Release(ctx, key)
	}
}

// Poller is what a background attempt calls back into.
type Poller interface {
	// Poll re-runs the revision for args and returns actions.ErrStillRunning
	// while the external job is outstanding.
	Poll(ctx context.Context, args PollArgs) error
	FailPermanently(ctx context.Context, args PollArgs, msg string) error
}

// Driver runs single poll attempts and decides what happens next.
type Driver struct {
	Poller Poller
	Guard  PollGuard
	Policy RetryPolicy
	log    *logger.Logger
}

func NewDriver(baseLog *logger.Logger, p Poller, guard PollGuard, policy RetryPolicy) *Driver {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Driver{Poller: p, Guard: guard, Policy: policy.normalized(), log: baseLog.With("component", "PollDriver")}
}

// Attempt runs one poll. When done is false the caller schedules args.Next()
// after retryIn. Transient errors are retried within the budget; terminal
// ones are stored as a failed version.
func (d *Driver) Attempt(ctx context.Context, args PollArgs) (retryIn time.Duration, done bool, err error) {
	m := observability.Current()
	err = d.Poller.Poll(ctx, args)
	switch {
	case err == nil:
		m.IncPollAttempt(args.ActionID, "settled")
	case errors.Is(err, actions.ErrSuperseded):
		m.IncPollAttempt(args.ActionID, "superseded")
		d.log.Debug("poll chain superseded", "action_id", args.ActionID, "question_xpath", args.QuestionXPath)
		err = nil
	case actions.IsTerminal(err):
		m.IncPollAttempt(args.ActionID, "error")
		d.log.Error("poll failed permanently", "action_id", args.ActionID, "question_xpath", args.QuestionXPath, "error", err)
		err = d.Poller.FailPermanently(ctx, args, actions.FailureMessage(err))
	default:
		if !errors.Is(err, actions.ErrStillRunning) {
			d.log.Warn("poll attempt failed, will retry", "action_id", args.ActionID, "question_xpath", args.QuestionXPath, "attempt", args.Attempt, "error", err)
		}
		if args.Attempt >= d.Policy.MaxRetries() {
			m.IncRetriesExhausted(args.ActionID)
			d.log.Warn("poll retries exhausted", "action_id", args.ActionID, "question_xpath", args.QuestionXPath, "attempts", args.Attempt)
			err = d.Poller.FailPermanently(ctx, args, actions.MaxRetriesExceeded)
			break
		}
		m.IncPollAttempt(args.ActionID, "retry")
		return d.Policy.Delay(args.Attempt + 1), false, nil
	}
	if d.Guard != nil {
		if rerr := d.Guard.Release(ctx, args.GuardKey()); rerr != nil {
			d.log.Warn("poll guard release failed", "error", rerr)
		}
	}
	return 0, true, err
}
