package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

func TestRetryPolicyStaysInsideWindow(t *testing.T) {
	cases := []RetryPolicy{
		{Base: 10 * time.Second, Multiplier: 2, Cap: 5 * time.Minute, Window: time.Hour},
		{Base: time.Second, Multiplier: 3, Cap: time.Minute, Window: 10 * time.Minute},
		{Base: time.Minute, Multiplier: 1, Cap: time.Minute, Window: 5 * time.Minute},
	}
	for _, p := range cases {
		n := p.MaxRetries()
		if n < 1 {
			t.Fatalf("MaxRetries(%+v): want>=1 got=%d", p, n)
		}
		if p.Budget() >= p.Window {
			t.Fatalf("Budget(%+v): want<%v got=%v", p, p.Window, p.Budget())
		}
		if p.Budget()+p.Delay(n+1) < p.Window {
			t.Fatalf("MaxRetries(%+v)=%d is not maximal", p, n)
		}
	}
	p := RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 5 * time.Second, Window: time.Hour}
	if got := p.Delay(1); got != time.Second {
		t.Fatalf("Delay(1): want=1s got=%v", got)
	}
	if got := p.Delay(3); got != 4*time.Second {
		t.Fatalf("Delay(3): want=4s got=%v", got)
	}
	if got := p.Delay(10); got != 5*time.Second {
		t.Fatalf("Delay(10): want cap 5s got=%v", got)
	}
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []PollArgs
}

func (r *recordingScheduler) Schedule(ctx context.Context, delay time.Duration, args PollArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return nil
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func request() *actions.ProcessRequest {
	return &actions.ProcessRequest{
		AssetUID: "a1", SubmissionRoot: "root", QuestionXPath: "q1",
		ActionID: actions.AutomaticGoogleTranscription, RequestedAt: time.Now().UTC(),
	}
}

func TestOrchestratorReturnsFastResult(t *testing.T) {
	cache := NewMemoryCache()
	sched := &recordingScheduler{}
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		return actions.Complete("hello"), nil
	}), cache, cache, sched, Config{SyncTimeout: time.Second})

	res, err := o.Run(context.Background(), request(), nil)
	if err != nil || res.Value != "hello" {
		t.Fatalf("Run: want hello got=%v err=%v", res, err)
	}
	if sched.count() != 0 {
		t.Fatalf("no poll expected for a settled call: got=%d", sched.count())
	}
	if e, _ := cache.Get(context.Background(), request().CacheKey()); e != nil {
		t.Fatalf("cache should be empty after settling: got=%+v", e)
	}
}

func TestOrchestratorDeduplicatesSlowCalls(t *testing.T) {
	cache := NewMemoryCache()
	sched := &recordingScheduler{}
	release := make(chan struct{})
	var calls int32
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return actions.Complete("late"), nil
	}), cache, cache, sched, Config{SyncTimeout: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		if _, err := o.Run(context.Background(), request(), nil); !errors.Is(err, actions.ErrStillRunning) {
			t.Fatalf("Run %d: want ErrStillRunning got=%v", i, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("processor calls: want=1 got=%d", n)
	}
	if sched.count() != 1 {
		t.Fatalf("scheduled polls: want=1 got=%d", sched.count())
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		e, _ := cache.Get(context.Background(), request().CacheKey())
		if e != nil && e.Ready != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late outcome was never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, err := o.Run(context.Background(), request(), nil)
	if err != nil || res.Value != "late" {
		t.Fatalf("Run after completion: want late got=%v err=%v", res, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("ready outcome must not re-issue the call: calls=%d", n)
	}
}

func TestOrchestratorResumesHandle(t *testing.T) {
	cache := NewMemoryCache()
	var seen []string
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		seen = append(seen, req.Handle)
		if req.Handle == "" {
			return actions.Pending("operations/42"), nil
		}
		return actions.Complete("resumed"), nil
	}), cache, cache, &recordingScheduler{}, Config{SyncTimeout: time.Second})

	if _, err := o.Run(context.Background(), request(), nil); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("first Run: want ErrStillRunning got=%v", err)
	}
	res, err := o.Run(context.Background(), request(), nil)
	if err != nil || res.Value != "resumed" {
		t.Fatalf("second Run: got=%v err=%v", res, err)
	}
	if len(seen) != 2 || seen[1] != "operations/42" {
		t.Fatalf("handles: got=%v", seen)
	}
}

func TestOrchestratorTreatsErrorsAsTransient(t *testing.T) {
	cache := NewMemoryCache()
	sched := &recordingScheduler{}
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		return nil, errors.New("503 from provider")
	}), cache, cache, sched, Config{SyncTimeout: time.Second})
	if _, err := o.Run(context.Background(), request(), nil); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("want ErrStillRunning got=%v", err)
	}
	if sched.count() != 1 {
		t.Fatalf("transient failure should schedule a poll: got=%d", sched.count())
	}
	if e, _ := cache.Get(context.Background(), request().CacheKey()); e != nil {
		t.Fatalf("failed claim must be released: got=%+v", e)
	}
}

func requestFor(lang string, at time.Time) *actions.ProcessRequest {
	r := request()
	r.Language = lang
	r.RequestedAt = at
	return r
}

// languageProcessor starts one job per language and completes it when the
// job's handle is resumed.
type languageProcessor struct {
	mu     sync.Mutex
	fresh  []string
	resume []string
}

func (p *languageProcessor) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Handle == "" {
		p.fresh = append(p.fresh, req.Language)
		return actions.Pending("op-" + req.Language), nil
	}
	p.resume = append(p.resume, req.Handle)
	return actions.Complete(req.Handle + " words"), nil
}

func TestOrchestratorKeepsJobsOfDifferentRequestsApart(t *testing.T) {
	cache := NewMemoryCache()
	sched := &recordingScheduler{}
	p := &languageProcessor{}
	o := NewOrchestrator(logger.Nop(), p, cache, cache, sched, Config{SyncTimeout: time.Second})
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	if _, err := o.Run(context.Background(), requestFor("en", t0), nil); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("en: want ErrStillRunning got=%v", err)
	}
	res, err := o.Run(context.Background(), requestFor("fr", t0.Add(time.Minute)), nil)
	if !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("fr: want ErrStillRunning got=%v res=%+v", err, res)
	}
	if len(p.fresh) != 2 || p.fresh[1] != "fr" {
		t.Fatalf("fr must start its own job: fresh=%v", p.fresh)
	}
	if len(p.resume) != 0 {
		t.Fatalf("fr must not resume the en job: resumed=%v", p.resume)
	}

	res, err = o.Run(context.Background(), requestFor("fr", t0.Add(2*time.Minute)), nil)
	if err != nil || res.Value != "op-fr words" {
		t.Fatalf("fr result: want op-fr words got=%+v err=%v", res, err)
	}
	if _, err := o.Run(context.Background(), requestFor("en", t0), nil); !errors.Is(err, actions.ErrSuperseded) && !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("stale en chain: got=%v", err)
	}
	if sched.count() != 2 {
		t.Fatalf("one poll chain per request: want=2 got=%d", sched.count())
	}
}

func TestOrchestratorSupersedesOlderRequest(t *testing.T) {
	cache := NewMemoryCache()
	p := &languageProcessor{}
	o := NewOrchestrator(logger.Nop(), p, cache, cache, &recordingScheduler{}, Config{SyncTimeout: time.Second})
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if _, err := o.Run(context.Background(), requestFor("fr", t0.Add(time.Minute)), nil); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("fr: want ErrStillRunning got=%v", err)
	}
	if _, err := o.Run(context.Background(), requestFor("en", t0), nil); !errors.Is(err, actions.ErrSuperseded) {
		t.Fatalf("older en request: want ErrSuperseded got=%v", err)
	}
	if len(p.fresh) != 1 || len(p.resume) != 0 {
		t.Fatalf("older request must not touch the processor: fresh=%v resumed=%v", p.fresh, p.resume)
	}
}

func TestOrchestratorDiscardsLateOutcomeAfterForget(t *testing.T) {
	cache := NewMemoryCache()
	release := make(chan struct{})
	var returned int32
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		<-release
		atomic.StoreInt32(&returned, 1)
		return actions.Complete("late"), nil
	}), cache, cache, &recordingScheduler{}, Config{SyncTimeout: 10 * time.Millisecond})

	req := request()
	if _, err := o.Run(context.Background(), req, nil); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("Run: want ErrStillRunning got=%v", err)
	}
	o.Forget(context.Background(), req.CacheKey())
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&returned) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("processor never returned")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if e, _ := cache.Get(context.Background(), req.CacheKey()); e != nil {
		t.Fatalf("forgotten instance got a late entry: %+v", e)
	}
}

func TestOrchestratorKeepsHandleOnTransientResumeError(t *testing.T) {
	cache := NewMemoryCache()
	var fresh, resumes int
	o := NewOrchestrator(logger.Nop(), actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		if req.Handle == "" {
			fresh++
			return actions.Pending("op-1"), nil
		}
		resumes++
		if resumes == 1 {
			return nil, errors.New("unavailable")
		}
		return actions.Complete("done"), nil
	}), cache, cache, &recordingScheduler{}, Config{SyncTimeout: time.Second})

	for i := 0; i < 2; i++ {
		if _, err := o.Run(context.Background(), request(), nil); !errors.Is(err, actions.ErrStillRunning) {
			t.Fatalf("Run %d: want ErrStillRunning got=%v", i, err)
		}
	}
	e, _ := cache.Get(context.Background(), request().CacheKey())
	if e == nil || e.Handle != "op-1" {
		t.Fatalf("handle must survive a transient resume error: got=%+v", e)
	}
	res, err := o.Run(context.Background(), request(), nil)
	if err != nil || res.Value != "done" {
		t.Fatalf("Run 3: want done got=%+v err=%v", res, err)
	}
	if fresh != 1 {
		t.Fatalf("external jobs started: want=1 got=%d", fresh)
	}
}

type fakePoller struct {
	pollErr error
	polls   int
	failed  []string
}

func (f *fakePoller) Poll(ctx context.Context, args PollArgs) error {
	f.polls++
	return f.pollErr
}

func (f *fakePoller) FailPermanently(ctx context.Context, args PollArgs, msg string) error {
	f.failed = append(f.failed, msg)
	return nil
}

func TestDriverExhaustsBudget(t *testing.T) {
	guard := NewMemoryCache()
	p := &fakePoller{pollErr: actions.ErrStillRunning}
	policy := RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 4 * time.Second, Window: 20 * time.Second}
	d := NewDriver(logger.Nop(), p, guard, policy)
	args := PollArgs{AssetUID: "a1", SubmissionRoot: "root", QuestionXPath: "q1", ActionID: actions.AutomaticQual, Attempt: 1}
	if ok, _ := guard.Acquire(context.Background(), args.GuardKey(), time.Minute); !ok {
		t.Fatalf("Acquire: want ok")
	}

	for {
		retryIn, done, err := d.Attempt(context.Background(), args)
		if err != nil {
			t.Fatalf("Attempt %d: %v", args.Attempt, err)
		}
		if done {
			break
		}
		if retryIn != policy.Delay(args.Attempt+1) {
			t.Fatalf("retryIn: want=%v got=%v", policy.Delay(args.Attempt+1), retryIn)
		}
		args = args.Next()
	}
	if args.Attempt != policy.MaxRetries() {
		t.Fatalf("attempts: want=%d got=%d", policy.MaxRetries(), args.Attempt)
	}
	if len(p.failed) != 1 || p.failed[0] != actions.MaxRetriesExceeded {
		t.Fatalf("FailPermanently: got=%v", p.failed)
	}
	if ok, _ := guard.Acquire(context.Background(), args.GuardKey(), time.Minute); !ok {
		t.Fatalf("guard must be released after the chain ends")
	}
}

func TestDriverRetriesTransientErrors(t *testing.T) {
	guard := NewMemoryCache()
	p := &fakePoller{pollErr: errors.New("database is locked")}
	policy := RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 4 * time.Second, Window: time.Minute}
	d := NewDriver(logger.Nop(), p, guard, policy)
	args := PollArgs{AssetUID: "a1", SubmissionRoot: "root", QuestionXPath: "q1", ActionID: actions.AutomaticQual, Attempt: 1}

	retryIn, done, err := d.Attempt(context.Background(), args)
	if err != nil || done {
		t.Fatalf("transient error: want retry got done=%v err=%v", done, err)
	}
	if retryIn != d.Policy.Delay(2) {
		t.Fatalf("retryIn: want=%v got=%v", d.Policy.Delay(2), retryIn)
	}
	if len(p.failed) != 0 {
		t.Fatalf("transient error must not fail the instance: got=%v", p.failed)
	}

	args.Attempt = d.Policy.MaxRetries()
	if _, done, _ := d.Attempt(context.Background(), args); !done {
		t.Fatalf("last attempt must end the chain")
	}
	if len(p.failed) != 1 || p.failed[0] != actions.MaxRetriesExceeded {
		t.Fatalf("exhausted transient errors: got=%v", p.failed)
	}
}

func TestDriverFailsTerminalErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"upstream gone": {
			err:  fmt.Errorf("dependency not found: %w", dependency.ErrUpstreamNotFound),
			want: actions.FailureMessage(dependency.ErrUpstreamNotFound),
		},
		"bad provider output": {
			err:  &schema.SchemaViolation{Kind: schema.KindExternal, Err: errors.New("value must be a string")},
			want: "The external service returned an unexpected result.",
		},
	}
	for name, tc := range cases {
		guard := NewMemoryCache()
		p := &fakePoller{pollErr: tc.err}
		d := NewDriver(logger.Nop(), p, guard, RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 4 * time.Second, Window: time.Minute})
		args := PollArgs{AssetUID: "a1", SubmissionRoot: "root", QuestionXPath: "q1", ActionID: actions.AutomaticGoogleTranslation, Key: "es", Attempt: 1}
		if ok, _ := guard.Acquire(context.Background(), args.GuardKey(), time.Minute); !ok {
			t.Fatalf("%s: Acquire: want ok", name)
		}
		_, done, err := d.Attempt(context.Background(), args)
		if !done || err != nil {
			t.Fatalf("%s: want done without error got done=%v err=%v", name, done, err)
		}
		if len(p.failed) != 1 || p.failed[0] != tc.want {
			t.Fatalf("%s: FailPermanently: want=%q got=%v", name, tc.want, p.failed)
		}
		if ok, _ := guard.Acquire(context.Background(), args.GuardKey(), time.Minute); !ok {
			t.Fatalf("%s: guard must be released", name)
		}
	}
}

func TestDriverEndsSupersededChainQuietly(t *testing.T) {
	p := &fakePoller{pollErr: actions.ErrSuperseded}
	d := NewDriver(logger.Nop(), p, NewMemoryCache(), RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 4 * time.Second, Window: time.Minute})
	_, done, err := d.Attempt(context.Background(), PollArgs{ActionID: actions.AutomaticQual, Attempt: 1})
	if !done || err != nil || len(p.failed) != 0 {
		t.Fatalf("superseded: done=%v err=%v failed=%v", done, err, p.failed)
	}
}

func TestInlineSchedulerRunsChainToCompletion(t *testing.T) {
	guard := NewMemoryCache()
	p := &countingPoller{settleAfter: 3}
	d := NewDriver(logger.Nop(), p, guard, RetryPolicy{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond, Window: time.Second})
	s := NewInlineScheduler(logger.Nop(), d)
	if err := s.Schedule(context.Background(), time.Millisecond, PollArgs{ActionID: actions.AutomaticQual, Attempt: 1}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&p.polls) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("chain stalled after %d polls", atomic.LoadInt32(&p.polls))
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()
	if got := atomic.LoadInt32(&p.polls); got != 3 {
		t.Fatalf("polls: want=3 got=%d", got)
	}
}

type countingPoller struct {
	polls       int32
	settleAfter int32
}

func (c *countingPoller) Poll(ctx context.Context, args PollArgs) error {
	if atomic.AddInt32(&c.polls, 1) < c.settleAfter {
		return actions.ErrStillRunning
	}
	return nil
}

func (c *countingPoller) FailPermanently(ctx context.Context, args PollArgs, msg string) error {
	return nil
}
