package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	"github.com/yungbote/supplements-backend/internal/data/repos/testutil"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/jobs/runtime"
	"github.com/yungbote/supplements-backend/internal/jobs/worker"
	"github.com/yungbote/supplements-backend/internal/platform/ctxutil"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
)

type settlingPoller struct {
	polls       int32
	settleAfter int32
	traceIDs    []string
	failed      []string
}

func (p *settlingPoller) Poll(ctx context.Context, args async.PollArgs) error {
	if td := ctxutil.GetTraceData(ctx); td != nil {
		p.traceIDs = append(p.traceIDs, td.TraceID)
	}
	if atomic.AddInt32(&p.polls, 1) < p.settleAfter {
		return actions.ErrStillRunning
	}
	return nil
}

func (p *settlingPoller) FailPermanently(ctx context.Context, args async.PollArgs, msg string) error {
	p.failed = append(p.failed, msg)
	return nil
}

func setup(t *testing.T, p async.Poller, policy async.RetryPolicy) (repos.TaskRunRepo, *Scheduler, *worker.Worker) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	r := repos.New(db, log)
	sched := NewScheduler(log, r.TaskRuns, 2)
	driver := async.NewDriver(log, p, async.NewMemoryCache(), policy)
	reg, err := runtime.NewRegistry(NewHandler(log, driver, sched))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	w := worker.NewWorker(log, r.TaskRuns, reg, worker.Config{Concurrency: 1})
	return r.TaskRuns, sched, w
}

func drain(t *testing.T, w *worker.Worker, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	ran := 0
	for ran < want {
		if w.RunOnce(context.Background(), 1) {
			ran++
			continue
		}
		if time.Now().After(deadline) {
			t.Fatalf("ran %d of %d tasks", ran, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollChainRunsOnTaskQueue(t *testing.T) {
	p := &settlingPoller{settleAfter: 3}
	policy := async.RetryPolicy{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond, Window: time.Minute}
	repo, sched, w := setup(t, p, policy)

	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{TraceID: "trace-1"})
	args := async.PollArgs{AssetUID: "a1", SubmissionRoot: "r1", QuestionXPath: "audio", ActionID: actions.AutomaticGoogleTranscription, Attempt: 1}
	if err := sched.Schedule(ctx, 0, args); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	drain(t, w, 3)
	if w.RunOnce(context.Background(), 1) {
		t.Fatalf("chain must end once the poll settles")
	}
	if got := atomic.LoadInt32(&p.polls); got != 3 {
		t.Fatalf("polls: want=3 got=%d", got)
	}
	for _, id := range p.traceIDs {
		if id != "trace-1" {
			t.Fatalf("trace id: want trace-1 got=%q", id)
		}
	}
	counts, err := repo.CountByStatus(dbctx.Background(context.Background()))
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[types.TaskStatusSucceeded] != 3 {
		t.Fatalf("succeeded: want=3 got=%v", counts)
	}
}

func TestScheduleHonorsDelay(t *testing.T) {
	p := &settlingPoller{settleAfter: 1}
	repo, sched, w := setup(t, p, async.RetryPolicy{})
	if err := sched.Schedule(context.Background(), time.Hour, async.PollArgs{ActionID: actions.AutomaticQual, Attempt: 1}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if w.RunOnce(context.Background(), 1) {
		t.Fatalf("a task due in an hour must not be claimed")
	}
	counts, _ := repo.CountByStatus(dbctx.Background(context.Background()))
	if counts[types.TaskStatusQueued] != 1 {
		t.Fatalf("queued: want=1 got=%v", counts)
	}
}

func TestExhaustedChainFailsPermanently(t *testing.T) {
	p := &settlingPoller{settleAfter: 1 << 20}
	policy := async.RetryPolicy{Base: time.Millisecond, Multiplier: 2, Cap: 4 * time.Millisecond, Window: 20 * time.Millisecond}
	_, sched, w := setup(t, p, policy)
	if err := sched.Schedule(context.Background(), 0, async.PollArgs{ActionID: actions.AutomaticQual, Attempt: 1}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	drain(t, w, policy.MaxRetries())
	if len(p.failed) != 1 || p.failed[0] != actions.MaxRetriesExceeded {
		t.Fatalf("FailPermanently: got=%v", p.failed)
	}
}
