package revise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type fakeRunner struct {
	result    *actions.ExternalResult
	err       error
	calls     int
	forgotten []string
	lastReq   *actions.ProcessRequest
}

func (f *fakeRunner) Run(ctx context.Context, req *actions.ProcessRequest, payload supplements.Payload) (*actions.ExternalResult, error) {
	f.calls++
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeRunner) Forget(ctx context.Context, key string) { f.forgotten = append(f.forgotten, key) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(r ExternalRunner) (*Engine, *clock) {
	c := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(logger.Nop(), r)
	e.Now = c.now
	n := 0
	e.NewID = func() string {
		n++
		return fmt.Sprintf("v%02d", n)
	}
	return e, c
}

func build(t *testing.T, actionID, params string) actions.Action {
	t.Helper()
	a, err := actions.NewCatalog().Build(supplements.AssetActionConfig{
		AssetUID: "asset", QuestionXPath: "group/audio", ActionID: actionID, Params: datatypes.JSON(params),
	})
	if err != nil {
		t.Fatalf("Build %s: %v", actionID, err)
	}
	return a
}

var submission = supplements.Submission{UUID: "sub-1", RootUUID: "root-1"}

func input(a actions.Action, inst *supplements.ActionInstance, p supplements.Payload) Input {
	return Input{
		Action:        a,
		AssetUID:      "asset",
		Submission:    submission,
		QuestionXPath: "group/audio",
		Instance:      inst,
		Payload:       p,
	}
}

func TestManualTranscriptionScenario(t *testing.T) {
	e, _ := newTestEngine(nil)
	a := build(t, actions.ManualTranscription, `{"languages":["en"]}`)

	inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en", "value": "hello"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if len(inst.Versions) != 1 {
		t.Fatalf("versions: want=1 got=%d", len(inst.Versions))
	}
	first := inst.Versions[0]
	if first.AcceptedAt == nil {
		t.Fatalf("manual value should be implicitly accepted")
	}
	if !inst.ModifiedAt.Equal(inst.CreatedAt) || !inst.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("timestamps: created=%v modified=%v version=%v", inst.CreatedAt, inst.ModifiedAt, first.CreatedAt)
	}
	firstCreated, firstAccepted := first.CreatedAt, *first.AcceptedAt

	next, err := e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "en", "value": "hello world"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if len(next.Versions) != 2 {
		t.Fatalf("versions: want=2 got=%d", len(next.Versions))
	}
	if got := next.Versions[0].Value(); got != "hello world" {
		t.Fatalf("newest value: want=hello world got=%v", got)
	}
	if next.Versions[0].AcceptedAt == nil {
		t.Fatalf("second manual value should be implicitly accepted")
	}
	old := next.Versions[1]
	if old.Value() != "hello" || !old.CreatedAt.Equal(firstCreated) || !old.AcceptedAt.Equal(firstAccepted) {
		t.Fatalf("older version changed: %+v", old)
	}
	if !next.ModifiedAt.Equal(next.Versions[0].CreatedAt) {
		t.Fatalf("modified: want=%v got=%v", next.Versions[0].CreatedAt, next.ModifiedAt)
	}
	if len(inst.Versions) != 1 {
		t.Fatalf("input instance must not be mutated")
	}
}

func TestManualDeletionHasNoAcceptance(t *testing.T) {
	e, _ := newTestEngine(nil)
	a := build(t, actions.ManualTranscription, `{"languages":["en"]}`)
	inst, _ := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en", "value": "hello"}))
	inst, err := e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "en", "value": nil}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	newest := inst.Newest()
	if !newest.IsDeletion() || newest.AcceptedAt != nil {
		t.Fatalf("deletion: got=%+v", newest)
	}
}

func TestRejectsReservedKeys(t *testing.T) {
	e, _ := newTestEngine(nil)
	a := build(t, actions.ManualTranscription, `{"languages":["en"]}`)
	_, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en", "value": "x", "_dateAccepted": "now"}))
	var sv *schema.SchemaViolation
	if !errors.As(err, &sv) || sv.Path != "/_dateAccepted" {
		t.Fatalf("want reserved-key violation at /_dateAccepted, got %v", err)
	}
}

func TestAutomaticTranscriptionCompleteThenAccept(t *testing.T) {
	r := &fakeRunner{result: actions.Complete("bonjour")}
	e, _ := newTestEngine(r)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["fr"]}`)

	inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "fr"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	v := inst.Newest()
	if v.Status() != supplements.StatusComplete || v.Value() != "bonjour" || v.AcceptedAt != nil {
		t.Fatalf("complete version: got=%+v", v)
	}

	accepted, err := e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "fr", "accepted": true}))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(accepted.Versions) != 1 {
		t.Fatalf("acceptance must not add a version: got=%d", len(accepted.Versions))
	}
	if accepted.Newest().AcceptedAt == nil {
		t.Fatalf("AcceptedAt not set")
	}
	if accepted.Newest().Data.Has("accepted") {
		t.Fatalf("accepted flag leaked into data")
	}
	if !accepted.ModifiedAt.After(inst.ModifiedAt) {
		t.Fatalf("review must bump modified: before=%v after=%v", inst.ModifiedAt, accepted.ModifiedAt)
	}
	if r.calls != 1 {
		t.Fatalf("review must not call the processor: calls=%d", r.calls)
	}
}

func TestAcceptWithoutValue(t *testing.T) {
	r := &fakeRunner{result: actions.Failed("audio unreadable")}
	e, _ := newTestEngine(r)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["fr"]}`)
	inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "fr"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	_, err = e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "fr", "accepted": true}))
	if !errors.Is(err, actions.ErrNothingToAccept) {
		t.Fatalf("want ErrNothingToAccept got=%v", err)
	}
}

func TestStillRunningIsNoOp(t *testing.T) {
	r := &fakeRunner{err: actions.ErrStillRunning}
	e, _ := newTestEngine(r)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["en"]}`)

	inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en"}))
	if !errors.Is(err, actions.ErrStillRunning) || inst != nil {
		t.Fatalf("want ErrStillRunning and no instance, got %v %v", inst, err)
	}

	r.err, r.result = nil, actions.Pending("operations/123")
	inst, err = e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en"}))
	if !errors.Is(err, actions.ErrStillRunning) || inst != nil {
		t.Fatalf("in_progress result: want ErrStillRunning got %v %v", inst, err)
	}
}

func TestTranslationWithoutTranscript(t *testing.T) {
	r := &fakeRunner{result: actions.Complete("hola")}
	e, _ := newTestEngine(r)
	a := build(t, actions.AutomaticGoogleTranslation, `{"languages":["es"]}`)
	_, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "es"}))
	if !errors.Is(err, ErrDependencyNotFound) {
		t.Fatalf("want ErrDependencyNotFound got=%v", err)
	}
	if r.calls != 0 {
		t.Fatalf("processor must not run without an upstream: calls=%d", r.calls)
	}
}

func TestTranslationStoresSanitizedDependency(t *testing.T) {
	e, _ := newTestEngine(&fakeRunner{result: actions.Complete("hola")})
	transcribe := build(t, actions.ManualTranscription, `{"languages":["en"]}`)
	transcript, err := e.Revise(context.Background(), input(transcribe, nil, supplements.Payload{"language": "en", "value": "hello"}))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}

	translate := build(t, actions.AutomaticGoogleTranslation, `{"languages":["es"]}`)
	in := input(translate, nil, supplements.Payload{"language": "es"})
	in.Siblings = supplements.QuestionSupplement{actions.ManualTranscription: {Single: transcript}}
	inst, err := e.Revise(context.Background(), in)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	dep := inst.Newest().Dependency
	if dep == nil || dep.ActionID != actions.ManualTranscription || dep.VersionID != transcript.Newest().ID {
		t.Fatalf("dependency: got=%+v", dep)
	}
	raw, err := json.Marshal(inst.Newest())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "hello") {
		t.Fatalf("upstream value leaked into stored version: %s", raw)
	}
}

func TestAutomaticDeletionSkipsProcessor(t *testing.T) {
	r := &fakeRunner{result: actions.Complete("hi")}
	e, _ := newTestEngine(r)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["en"]}`)
	inst, _ := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en"}))
	inst, err := e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "en", "value": nil}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.calls != 1 {
		t.Fatalf("deletion must not call the processor: calls=%d", r.calls)
	}
	if inst.Newest().Status() != supplements.StatusDeleted || len(r.forgotten) != 1 {
		t.Fatalf("deletion: status=%s forgotten=%v", inst.Newest().Status(), r.forgotten)
	}
}

func TestFailReplacesDanglingInProgress(t *testing.T) {
	e, _ := newTestEngine(nil)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["en"]}`)
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	dangling := &supplements.ActionInstance{CreatedAt: at, ModifiedAt: at, Versions: []*supplements.Version{{
		ID: "old", CreatedAt: at, Data: supplements.Payload{"language": "en", "status": "in_progress"},
	}}}
	inst, err := e.Fail(a, dangling, supplements.Payload{"language": "en"}, "")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if len(inst.Versions) != 1 {
		t.Fatalf("in_progress version should be replaced: got=%d", len(inst.Versions))
	}
	v := inst.Newest()
	if v.Status() != supplements.StatusFailed || v.Data.String("error") != actions.MaxRetriesExceeded {
		t.Fatalf("failed version: got=%+v", v.Data)
	}

	fresh, err := e.Fail(a, nil, supplements.Payload{"language": "en"}, "")
	if err != nil || len(fresh.Versions) != 1 || fresh.CreatedAt.IsZero() {
		t.Fatalf("Fail on empty instance: %v %+v", err, fresh)
	}
}

func TestVersionsStayNewestFirstWhenClockStalls(t *testing.T) {
	e, _ := newTestEngine(nil)
	fixed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return fixed }
	a := build(t, actions.ManualTranscription, `{"languages":["en"]}`)
	var inst *supplements.ActionInstance
	for i := 0; i < 5; i++ {
		next, err := e.Revise(context.Background(), input(a, inst, supplements.Payload{"language": "en", "value": fmt.Sprintf("take %d", i)}))
		if err != nil {
			t.Fatalf("Revise %d: %v", i, err)
		}
		inst = next
	}
	for i := 1; i < len(inst.Versions); i++ {
		if !inst.Versions[i-1].CreatedAt.After(inst.Versions[i].CreatedAt) {
			t.Fatalf("versions out of order at %d", i)
		}
	}
	if !inst.ModifiedAt.Equal(inst.Versions[0].CreatedAt) {
		t.Fatalf("modified: want=%v got=%v", inst.Versions[0].CreatedAt, inst.ModifiedAt)
	}
}

func TestSuperseded(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	inst := &supplements.ActionInstance{Versions: []*supplements.Version{{CreatedAt: at.Add(time.Minute)}}}
	if !Superseded(inst, at) {
		t.Fatalf("newer version should supersede the request")
	}
	if Superseded(inst, at.Add(time.Hour)) || Superseded(nil, at) {
		t.Fatalf("older or empty instance must not supersede")
	}
}

const qualParams = `{"questions":[
	{"uuid":"q-int","type":"qualInteger","labels":{"_default":"How many?"}},
	{"uuid":"q-one","type":"qualSelectOne","choices":[{"uuid":"yes"},{"uuid":"no"}]}
]}`

func qualInput(t *testing.T, e *Engine, inst *supplements.ActionInstance, p supplements.Payload) Input {
	t.Helper()
	transcribe := build(t, actions.ManualTranscription, `{"languages":["en"]}`)
	transcript, err := e.Revise(context.Background(), input(transcribe, nil, supplements.Payload{"language": "en", "value": "yes we do"}))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	in := input(build(t, actions.AutomaticQual, qualParams), inst, p)
	in.Siblings = supplements.QuestionSupplement{actions.ManualTranscription: {Single: transcript}}
	return in
}

func TestAutomaticQualVerifyAndAccept(t *testing.T) {
	r := &fakeRunner{result: actions.Complete("yes")}
	e, _ := newTestEngine(r)
	inst, err := e.Revise(context.Background(), qualInput(t, e, nil, supplements.Payload{"uuid": "q-one"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if v := inst.Newest(); v.Status() != supplements.StatusComplete || v.Value() != "yes" {
		t.Fatalf("answer: got=%+v", v.Data)
	}

	verified, err := e.Revise(context.Background(), qualInput(t, e, inst, supplements.Payload{"uuid": "q-one", "verified": true}))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(verified.Versions) != 1 {
		t.Fatalf("verification must not add a version: got=%d", len(verified.Versions))
	}
	v := verified.Newest()
	if !v.Verified || v.VerifiedAt == nil {
		t.Fatalf("verified: want set got verified=%v at=%v", v.Verified, v.VerifiedAt)
	}
	if v.Data.Has("verified") {
		t.Fatalf("verified flag leaked into data")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"_verified":true`) || !strings.Contains(string(raw), `"_dateVerified"`) {
		t.Fatalf("stored review fields: got=%s", raw)
	}
	if inst.Newest().Verified {
		t.Fatalf("input instance must not be mutated")
	}

	accepted, err := e.Revise(context.Background(), qualInput(t, e, verified, supplements.Payload{"uuid": "q-one", "accepted": true}))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(accepted.Versions) != 1 || accepted.Newest().AcceptedAt == nil {
		t.Fatalf("accept: versions=%d accepted=%v", len(accepted.Versions), accepted.Newest().AcceptedAt)
	}
	if r.calls != 1 {
		t.Fatalf("review must not call the processor: calls=%d", r.calls)
	}
}

func TestAutomaticQualVerifyWithoutValue(t *testing.T) {
	e, _ := newTestEngine(&fakeRunner{result: actions.Failed("model refused")})
	inst, err := e.Revise(context.Background(), qualInput(t, e, nil, supplements.Payload{"uuid": "q-int"}))
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if inst.Newest().Status() != supplements.StatusFailed {
		t.Fatalf("status: want failed got=%s", inst.Newest().Status())
	}
	_, err = e.Revise(context.Background(), qualInput(t, e, inst, supplements.Payload{"uuid": "q-int", "verified": true}))
	if !errors.Is(err, actions.ErrNothingToVerify) {
		t.Fatalf("want ErrNothingToVerify got=%v", err)
	}
	if _, err := e.Revise(context.Background(), qualInput(t, e, nil, supplements.Payload{"uuid": "q-int", "verified": true})); !errors.Is(err, actions.ErrNothingToVerify) {
		t.Fatalf("empty instance: want ErrNothingToVerify got=%v", err)
	}
}

type countingScheduler struct {
	mu sync.Mutex
	n  int
}

func (s *countingScheduler) Schedule(ctx context.Context, delay time.Duration, args async.PollArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return nil
}

func (s *countingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// transcriber starts one job per language. Resuming a job completes it once
// finish is set.
type transcriber struct {
	mu     sync.Mutex
	fresh  []string
	finish bool
}

func (p *transcriber) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Handle == "" {
		p.fresh = append(p.fresh, req.Language)
		return actions.Pending("op-" + req.Language), nil
	}
	if !p.finish {
		return actions.Pending(req.Handle), nil
	}
	return actions.Complete(strings.TrimPrefix(req.Handle, "op-") + " words"), nil
}

func newOrchestrated(p actions.Processor) (*Engine, *countingScheduler) {
	cache := async.NewMemoryCache()
	sched := &countingScheduler{}
	o := async.NewOrchestrator(logger.Nop(), p, cache, cache, sched, async.Config{SyncTimeout: time.Second})
	e, _ := newTestEngine(o)
	return e, sched
}

func TestRepeatedRequestSharesOneJob(t *testing.T) {
	p := &transcriber{}
	e, sched := newOrchestrated(p)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["en","fr"]}`)

	for i := 0; i < 2; i++ {
		inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en"}))
		if !errors.Is(err, actions.ErrStillRunning) || inst != nil {
			t.Fatalf("Revise %d: want ErrStillRunning and no instance got %v %v", i, inst, err)
		}
	}
	if len(p.fresh) != 1 {
		t.Fatalf("external jobs started: want=1 got=%v", p.fresh)
	}
	if sched.count() != 1 {
		t.Fatalf("scheduled polls: want=1 got=%d", sched.count())
	}
}

func TestChangedRequestDoesNotReuseJob(t *testing.T) {
	p := &transcriber{}
	e, _ := newOrchestrated(p)
	a := build(t, actions.AutomaticGoogleTranscription, `{"languages":["en","fr"]}`)

	if _, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "en"})); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("en: want ErrStillRunning got=%v", err)
	}
	if _, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "fr"})); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("fr: want ErrStillRunning got=%v", err)
	}
	p.mu.Lock()
	p.finish = true
	p.mu.Unlock()
	inst, err := e.Revise(context.Background(), input(a, nil, supplements.Payload{"language": "fr"}))
	if err != nil {
		t.Fatalf("fr result: %v", err)
	}
	v := inst.Newest()
	if v.Data.String("language") != "fr" || v.Value() != "fr words" {
		t.Fatalf("stored version: want fr/fr words got=%+v", v.Data)
	}
	if len(p.fresh) != 2 || p.fresh[1] != "fr" {
		t.Fatalf("external jobs started: got=%v", p.fresh)
	}
}
