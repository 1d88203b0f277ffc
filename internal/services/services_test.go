package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/actions/revise"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/data/graph"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	"github.com/yungbote/supplements-backend/internal/data/repos/testutil"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
)

type fakeRunner struct {
	mu     sync.Mutex
	result *actions.ExternalResult
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, req *actions.ProcessRequest, payload types.Payload) (*actions.ExternalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.result == nil || f.result.Status == types.StatusInProgress {
		return nil, actions.ErrStillRunning
	}
	return f.result, nil
}

func (f *fakeRunner) Forget(ctx context.Context, key string) {}

func (f *fakeRunner) set(res *actions.ExternalResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

type recordingSink struct{ edges []graph.VersionEdge }

func (r *recordingSink) Record(ctx context.Context, edges []graph.VersionEdge) error {
	r.edges = append(r.edges, edges...)
	return nil
}

type fixture struct {
	db      *gorm.DB
	asset   string
	runner  *fakeRunner
	sink    *recordingSink
	configs ConfigService
	subs    SubmissionService
	svc     SupplementService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	r := repos.New(db, log)
	f := &fixture{
		db:     db,
		asset:  "asset-" + uuid.NewString()[:8],
		runner: &fakeRunner{},
		sink:   &recordingSink{},
	}
	f.configs = NewConfigService(db, log, r.ActionConfigs, actions.NewCatalog())
	f.subs = NewSubmissionService(db, log, r.Snapshots)
	engine := revise.NewEngine(log, f.runner)
	f.svc = NewSupplementService(db, log, r.Supplements, f.configs, f.subs, engine, f.sink, SupplementServiceConfig{OutputWorkers: 2})

	ctx := context.Background()
	testutil.SeedActionConfig(t, ctx, db, f.asset, "audio", actions.ManualTranscription, `{"languages":["en"]}`)
	testutil.SeedActionConfig(t, ctx, db, f.asset, "audio", actions.AutomaticGoogleTranscription, `{"languages":["en"]}`)
	testutil.SeedActionConfig(t, ctx, db, f.asset, "audio", actions.AutomaticGoogleTranslation, `{"languages":["es","fr"]}`)
	return f
}

func (f *fixture) patch(t *testing.T, root, body string) (*PatchResult, error) {
	t.Helper()
	return f.svc.Patch(context.Background(), f.asset, root, json.RawMessage(body))
}

func TestPatchManualTranscriptionAndOutput(t *testing.T) {
	f := newFixture(t)
	res, err := f.patch(t, "root-1", `{"_version":"20250820","audio":{"manual_transcription":{"language":"en","value":"hello"}}}`)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !res.Changed() || len(res.Pending) != 0 {
		t.Fatalf("Patch: want changed with nothing pending got=%+v", res)
	}
	inst := res.Supplement.Entry("audio", actions.ManualTranscription).Get("")
	if inst == nil || len(inst.Versions) != 1 || inst.Newest().AcceptedAt == nil {
		t.Fatalf("manual version: got=%+v", inst)
	}

	out, err := f.svc.Output(dbctx.Background(context.Background()), f.asset, "root-1")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	got, _ := out["audio/transcript"].(map[string]any)
	if got["value"] != "hello" {
		t.Fatalf("audio/transcript: want hello got=%v", out["audio/transcript"])
	}

	stored, err := f.svc.Get(dbctx.Background(context.Background()), f.asset, "root-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Entry("audio", actions.ManualTranscription).Get("").Newest().ID != inst.Newest().ID {
		t.Fatalf("Get: stored version does not match patch result")
	}
}

func TestPatchRejectsBadEnvelope(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"wrong version":  `{"_version":"1999","audio":{"manual_transcription":{"language":"en","value":"x"}}}`,
		"bad payload":    `{"_version":"20250820","audio":{"manual_transcription":{"language":"en","value":"x","extra":1}}}`,
		"missing keying": `{"_version":"20250820","audio":{"automatic_google_translation":{}}}`,
	}
	for name, body := range cases {
		_, err := f.patch(t, "root-1", body)
		var sv *schema.SchemaViolation
		if !errors.As(err, &sv) {
			t.Fatalf("%s: want SchemaViolation got=%v", name, err)
		}
	}

	_, err := f.patch(t, "root-1", `{"_version":"20250820","video":{"manual_transcription":{"language":"en","value":"x"}}}`)
	if !errors.Is(err, actions.ErrInvalidQuestion) {
		t.Fatalf("unknown question: want ErrInvalidQuestion got=%v", err)
	}
	_, err = f.patch(t, "root-1", `{"_version":"20250820","audio":{"manual_qual":{"uuid":"q1","value":"x"}}}`)
	if !errors.Is(err, actions.ErrInvalidAction) {
		t.Fatalf("unconfigured action: want ErrInvalidAction got=%v", err)
	}
}

func TestPatchPendingThenPoll(t *testing.T) {
	f := newFixture(t)
	requestedAt := time.Now().UTC().Add(-time.Second)
	res, err := f.patch(t, "root-2", `{"_version":"20250820","audio":{"automatic_google_transcription":{"language":"en"}}}`)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if res.Changed() || len(res.Pending) != 1 || res.Pending[0] != "audio/automatic_google_transcription" {
		t.Fatalf("pending patch: got=%+v", res)
	}

	args := async.PollArgs{
		AssetUID:       f.asset,
		SubmissionRoot: "root-2",
		QuestionXPath:  "audio",
		ActionID:       actions.AutomaticGoogleTranscription,
		Payload:        types.Payload{"language": "en"},
		RequestedAt:    requestedAt,
		Attempt:        1,
	}
	if err := f.svc.Poll(context.Background(), args); !errors.Is(err, actions.ErrStillRunning) {
		t.Fatalf("Poll while running: want ErrStillRunning got=%v", err)
	}

	f.runner.set(actions.Complete("bonjour"))
	if err := f.svc.Poll(context.Background(), args.Next()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	calls := f.runner.calls
	if err := f.svc.Poll(context.Background(), args.Next().Next()); err != nil {
		t.Fatalf("superseded Poll: %v", err)
	}
	if f.runner.calls != calls {
		t.Fatalf("superseded poll must not reach the processor: calls=%d want=%d", f.runner.calls, calls)
	}

	supp, err := f.svc.Get(dbctx.Background(context.Background()), f.asset, "root-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	inst := supp.Entry("audio", actions.AutomaticGoogleTranscription).Get("")
	if inst == nil || len(inst.Versions) != 1 {
		t.Fatalf("versions: want 1 got=%+v", inst)
	}
	if inst.Newest().Status() != types.StatusComplete || inst.Newest().Value() != "bonjour" {
		t.Fatalf("polled version: status=%s value=%v", inst.Newest().Status(), inst.Newest().Value())
	}
}

func TestFailPermanentlyWritesFailedVersion(t *testing.T) {
	f := newFixture(t)
	args := async.PollArgs{
		AssetUID:       f.asset,
		SubmissionRoot: "root-3",
		QuestionXPath:  "audio",
		ActionID:       actions.AutomaticGoogleTranscription,
		Payload:        types.Payload{"language": "en"},
		RequestedAt:    time.Now().UTC().Add(-time.Minute),
		Attempt:        5,
	}
	if err := f.svc.FailPermanently(context.Background(), args, actions.MaxRetriesExceeded); err != nil {
		t.Fatalf("FailPermanently: %v", err)
	}
	supp, err := f.svc.Get(dbctx.Background(context.Background()), f.asset, "root-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v := supp.Entry("audio", actions.AutomaticGoogleTranscription).Get("").Newest()
	if v.Status() != types.StatusFailed || v.Data["error"] != actions.MaxRetriesExceeded {
		t.Fatalf("failed version: got=%+v", v.Data)
	}
}

func TestPollStoresTerminalErrorAsFailedVersion(t *testing.T) {
	f := newFixture(t)
	requestedAt := time.Now().UTC().Add(-time.Second)
	if _, err := f.patch(t, "root-9", `{"_version":"20250820","audio":{"automatic_google_transcription":{"language":"en"}}}`); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	d := async.NewDriver(testutil.Logger(t), f.svc, async.NewMemoryCache(), async.RetryPolicy{Base: time.Second, Multiplier: 2, Cap: 4 * time.Second, Window: time.Minute})
	args := async.PollArgs{
		AssetUID:       f.asset,
		SubmissionRoot: "root-9",
		QuestionXPath:  "audio",
		ActionID:       actions.AutomaticGoogleTranscription,
		Payload:        types.Payload{"language": "en"},
		RequestedAt:    requestedAt,
		Attempt:        1,
	}
	if _, done, err := d.Attempt(context.Background(), args); done || err != nil {
		t.Fatalf("running job: want retry got done=%v err=%v", done, err)
	}

	f.runner.set(actions.Complete(42))
	_, done, err := d.Attempt(context.Background(), args.Next())
	if !done || err != nil {
		t.Fatalf("bad provider output: want done got done=%v err=%v", done, err)
	}
	supp, err := f.svc.Get(dbctx.Background(context.Background()), f.asset, "root-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v := supp.Entry("audio", actions.AutomaticGoogleTranscription).Get("").Newest()
	want := "The external service returned an unexpected result."
	if v.Status() != types.StatusFailed || v.Data["error"] != want {
		t.Fatalf("failed version: want error=%q got=%+v", want, v.Data)
	}
}

func TestTranslationRecordsProvenance(t *testing.T) {
	f := newFixture(t)
	if _, err := f.patch(t, "root-4", `{"_version":"20250820","audio":{"manual_transcription":{"language":"en","value":"hello"}}}`); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	f.runner.set(actions.Complete("hola"))
	res, err := f.patch(t, "root-4", `{"_version":"20250820","audio":{"automatic_google_translation":{"es":{}}}}`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	inst := res.Supplement.Entry("audio", actions.AutomaticGoogleTranslation).Get("es")
	if inst == nil || inst.Newest().Value() != "hola" {
		t.Fatalf("translation: got=%+v", inst)
	}
	if len(f.sink.edges) != 1 || f.sink.edges[0].UpstreamAction != actions.ManualTranscription || f.sink.edges[0].Key != "es" {
		t.Fatalf("edges: got=%+v", f.sink.edges)
	}
}

func TestTranslationWithoutTranscriptFails(t *testing.T) {
	f := newFixture(t)
	f.runner.set(actions.Complete("hola"))
	_, err := f.patch(t, "root-5", `{"_version":"20250820","audio":{"automatic_google_translation":{"language":"es"}}}`)
	if !errors.Is(err, revise.ErrDependencyNotFound) {
		t.Fatalf("want ErrDependencyNotFound got=%v", err)
	}
}

func TestPatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.patch(t, "root-6", `{"_version":"20250820","audio":{"manual_transcription":{"language":"en","value":"hello"}}}`); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	f.runner.set(actions.Complete(42))
	_, err := f.patch(t, "root-6", `{"_version":"20250820","audio":{
		"manual_transcription":{"language":"en","value":"changed"},
		"automatic_google_translation":{"es":{}}
	}}`)
	var sv *schema.SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("want SchemaViolation got=%v", err)
	}

	stored, err := f.svc.Get(dbctx.Background(context.Background()), f.asset, "root-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	inst := stored.Entry("audio", actions.ManualTranscription).Get("")
	if inst == nil || len(inst.Versions) != 1 || inst.Newest().Value() != "hello" {
		t.Fatalf("stored transcript must be untouched: got=%+v", inst)
	}
	if stored.Entry("audio", actions.AutomaticGoogleTranslation).Get("es") != nil {
		t.Fatalf("no translation must be stored")
	}
	if len(f.sink.edges) != 0 {
		t.Fatalf("rolled back patch must not record provenance: got=%+v", f.sink.edges)
	}
}

func TestPatchRunsUpstreamActionsFirst(t *testing.T) {
	f := newFixture(t)
	f.runner.set(actions.Complete("hola"))
	res, err := f.patch(t, "root-7", `{"_version":"20250820","audio":{
		"automatic_google_translation":{"es":{}},
		"manual_transcription":{"language":"en","value":"hello"}
	}}`)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	transcript := res.Supplement.Entry("audio", actions.ManualTranscription).Get("")
	translation := res.Supplement.Entry("audio", actions.AutomaticGoogleTranslation).Get("es")
	if transcript == nil || translation == nil {
		t.Fatalf("both actions must be stored: transcript=%+v translation=%+v", transcript, translation)
	}
	dep := translation.Newest().Dependency
	if dep == nil || dep.ActionID != actions.ManualTranscription || dep.VersionID != transcript.Newest().ID {
		t.Fatalf("dependency: want %s/%s got=%+v", actions.ManualTranscription, transcript.Newest().ID, dep)
	}
}

func TestParsePatchOrdersUpstreamFirst(t *testing.T) {
	f := newFixture(t)
	set, err := f.configs.ActionSet(dbctx.Background(context.Background()), f.asset)
	if err != nil {
		t.Fatalf("ActionSet: %v", err)
	}
	items, err := ParsePatch(json.RawMessage(`{"_version":"20250820","audio":{
		"automatic_google_translation":{"es":{},"fr":{}},
		"automatic_google_transcription":{"language":"en"},
		"manual_transcription":{"language":"en","value":"hello"}
	}}`), set)
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("items: want=4 got=%d", len(items))
	}
	for i, it := range items[:2] {
		if it.Action.ID() == actions.AutomaticGoogleTranslation {
			t.Fatalf("item %d: translation must run after the transcriptions", i)
		}
	}
	if items[2].Key != "es" || items[3].Key != "fr" {
		t.Fatalf("translation keys: want es,fr got=%s,%s", items[2].Key, items[3].Key)
	}
}

func TestOutputManyFillsAbsentRoots(t *testing.T) {
	f := newFixture(t)
	for _, root := range []string{"r1", "r2"} {
		if _, err := f.patch(t, root, `{"_version":"20250820","audio":{"manual_transcription":{"language":"en","value":"`+root+`"}}}`); err != nil {
			t.Fatalf("patch %s: %v", root, err)
		}
	}
	out, err := f.svc.OutputMany(dbctx.Background(context.Background()), f.asset, []string{"r1", "r2", "r3"})
	if err != nil {
		t.Fatalf("OutputMany: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("roots: want 3 got=%d", len(out))
	}
	for _, root := range []string{"r1", "r2"} {
		got, _ := out[root]["audio/transcript"].(map[string]any)
		if got["value"] != root {
			t.Fatalf("%s: want=%s got=%v", root, root, out[root])
		}
	}
	if len(out["r3"]) != 0 {
		t.Fatalf("r3: want empty got=%v", out["r3"])
	}
}

func TestConfigReplaceValidatesParams(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Background(context.Background())
	_, err := f.configs.Replace(dbc, f.asset, []*types.AssetActionConfig{
		{QuestionXPath: "audio", ActionID: actions.ManualTranscription, Params: []byte(`{"languages":"en"}`)},
	})
	if err == nil {
		t.Fatalf("Replace: want params error")
	}
	if rows, _ := f.configs.List(dbc, f.asset); len(rows) != 3 {
		t.Fatalf("rejected replace must keep the old rows: got=%d", len(rows))
	}

	rows, err := f.configs.Replace(dbc, f.asset, []*types.AssetActionConfig{
		{QuestionXPath: "audio", ActionID: actions.ManualTranscription, Params: []byte(`{"languages":["en","fr"]}`)},
	})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Replace: rows=%d err=%v", len(rows), err)
	}
}

func TestSubmissionSnapshotResolve(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Background(context.Background())
	sub, err := f.subs.Resolve(dbc, f.asset, "root-9")
	if err != nil || sub.UUID != "root-9" {
		t.Fatalf("Resolve without snapshot: got=%+v err=%v", sub, err)
	}
	_, err = f.subs.Put(dbc, f.asset, types.Submission{
		UUID: "sub-9b", RootUUID: "root-9",
		Attachments: []types.Attachment{{QuestionXPath: "audio", StorageURI: "gs://bucket/a.mp3", MimeType: "audio/mpeg"}},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sub, err = f.subs.Resolve(dbc, f.asset, "root-9")
	if err != nil || sub.UUID != "sub-9b" || sub.AttachmentFor("audio") == nil {
		t.Fatalf("Resolve: got=%+v err=%v", sub, err)
	}
}
