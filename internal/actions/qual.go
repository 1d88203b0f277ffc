package actions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

var qualUpstream = []string{
	AutomaticGoogleTranscription, ManualTranscription,
	AutomaticGoogleTranslation, ManualTranslation,
}

func qualField(xpath, key string, _ *supplements.Version) string {
	return xpath + "/qual/" + key
}

// answerSchema is the shape of a non-null answer to q.
func answerSchema(q QualQuestion) schema.Builder {
	switch q.Type {
	case QualInteger:
		return schema.Integer
	case QualSelectOne:
		return func() *jsonschema.Schema { return schema.Enum(q.ChoiceUUIDs()...) }
	case QualSelectMultiple:
		return func() *jsonschema.Schema { return schema.ArrayOf(schema.Enum(q.ChoiceUUIDs()...)) }
	case QualTags:
		return func() *jsonschema.Schema { return schema.ArrayOf(schema.String()) }
	default:
		return schema.String
	}
}

func qualUUIDs(qs []QualQuestion) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.UUID)
	}
	return out
}

func qualDataSchema(automatic bool) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"uuid":  schema.NonEmptyString(),
		"value": schema.Any(),
	}
	if !automatic {
		return schema.Object(props, "uuid", "value")
	}
	props["status"] = schema.Enum(supplements.StatusInProgress, supplements.StatusComplete, supplements.StatusFailed, supplements.StatusDeleted)
	props["error"] = schema.String()
	return schema.Object(props, "uuid", "status")
}

func manualQualSchemas(p QualParams) (*schema.Set, error) {
	var branches []*jsonschema.Schema
	for _, q := range p.answerable() {
		branches = append(branches, schema.Object(map[string]*jsonschema.Schema{
			"uuid":  schema.Const(q.UUID),
			"value": schema.Nullable(answerSchema(q)()),
		}, "uuid", "value"))
	}
	return schema.NewSet(schema.OneOf(branches...), nil, qualDataSchema(false))
}

func automaticQualSchemas(p QualParams) (*schema.Set, error) {
	uuids := qualUUIDs(p.answerable())
	uuid := func() *jsonschema.Schema { return schema.Enum(uuids...) }
	input := schema.OneOf(
		schema.Object(map[string]*jsonschema.Schema{"uuid": uuid()}, "uuid"),
		schema.Object(map[string]*jsonschema.Schema{"uuid": uuid(), "value": schema.Null()}, "uuid", "value"),
		schema.Object(map[string]*jsonschema.Schema{"uuid": uuid(), "verified": schema.Boolean()}, "uuid", "verified"),
		schema.Object(map[string]*jsonschema.Schema{"uuid": uuid(), "accepted": schema.Boolean()}, "uuid", "accepted"),
	)
	var branches []*jsonschema.Schema
	for _, q := range p.answerable() {
		id := q.UUID
		branches = append(branches, schema.ExternalResult(map[string]schema.Builder{
			"uuid": func() *jsonschema.Schema { return schema.Const(id) },
		}, []string{"uuid"}, answerSchema(q)))
	}
	return schema.NewSet(input, schema.OneOf(branches...), qualDataSchema(true))
}

func decodeQualParams(cfg supplements.ActionConfig, chained bool) (QualParams, error) {
	var p QualParams
	if err := decodeParams(cfg.Params, &p); err != nil {
		return p, err
	}
	if err := p.check(chained); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}

type manualQual struct{ base }

func newManualQual(cfg supplements.ActionConfig) (Action, error) {
	p, err := decodeQualParams(cfg, false)
	if err != nil {
		return nil, err
	}
	set, err := manualQualSchemas(p)
	if err != nil {
		return nil, err
	}
	return &manualQual{base{cfg: cfg, schemas: set, field: qualField}}, nil
}

type automaticQual struct {
	base
	params QualParams
}

func newAutomaticQual(cfg supplements.ActionConfig) (Action, error) {
	p, err := decodeQualParams(cfg, false)
	if err != nil {
		return nil, err
	}
	set, err := automaticQualSchemas(p)
	if err != nil {
		return nil, err
	}
	return &automaticQual{
		base:   base{cfg: cfg, schemas: set, upstream: qualUpstream, field: qualField},
		params: p,
	}, nil
}

func (a *automaticQual) BuildDependency(question supplements.QuestionSupplement, _ supplements.Payload) (*dependency.Upstream, error) {
	return dependency.FindLatestAccepted(question, a.upstream, dependency.Options{Language: a.params.Language})
}

func (a *automaticQual) BuildRequest(in RequestInput) (*ProcessRequest, error) {
	q, ok := a.params.Find(in.Payload.String("uuid"))
	if !ok {
		return nil, fmt.Errorf("%w: unknown qual question %q", ErrInvalidParams, in.Payload.String("uuid"))
	}
	if in.Upstream == nil {
		return nil, fmt.Errorf("qual analysis of %s requires a transcript or translation", in.QuestionXPath)
	}
	req := a.newRequest(in)
	req.Question = &q
	req.SourceText = in.Upstream.Text()
	req.SourceLanguage = in.Upstream.Language
	req.Language = in.Upstream.Language
	return req, nil
}

// automaticChainedQual answers a question from the accepted answer to another
// qual question, rendered into a per-question prompt.
type automaticChainedQual struct {
	base
	params QualParams
}

func newAutomaticChainedQual(cfg supplements.ActionConfig) (Action, error) {
	p, err := decodeQualParams(cfg, true)
	if err != nil {
		return nil, err
	}
	set, err := automaticQualSchemas(p)
	if err != nil {
		return nil, err
	}
	upstream := map[string]bool{}
	for _, q := range p.answerable() {
		upstream[q.Source.ActionID] = true
	}
	ids := make([]string, 0, len(upstream))
	for id := range upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &automaticChainedQual{
		base:   base{cfg: cfg, schemas: set, upstream: ids, field: qualField},
		params: p,
	}, nil
}

func (a *automaticChainedQual) BuildDependency(question supplements.QuestionSupplement, p supplements.Payload) (*dependency.Upstream, error) {
	q, ok := a.params.Find(p.String("uuid"))
	if !ok || q.Source == nil {
		return nil, fmt.Errorf("%w: unknown qual question %q", ErrInvalidParams, p.String("uuid"))
	}
	return dependency.FindLatestAccepted(question, []string{q.Source.ActionID}, dependency.Options{Key: q.Source.QuestionUUID})
}

func (a *automaticChainedQual) BuildRequest(in RequestInput) (*ProcessRequest, error) {
	q, ok := a.params.Find(in.Payload.String("uuid"))
	if !ok {
		return nil, fmt.Errorf("%w: unknown qual question %q", ErrInvalidParams, in.Payload.String("uuid"))
	}
	if in.Upstream == nil {
		return nil, fmt.Errorf("chained qual of %s requires an accepted source answer", in.QuestionXPath)
	}
	req := a.newRequest(in)
	req.Question = &q
	req.SourceText = answerText(in.Upstream.Value)
	req.Prompt = RenderPrompt(q.Prompt, req.SourceText, q.Label(""))
	return req, nil
}

// RenderPrompt fills the {{answer}} and {{question}} placeholders.
func RenderPrompt(tpl, answer, question string) string {
	return strings.NewReplacer("{{answer}}", answer, "{{question}}", question).Replace(tpl)
}

func answerText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, answerText(x))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	default:
		return fmt.Sprint(t)
	}
}
