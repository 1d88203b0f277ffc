package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

const qualSystem = "You analyse survey responses for a researcher. Answer the question " +
	"using only the response text. Reply with a JSON object of the form {\"answer\": ...}."

// QualProcessor answers qualitative analysis questions for automatic and
// chained qual.
type QualProcessor struct {
	log    *logger.Logger
	client Client
}

func NewQualProcessor(log *logger.Logger, client Client) *QualProcessor {
	return &QualProcessor{log: log.With("service", "openai.Qual"), client: client}
}

func (p *QualProcessor) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	q := req.Question
	if q == nil {
		return actions.Failed("qual request without a question"), nil
	}
	user := qualPrompt(req)
	raw, err := p.client.GenerateJSON(ctx, qualSystem, user)
	if errors.Is(err, ErrRejected) {
		return actions.Failed(err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	var out struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || len(out.Answer) == 0 {
		p.log.Warn("unparseable qual answer", "question", q.UUID, "raw", raw)
		return actions.Failed("model returned an unreadable answer"), nil
	}
	v, err := CoerceAnswer(*q, out.Answer)
	if err != nil {
		return actions.Failed(err.Error()), nil
	}
	return actions.Complete(v), nil
}

func qualPrompt(req *actions.ProcessRequest) string {
	q := req.Question
	lang := req.Language
	var b strings.Builder
	if req.Prompt != "" {
		b.WriteString(req.Prompt)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "Question: %s\n\n", q.Label(lang))
		fmt.Fprintf(&b, "Response (%s):\n%s\n\n", orUnknown(req.SourceLanguage), req.SourceText)
	}
	switch q.Type {
	case actions.QualInteger:
		b.WriteString("The answer must be a single integer.")
	case actions.QualSelectOne, actions.QualSelectMultiple:
		if q.Type == actions.QualSelectOne {
			b.WriteString("Pick exactly one choice and answer with its id.\n")
		} else {
			b.WriteString("Pick every matching choice and answer with an array of ids.\n")
		}
		for _, c := range q.Choices {
			fmt.Fprintf(&b, "- id %s: %s\n", c.UUID, c.Label(lang))
		}
	case actions.QualTags:
		b.WriteString("Answer with an array of short tags.")
	default:
		b.WriteString("Answer with a short text.")
	}
	return b.String()
}

// CoerceAnswer converts a model answer into the stored shape of q.
func CoerceAnswer(q actions.QualQuestion, raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unreadable answer: %w", err)
	}
	switch q.Type {
	case actions.QualInteger:
		switch t := v.(type) {
		case float64:
			return math.Round(t), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("answer %q is not an integer", t)
			}
			return math.Round(n), nil
		}
		return nil, fmt.Errorf("answer is not an integer")
	case actions.QualSelectOne:
		s, _ := v.(string)
		if id, ok := matchChoice(q, s); ok {
			return id, nil
		}
		return nil, fmt.Errorf("answer %q matches no choice", s)
	case actions.QualSelectMultiple:
		out := []any{}
		for _, x := range asList(v) {
			s, _ := x.(string)
			if id, ok := matchChoice(q, s); ok && !containsAny(out, id) {
				out = append(out, id)
			}
		}
		return out, nil
	case actions.QualTags:
		out := []any{}
		for _, x := range asList(v) {
			if s := strings.TrimSpace(fmt.Sprint(x)); s != "" && !containsAny(out, s) {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return strings.TrimSpace(string(raw)), nil
	}
}

// matchChoice accepts a choice id or, failing that, a label.
func matchChoice(q actions.QualQuestion, s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, c := range q.Choices {
		if c.UUID == s {
			return c.UUID, true
		}
	}
	for _, c := range q.Choices {
		for _, l := range c.Labels {
			if strings.EqualFold(strings.TrimSpace(l), s) {
				return c.UUID, true
			}
		}
	}
	return "", false
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	case string:
		var out []any
		for _, part := range strings.Split(t, ",") {
			out = append(out, part)
		}
		return out
	default:
		return []any{t}
	}
}

func containsAny(xs []any, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
