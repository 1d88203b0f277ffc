package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

type LanguageParams struct {
	Languages []string `json:"languages" validate:"omitempty,unique,dive,min=2,max=35"`
}

const (
	QualInteger        = "qualInteger"
	QualText           = "qualText"
	QualSelectOne      = "qualSelectOne"
	QualSelectMultiple = "qualSelectMultiple"
	QualTags           = "qualTags"
	QualNote           = "qualNote"
)

type QualChoice struct {
	UUID   string            `json:"uuid" validate:"required"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (c QualChoice) Label(lang string) string { return pickLabel(c.Labels, lang, c.UUID) }

type QualSource struct {
	ActionID     string `json:"action_id" validate:"required,oneof=manual_qual automatic_qual"`
	QuestionUUID string `json:"question_uuid" validate:"required"`
}

type QualQuestion struct {
	UUID    string            `json:"uuid" validate:"required"`
	Type    string            `json:"type" validate:"required,oneof=qualInteger qualText qualSelectOne qualSelectMultiple qualTags qualNote"`
	Labels  map[string]string `json:"labels,omitempty"`
	Choices []QualChoice      `json:"choices,omitempty" validate:"omitempty,dive"`
	// Source and Prompt are only used by chained qual.
	Source *QualSource `json:"source,omitempty" validate:"omitempty"`
	Prompt string      `json:"prompt,omitempty"`
}

// Label prefers the given language and falls back to "_default" then any label.
func (q QualQuestion) Label(lang string) string { return pickLabel(q.Labels, lang, q.UUID) }

func pickLabel(labels map[string]string, lang, fallback string) string {
	if l, ok := labels[lang]; ok && l != "" {
		return l
	}
	if l, ok := labels["_default"]; ok && l != "" {
		return l
	}
	keys := make([]string, 0, len(labels))
	for k, l := range labels {
		if l != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		return labels[keys[0]]
	}
	return fallback
}

func (q QualQuestion) ChoiceUUIDs() []string {
	out := make([]string, 0, len(q.Choices))
	for _, c := range q.Choices {
		out = append(out, c.UUID)
	}
	return out
}

// HasData is false for notes, which carry no answer.
func (q QualQuestion) HasData() bool { return q.Type != QualNote }

type QualParams struct {
	Questions []QualQuestion `json:"questions" validate:"required,min=1,dive"`
	// Language restricts the upstream transcript or translation used by automatic qual.
	Language string `json:"language,omitempty" validate:"omitempty,min=2,max=35"`
}

func (p QualParams) Find(uuid string) (QualQuestion, bool) {
	for _, q := range p.Questions {
		if q.UUID == uuid {
			return q, true
		}
	}
	return QualQuestion{}, false
}

func (p QualParams) answerable() []QualQuestion {
	out := make([]QualQuestion, 0, len(p.Questions))
	for _, q := range p.Questions {
		if q.HasData() {
			out = append(out, q)
		}
	}
	return out
}

func (p QualParams) check(chained bool) error {
	seen := map[string]bool{}
	for _, q := range p.Questions {
		if seen[q.UUID] {
			return fmt.Errorf("duplicate question uuid %q", q.UUID)
		}
		seen[q.UUID] = true
		if (q.Type == QualSelectOne || q.Type == QualSelectMultiple) && len(q.Choices) == 0 {
			return fmt.Errorf("question %q of type %s needs choices", q.UUID, q.Type)
		}
		if chained && q.HasData() {
			if q.Source == nil {
				return fmt.Errorf("question %q needs a source", q.UUID)
			}
			if q.Prompt == "" {
				return fmt.Errorf("question %q needs a prompt", q.UUID)
			}
		}
	}
	if len(p.answerable()) == 0 {
		return fmt.Errorf("at least one answerable question is required")
	}
	return nil
}

// decodeParams unmarshals and validates variant params. Empty params decode
// to the zero value before validation.
func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if err := paramsValidator().Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
