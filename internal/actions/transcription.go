package actions

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

var transcriptionUpstream = []string{AutomaticGoogleTranscription, ManualTranscription}

func transcriptField(xpath, _ string, _ *supplements.Version) string {
	return xpath + "/transcript"
}

func transcriptValue(v *supplements.Version) any {
	lang := v.Data.String("language")
	if loc := v.Data.String("locale"); loc != "" {
		lang = loc
	}
	return map[string]any{"language": lang, "value": v.Value()}
}

func translationField(xpath, key string, _ *supplements.Version) string {
	return xpath + "/translation/" + key
}

// manualSchemas covers manual transcription and translation: the caller
// sends the text, or null to delete.
func manualSchemas(langs []string) (*schema.Set, error) {
	input := schema.Object(map[string]*jsonschema.Schema{
		"language": schema.Enum(langs...),
		"locale":   schema.NonEmptyString(),
		"value":    schema.NullableString(),
	}, "language", "value")
	data := schema.Object(map[string]*jsonschema.Schema{
		"language": schema.NonEmptyString(),
		"locale":   schema.NonEmptyString(),
		"value":    schema.NullableString(),
	}, "language", "value")
	return schema.NewSet(input, nil, data)
}

// automaticSchemas covers automatic transcription and translation: the
// caller requests, deletes or accepts; the processor supplies the text.
func automaticSchemas(langs []string) (*schema.Set, error) {
	lang := func() *jsonschema.Schema { return schema.Enum(langs...) }
	input := schema.OneOf(
		schema.Object(map[string]*jsonschema.Schema{
			"language": lang(),
			"locale":   schema.NonEmptyString(),
		}, "language"),
		schema.Object(map[string]*jsonschema.Schema{
			"language": lang(),
			"value":    schema.Null(),
		}, "language", "value"),
		schema.Object(map[string]*jsonschema.Schema{
			"language": lang(),
			"accepted": schema.Boolean(),
		}, "language", "accepted"),
	)
	external := schema.ExternalResult(map[string]schema.Builder{
		"language": lang,
		"locale":   schema.NonEmptyString,
	}, []string{"language"}, schema.String)
	data := schema.Object(map[string]*jsonschema.Schema{
		"language": schema.NonEmptyString(),
		"locale":   schema.NonEmptyString(),
		"status":   schema.Enum(supplements.StatusInProgress, supplements.StatusComplete, supplements.StatusFailed, supplements.StatusDeleted),
		"value":    schema.NullableString(),
		"error":    schema.String(),
	}, "language", "status")
	return schema.NewSet(input, external, data)
}

type manualTranscription struct{ base }

func newManualTranscription(cfg supplements.ActionConfig) (Action, error) {
	var p LanguageParams
	if err := decodeParams(cfg.Params, &p); err != nil {
		return nil, err
	}
	set, err := manualSchemas(p.Languages)
	if err != nil {
		return nil, err
	}
	return &manualTranscription{base{cfg: cfg, schemas: set, field: transcriptField, value: transcriptValue}}, nil
}

type automaticTranscription struct {
	base
	params LanguageParams
}

func newAutomaticTranscription(cfg supplements.ActionConfig) (Action, error) {
	var p LanguageParams
	if err := decodeParams(cfg.Params, &p); err != nil {
		return nil, err
	}
	set, err := automaticSchemas(p.Languages)
	if err != nil {
		return nil, err
	}
	return &automaticTranscription{
		base:   base{cfg: cfg, schemas: set, field: transcriptField, value: transcriptValue},
		params: p,
	}, nil
}

func (a *automaticTranscription) BuildRequest(in RequestInput) (*ProcessRequest, error) {
	req := a.newRequest(in)
	req.Language = in.Payload.String("language")
	req.Locale = in.Payload.String("locale")
	if att := in.Submission.AttachmentFor(in.QuestionXPath); att != nil {
		cp := *att
		req.Attachment = &cp
	}
	return req, nil
}

type manualTranslation struct{ base }

func newManualTranslation(cfg supplements.ActionConfig) (Action, error) {
	var p LanguageParams
	if err := decodeParams(cfg.Params, &p); err != nil {
		return nil, err
	}
	set, err := manualSchemas(p.Languages)
	if err != nil {
		return nil, err
	}
	return &manualTranslation{base{cfg: cfg, schemas: set, upstream: transcriptionUpstream, field: translationField}}, nil
}

type automaticTranslation struct{ base }

func newAutomaticTranslation(cfg supplements.ActionConfig) (Action, error) {
	var p LanguageParams
	if err := decodeParams(cfg.Params, &p); err != nil {
		return nil, err
	}
	set, err := automaticSchemas(p.Languages)
	if err != nil {
		return nil, err
	}
	return &automaticTranslation{base{cfg: cfg, schemas: set, upstream: transcriptionUpstream, field: translationField}}, nil
}

func (a *automaticTranslation) BuildRequest(in RequestInput) (*ProcessRequest, error) {
	if in.Upstream == nil {
		return nil, fmt.Errorf("translation of %s requires a transcript", in.QuestionXPath)
	}
	req := a.newRequest(in)
	req.Language = in.Payload.String("language")
	req.Locale = in.Payload.String("locale")
	req.SourceText = in.Upstream.Text()
	req.SourceLanguage = in.Upstream.Language
	return req, nil
}
