package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

const translateSystem = "You translate survey responses. Reply with the translation only, " +
	"preserving meaning and tone. Do not add commentary or quotation marks."

// TranslationProcessor translates an upstream transcript into req.Language.
type TranslationProcessor struct {
	log    *logger.Logger
	client Client
}

func NewTranslationProcessor(log *logger.Logger, client Client) *TranslationProcessor {
	return &TranslationProcessor{log: log.With("service", "openai.Translation"), client: client}
}

func (p *TranslationProcessor) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	if strings.TrimSpace(req.Language) == "" {
		return actions.Failed("translation target language is required"), nil
	}
	if strings.TrimSpace(req.SourceText) == "" {
		return actions.Complete(""), nil
	}
	if sameLanguage(req.SourceLanguage, req.Language) {
		return actions.Complete(req.SourceText), nil
	}
	user := fmt.Sprintf("Source language: %s\nTarget language: %s\n\n%s", orUnknown(req.SourceLanguage), req.Language, req.SourceText)
	out, err := p.client.GenerateText(ctx, translateSystem, user)
	if errors.Is(err, ErrRejected) {
		return actions.Failed(err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return actions.Complete(out), nil
}

// sameLanguage compares primary subtags, so "en" matches "en-US".
func sameLanguage(a, b string) bool {
	primary := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if i := strings.IndexAny(s, "-_"); i >= 0 {
			s = s[:i]
		}
		return s
	}
	return primary(a) != "" && primary(a) == primary(b)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
