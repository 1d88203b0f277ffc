package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

var (
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidQuestion = errors.New("invalid question")
	ErrInvalidParams   = errors.New("invalid action params")
	ErrNothingToAccept = errors.New("nothing to accept")
	ErrNothingToVerify = errors.New("nothing to verify")
	// ErrStillRunning is the transient signal of an outstanding external job.
	ErrStillRunning = errors.New("external process still running")
	// ErrSuperseded ends a poll chain whose external job was replaced by a
	// newer request for the same instance.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// MaxRetriesExceeded is the stored error of a poll chain that ran out of budget.
const MaxRetriesExceeded = "Maximum retries exceeded."

const (
	ManualTranscription          = "manual_transcription"
	ManualTranslation            = "manual_translation"
	AutomaticGoogleTranscription = "automatic_google_transcription"
	AutomaticGoogleTranslation   = "automatic_google_translation"
	ManualQual                   = "manual_qual"
	AutomaticQual                = "automatic_qual"
	AutomaticChainedQual         = "automatic_chained_qual"
)

// Action is the capability set shared by every variant.
type Action interface {
	ID() string
	Config() supplements.ActionConfig
	Schemas() *schema.Set
	// InstanceKey selects the keyed bucket; "" for single-instance actions.
	InstanceKey(p supplements.Payload) string
	// DependsOn lists the upstream action ids; empty when none.
	DependsOn() []string
	// BuildDependency resolves the upstream result a new version derives from.
	// It returns nil, nil when the action has no dependency.
	BuildDependency(question supplements.QuestionSupplement, p supplements.Payload) (*dependency.Upstream, error)
	// BuildRequest prepares the external call of an automatic action.
	BuildRequest(in RequestInput) (*ProcessRequest, error)
	ApplyReview(v *supplements.Version, r Review, now time.Time) error
	OutputFields(xpath string, entry *supplements.ActionEntry) []OutputField
}

type Review struct {
	Accepted *bool
	Verified *bool
}

func (r Review) IsSet() bool { return r.Accepted != nil || r.Verified != nil }

// OutputField is one candidate value for the flattened output. At is the
// review time of the contributing version, or the deletion time.
type OutputField struct {
	Name     string
	Value    any
	At       time.Time
	Deleted  bool
	ActionID string
	Version  string
}

type RequestInput struct {
	AssetUID      string
	Submission    supplements.Submission
	QuestionXPath string
	Key           string
	Payload       supplements.Payload
	Upstream      *dependency.Upstream
	RequestedAt   time.Time
}

// ProcessRequest is what an external processor receives.
type ProcessRequest struct {
	AssetUID       string                  `json:"asset_uid"`
	SubmissionUUID string                  `json:"submission_uuid"`
	SubmissionRoot string                  `json:"submission_root_uuid"`
	QuestionXPath  string                  `json:"question_xpath"`
	ActionID       string                  `json:"action_id"`
	Key            string                  `json:"key,omitempty"`
	Language       string                  `json:"language,omitempty"`
	Locale         string                  `json:"locale,omitempty"`
	SourceText     string                  `json:"source_text,omitempty"`
	SourceLanguage string                  `json:"source_language,omitempty"`
	Question       *QualQuestion           `json:"question,omitempty"`
	Prompt         string                  `json:"prompt,omitempty"`
	Attachment     *supplements.Attachment `json:"attachment,omitempty"`
	// UpstreamVersion is the version the request derives from, if any.
	UpstreamVersion string    `json:"upstream_version_id,omitempty"`
	Handle          string    `json:"handle,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
}

// CacheKey identifies the action instance an external job belongs to.
func (r *ProcessRequest) CacheKey() string {
	return InstanceCacheKey(r.AssetUID, r.SubmissionRoot, r.QuestionXPath, r.ActionID, r.Key)
}

// Fingerprint identifies what the external job computes. Two requests with
// the same fingerprint may share one job; any other request may not reuse
// its handle or outcome.
func (r *ProcessRequest) Fingerprint() string {
	b, _ := json.Marshal(struct {
		Key             string                  `json:"k"`
		Language        string                  `json:"l"`
		Locale          string                  `json:"lc"`
		SourceLanguage  string                  `json:"sl"`
		UpstreamVersion string                  `json:"uv"`
		Question        *QualQuestion           `json:"q"`
		Prompt          string                  `json:"p"`
		Attachment      *supplements.Attachment `json:"a"`
	}{r.Key, r.Language, r.Locale, r.SourceLanguage, r.UpstreamVersion, r.Question, r.Prompt, r.Attachment})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}

func InstanceCacheKey(assetUID, rootUUID, xpath, actionID, key string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", assetUID, rootUUID, xpath, actionID, key)
}

// ExternalResult is the raw answer of a processor. Handle is an opaque
// operation name that lets a later call resume an outstanding job.
type ExternalResult struct {
	Status string `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Handle string `json:"handle,omitempty"`
}

func Complete(v any) *ExternalResult {
	return &ExternalResult{Status: supplements.StatusComplete, Value: v}
}

func Failed(msg string) *ExternalResult {
	return &ExternalResult{Status: supplements.StatusFailed, Error: msg}
}

func Pending(handle string) *ExternalResult {
	return &ExternalResult{Status: supplements.StatusInProgress, Handle: handle}
}

// Processor performs the external work of an automatic action. An error
// means a transient failure; terminal failures come back as a failed result.
type Processor interface {
	Process(ctx context.Context, req *ProcessRequest) (*ExternalResult, error)
}

type ProcessorFunc func(ctx context.Context, req *ProcessRequest) (*ExternalResult, error)

func (f ProcessorFunc) Process(ctx context.Context, req *ProcessRequest) (*ExternalResult, error) {
	return f(ctx, req)
}
