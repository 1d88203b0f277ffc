package gcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type SpeechConfig struct {
	Model                      string
	UseEnhanced                bool
	EnableAutomaticPunctuation bool
	// Wait bounds how long a fresh operation is awaited before its name is
	// handed back for polling.
	Wait time.Duration
}

// SpeechProcessor transcribes audio attachments with long-running
// recognition. The operation name is the resumable handle.
type SpeechProcessor struct {
	log        *logger.Logger
	client     *speech.Client
	cfg        SpeechConfig
	maxRetries int
}

func NewSpeechProcessor(log *logger.Logger, cfg SpeechConfig) (*SpeechProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	c, err := speech.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &SpeechProcessor{
		log:        log.With("service", "gcp.Speech"),
		client:     c,
		cfg:        cfg,
		maxRetries: 4,
	}, nil
}

func (s *SpeechProcessor) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *SpeechProcessor) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	if req.Handle != "" {
		op := s.client.LongRunningRecognizeOperation(req.Handle)
		resp, err := op.Poll(ctx)
		if err != nil {
			return failedOrTransient(err)
		}
		if !op.Done() {
			return actions.Pending(op.Name()), nil
		}
		return actions.Complete(speechTranscript(resp)), nil
	}

	if req.Attachment == nil || !strings.HasPrefix(req.Attachment.StorageURI, "gs://") {
		return actions.Failed("no audio attachment for " + req.QuestionXPath), nil
	}
	rreq := &speechpb.LongRunningRecognizeRequest{
		Config: s.recognitionConfig(req.Attachment.MimeType, req.Attachment.StorageURI, speechLanguage(req.Language, req.Locale)),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: req.Attachment.StorageURI}},
	}

	var op *speech.LongRunningRecognizeOperation
	err := retryTransient(ctx, s.maxRetries, func() error {
		var err error
		op, err = s.client.LongRunningRecognize(ctx, rreq)
		return err
	})
	if err != nil {
		return failedOrTransient(err)
	}
	s.log.Info("speech operation started", "operation", op.Name(), "question_xpath", req.QuestionXPath)

	wait := s.cfg.Wait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	// Short clips often finish within the wait.
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	resp, err := op.Wait(wctx)
	if err != nil {
		if wctx.Err() != nil {
			return actions.Pending(op.Name()), nil
		}
		return failedOrTransient(err)
	}
	return actions.Complete(speechTranscript(resp)), nil
}

func (s *SpeechProcessor) recognitionConfig(mimeType, uri, language string) *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		LanguageCode:               language,
		Model:                      s.cfg.Model,
		UseEnhanced:                s.cfg.UseEnhanced,
		EnableAutomaticPunctuation: s.cfg.EnableAutomaticPunctuation,
		Encoding:                   inferSpeechEncoding(mimeType, uri),
	}
}

func inferSpeechEncoding(mimeType string, gcsURI string) speechpb.RecognitionConfig_AudioEncoding {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.ToLower(filepath.Ext(gcsURI))

	switch {
	case strings.Contains(m, "wav") || ext == ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case strings.Contains(m, "flac") || ext == ".flac":
		return speechpb.RecognitionConfig_FLAC
	case strings.Contains(m, "mp3") || strings.Contains(m, "mpeg") || ext == ".mp3":
		return speechpb.RecognitionConfig_MP3
	case strings.Contains(m, "ogg") || strings.Contains(m, "opus") || ext == ".ogg" || ext == ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case strings.Contains(m, "webm") || ext == ".webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func speechTranscript(resp *speechpb.LongRunningRecognizeResponse) string {
	if resp == nil {
		return ""
	}
	var full strings.Builder
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		t := strings.TrimSpace(r.Alternatives[0].Transcript)
		if t == "" {
			continue
		}
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(t)
	}
	return collapseWhitespace(full.String())
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

// failedOrTransient returns transient errors for a later retry and records
// everything else as a failed result.
func failedOrTransient(err error) (*actions.ExternalResult, error) {
	if isTransient(err) {
		return nil, err
	}
	if st, ok := status.FromError(err); ok && st.Message() != "" {
		return actions.Failed(st.Message()), nil
	}
	return actions.Failed(err.Error()), nil
}

func retryTransient(ctx context.Context, maxRetries int, fn func() error) error {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn()
		if err == nil {
			return nil
		}
		last = err
		if !isTransient(err) || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return last
}
