package gcp

import (
	"context"
	"fmt"
	"strings"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// VideoProcessor transcribes the speech track of video attachments.
type VideoProcessor struct {
	log        *logger.Logger
	client     *videointelligence.Client
	maxRetries int
}

func NewVideoProcessor(log *logger.Logger) (*VideoProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	c, err := videointelligence.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	return &VideoProcessor{
		log:        log.With("service", "gcp.VideoIntelligence"),
		client:     c,
		maxRetries: 3,
	}, nil
}

func (s *VideoProcessor) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *VideoProcessor) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	if req.Handle != "" {
		op := s.client.AnnotateVideoOperation(req.Handle)
		resp, err := op.Poll(ctx)
		if err != nil {
			return failedOrTransient(err)
		}
		if !op.Done() {
			return actions.Pending(op.Name()), nil
		}
		return actions.Complete(videoTranscript(resp)), nil
	}

	if req.Attachment == nil || !strings.HasPrefix(req.Attachment.StorageURI, "gs://") {
		return actions.Failed("no video attachment for " + req.QuestionXPath), nil
	}
	vreq := &vipb.AnnotateVideoRequest{
		InputUri: req.Attachment.StorageURI,
		Features: []vipb.Feature{vipb.Feature_SPEECH_TRANSCRIPTION},
		VideoContext: &vipb.VideoContext{
			SpeechTranscriptionConfig: &vipb.SpeechTranscriptionConfig{
				LanguageCode:               speechLanguage(req.Language, req.Locale),
				EnableAutomaticPunctuation: true,
			},
		},
	}

	var op *videointelligence.AnnotateVideoOperation
	err := retryTransient(ctx, s.maxRetries, func() error {
		var err error
		op, err = s.client.AnnotateVideo(ctx, vreq)
		return err
	})
	if err != nil {
		return failedOrTransient(err)
	}
	s.log.Info("video annotation started", "operation", op.Name(), "question_xpath", req.QuestionXPath)
	// Video jobs rarely finish inside a request; hand the name back for polling.
	return actions.Pending(op.Name()), nil
}

func videoTranscript(resp *vipb.AnnotateVideoResponse) string {
	if resp == nil {
		return ""
	}
	var full strings.Builder
	for _, ar := range resp.AnnotationResults {
		if ar == nil {
			continue
		}
		for _, tr := range ar.SpeechTranscriptions {
			if tr == nil || len(tr.Alternatives) == 0 || tr.Alternatives[0] == nil {
				continue
			}
			t := strings.TrimSpace(tr.Alternatives[0].Transcript)
			if t == "" {
				continue
			}
			if full.Len() > 0 {
				full.WriteString(" ")
			}
			full.WriteString(t)
		}
	}
	return collapseWhitespace(full.String())
}
