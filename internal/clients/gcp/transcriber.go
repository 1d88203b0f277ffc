package gcp

import (
	"context"
	"errors"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// Transcriber routes transcription requests by attachment type and resolves
// bare object keys before the first call.
type Transcriber struct {
	log    *logger.Logger
	bucket BucketService
	audio  actions.Processor
	video  actions.Processor
}

func NewTranscriber(log *logger.Logger, bucket BucketService, audio, video actions.Processor) *Transcriber {
	return &Transcriber{
		log:    log.With("service", "gcp.Transcriber"),
		bucket: bucket,
		audio:  audio,
		video:  video,
	}
}

func (t *Transcriber) Process(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
	if req.Attachment == nil {
		return actions.Failed("question has no attachment to transcribe"), nil
	}
	if req.Handle == "" && t.bucket != nil {
		att, err := t.bucket.Resolve(ctx, *req.Attachment)
		if errors.Is(err, ErrAttachmentMissing) {
			return actions.Failed(err.Error()), nil
		}
		if err != nil {
			return nil, err
		}
		req.Attachment = &att
	}
	target := t.audio
	if req.Attachment.IsVideo() && t.video != nil {
		target = t.video
	}
	if target == nil {
		return actions.Failed("no transcription backend configured"), nil
	}
	return target.Process(ctx, req)
}
