package gcp

import (
	"context"
	"errors"
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

func TestSplitURI(t *testing.T) {
	cases := []struct {
		uri, def, bucket, object string
		wantErr                  bool
	}{
		{uri: "gs://b/a/o.ogg", bucket: "b", object: "a/o.ogg"},
		{uri: "a/o.ogg", def: "att", bucket: "att", object: "a/o.ogg"},
		{uri: "a/o.ogg", wantErr: true},
		{uri: "https://x/y", def: "att", wantErr: true},
		{uri: "gs://b", wantErr: true},
	}
	for _, c := range cases {
		b, o, err := SplitURI(c.uri, c.def)
		if c.wantErr {
			if err == nil {
				t.Fatalf("SplitURI(%q): want error", c.uri)
			}
			continue
		}
		if err != nil || b != c.bucket || o != c.object {
			t.Fatalf("SplitURI(%q): want=%s/%s got=%s/%s err=%v", c.uri, c.bucket, c.object, b, o, err)
		}
	}
}

func TestInferSpeechEncoding(t *testing.T) {
	if got := inferSpeechEncoding("audio/ogg", ""); got != speechpb.RecognitionConfig_OGG_OPUS {
		t.Fatalf("ogg: got=%v", got)
	}
	if got := inferSpeechEncoding("", "gs://b/x.wav"); got != speechpb.RecognitionConfig_LINEAR16 {
		t.Fatalf("wav: got=%v", got)
	}
	if got := inferSpeechEncoding("audio/x-unknown", "gs://b/x"); got != speechpb.RecognitionConfig_ENCODING_UNSPECIFIED {
		t.Fatalf("unknown: got=%v", got)
	}
}

func TestTranscriptsJoinResults(t *testing.T) {
	resp := &speechpb.LongRunningRecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " hello "}}},
		{},
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "world"}}},
	}}
	if got := speechTranscript(resp); got != "hello world" {
		t.Fatalf("speechTranscript: want=%q got=%q", "hello world", got)
	}
	vresp := &vipb.AnnotateVideoResponse{AnnotationResults: []*vipb.VideoAnnotationResults{{
		SpeechTranscriptions: []*vipb.SpeechTranscription{
			{Alternatives: []*vipb.SpeechRecognitionAlternative{{Transcript: "bonjour"}}},
			{Alternatives: []*vipb.SpeechRecognitionAlternative{{Transcript: "le  monde"}}},
		},
	}}}
	if got := videoTranscript(vresp); got != "bonjour le monde" {
		t.Fatalf("videoTranscript: got=%q", got)
	}
}

func TestFailedOrTransient(t *testing.T) {
	res, err := failedOrTransient(status.Error(codes.Unavailable, "busy"))
	if err == nil || res != nil {
		t.Fatalf("unavailable: want transient error got res=%v err=%v", res, err)
	}
	res, err = failedOrTransient(status.Error(codes.InvalidArgument, "bad audio"))
	if err != nil || res == nil || res.Status != supplements.StatusFailed || res.Error != "bad audio" {
		t.Fatalf("invalid argument: want failed result got res=%+v err=%v", res, err)
	}
}

type fakeBucket struct{ err error }

func (f fakeBucket) Resolve(ctx context.Context, att supplements.Attachment) (supplements.Attachment, error) {
	if f.err != nil {
		return att, f.err
	}
	att.StorageURI = "gs://att/" + att.StorageURI
	att.MimeType = "video/mp4"
	return att, nil
}

func (fakeBucket) Close() error { return nil }

func TestTranscriberRoutesByMime(t *testing.T) {
	var hit string
	audio := actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		hit = "audio"
		return actions.Complete("a"), nil
	})
	video := actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		hit = "video:" + req.Attachment.StorageURI
		return actions.Complete("v"), nil
	})
	tr := NewTranscriber(logger.Nop(), fakeBucket{}, audio, video)
	req := &actions.ProcessRequest{Attachment: &supplements.Attachment{StorageURI: "clip.mp4"}}
	if _, err := tr.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if hit != "video:gs://att/clip.mp4" {
		t.Fatalf("route: got=%s", hit)
	}

	tr = NewTranscriber(logger.Nop(), fakeBucket{err: ErrAttachmentMissing}, audio, video)
	res, err := tr.Process(context.Background(), &actions.ProcessRequest{Attachment: &supplements.Attachment{StorageURI: "gone.ogg"}})
	if err != nil || res.Status != supplements.StatusFailed {
		t.Fatalf("missing object: want failed result got res=%+v err=%v", res, err)
	}

	tr = NewTranscriber(logger.Nop(), fakeBucket{err: errors.New("network")}, audio, video)
	if _, err := tr.Process(context.Background(), &actions.ProcessRequest{Attachment: &supplements.Attachment{StorageURI: "x.ogg"}}); err == nil {
		t.Fatalf("bucket outage: want transient error")
	}
}
