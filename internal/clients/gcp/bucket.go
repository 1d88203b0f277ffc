package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/supplements-backend/internal/domain/supplements"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

var ErrAttachmentMissing = errors.New("attachment object not found")

// BucketService resolves submission attachments to gs:// objects.
type BucketService interface {
	// Resolve returns a copy of att with a gs:// uri and a content type.
	Resolve(ctx context.Context, att supplements.Attachment) (supplements.Attachment, error)
	Close() error
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucket        string
}

// NewBucketService builds a storage client. Attachments given as bare object
// keys are looked up in bucket.
func NewBucketService(log *logger.Logger, bucket string) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")
	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	stClient, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucket:        strings.TrimSpace(bucket),
	}, nil
}

func (b *bucketService) Close() error {
	if b == nil || b.storageClient == nil {
		return nil
	}
	return b.storageClient.Close()
}

func (b *bucketService) Resolve(ctx context.Context, att supplements.Attachment) (supplements.Attachment, error) {
	bucket, object, err := SplitURI(att.StorageURI, b.bucket)
	if err != nil {
		return att, err
	}
	attrs, err := b.storageClient.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return att, fmt.Errorf("%w: gs://%s/%s", ErrAttachmentMissing, bucket, object)
	}
	if err != nil {
		return att, fmt.Errorf("object attrs: %w", err)
	}
	out := att
	out.StorageURI = "gs://" + bucket + "/" + object
	if strings.TrimSpace(out.MimeType) == "" {
		out.MimeType = attrs.ContentType
	}
	return out, nil
}

// SplitURI parses gs://bucket/object, or treats uri as an object key in
// defaultBucket.
func SplitURI(uri, defaultBucket string) (string, string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", "", fmt.Errorf("empty storage uri")
	}
	if rest, ok := strings.CutPrefix(uri, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return "", "", fmt.Errorf("malformed storage uri %q", uri)
		}
		return bucket, object, nil
	}
	if strings.Contains(uri, "://") {
		return "", "", fmt.Errorf("unsupported storage uri %q", uri)
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("object key %q given but no attachment bucket configured", uri)
	}
	return defaultBucket, strings.TrimPrefix(uri, "/"), nil
}
