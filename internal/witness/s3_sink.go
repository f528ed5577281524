package witness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type objectGetter interface {
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Sink writes witness documents to S3 paths like:
//
//	s3://<bucket>/<prefix>/anchors/YYYY/MM/DD/<seq>_<YYYY-MM-DD>.json
//
// Uploads are conditional on the key not existing yet.
type S3Sink struct {
	bucket   string
	prefix   string
	uploader uploader
	getter   objectGetter
}

// NewS3Sink creates an S3Sink using the default AWS credential chain
// (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Sink{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
		getter:   client,
	}, nil
}

// ObjectKey returns the object key for an anchor.
func (s *S3Sink) ObjectKey(seq int64, snapshotAt time.Time) string {
	year, month, day := snapshotAt.UTC().Date()
	return path.Join(s.prefix, "anchors",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		Name(seq, snapshotAt),
	)
}

// Put implements Sink. A precondition failure means the object already
// exists; it is accepted only if it records the same token.
func (s *S3Sink) Put(ctx context.Context, d *Document) error {
	if d == nil {
		return fmt.Errorf("nil witness")
	}
	b, err := d.Encode()
	if err != nil {
		return err
	}
	key := s.ObjectKey(d.Seq, d.SnapshotAt)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(b),
		ContentType:          aws.String("application/json"),
		IfNoneMatch:          aws.String("*"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		existing, gerr := s.fetch(ctx, key)
		if gerr != nil {
			return fmt.Errorf("read existing witness: %w", gerr)
		}
		if sameAnchor(existing, d) {
			return nil
		}
		return fmt.Errorf("s3://%s/%s: %w", s.bucket, key, ErrConflict)
	}
	return fmt.Errorf("s3 upload failed: %w", err)
}

// Get implements Reader.
func (s *S3Sink) Get(ctx context.Context, seq int64, snapshotAt time.Time) (*Document, error) {
	b, err := s.fetch(ctx, s.ObjectKey(seq, snapshotAt))
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

func (s *S3Sink) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
