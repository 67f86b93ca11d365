package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client this package calls, so tests can
// substitute a fake without standing up a real bucket.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store is the production BlobStore, backed by a single S3 bucket (or
// an S3-compatible store reachable via a custom endpoint).
type S3Store struct {
	client s3API
	bucket string
	logger *slog.Logger

	degraded atomic.Bool
}

// NewS3Store wraps client for bucket.
func NewS3Store(client *s3.Client, bucket string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

func (s *S3Store) noteOutcome(err error) {
	if err == nil {
		s.degraded.Store(false)
		return
	}
	if isTransportError(err) {
		if !s.degraded.Swap(true) {
			s.logger.Warn("blobstore: s3 unreachable, degrading", "bucket", s.bucket, "error", err)
		}
	}
}

func isTransportError(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return false
	}
	var nfound *types.NotFound
	if errors.As(err, &nfound) {
		return false
	}
	return true
}

// Degraded implements BlobStore.
func (s *S3Store) Degraded() bool { return s.degraded.Load() }

// Put implements BlobStore.
func (s *S3Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	s.noteOutcome(err)
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", path, err)
	}
	return nil
}

// Get implements BlobStore.
func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if isNoSuchKey(err) {
		return nil, ErrNotFound
	}
	s.noteOutcome(err)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read body %s: %w", path, err)
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NoSuchKey
	var nfound *types.NotFound
	return errors.As(err, &nf) || errors.As(err, &nfound)
}

// Exists implements BlobStore.
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if isNoSuchKey(err) {
		return false, nil
	}
	s.noteOutcome(err)
	if err != nil {
		return false, fmt.Errorf("blobstore: head %s: %w", path, err)
	}
	return true, nil
}

// DeletePrefix implements BlobStore by paging ListObjectsV2 and batching
// DeleteObjects in groups of up to 1000 keys (the S3 API's batch limit).
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var removed int
	var continuation *string

	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		s.noteOutcome(err)
		if err != nil {
			return removed, fmt.Errorf("blobstore: list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			break
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			s.noteOutcome(err)
			return removed, fmt.Errorf("blobstore: delete batch under %s: %w", prefix, err)
		}
		removed += len(ids)

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuation = page.NextContinuationToken
	}

	return removed, nil
}
