// Package s3store implements storage.ObjectStore on Amazon S3.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxObjectSize bounds how much of an object Get reads into memory.
const maxObjectSize = 256 << 20

// API is the subset of the S3 client used by the store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is an S3-backed object store.
type Store struct {
	api API
}

var _ storage.ObjectStore = (*Store)(nil)

// New creates a store. Use s3.NewFromConfig to build api.
func New(api API) *Store {
	return &Store{api: api}
}

// Put uploads body, replacing any existing object at key.
func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get downloads an object. Missing keys return an apperrors.ErrNotFound error.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, apperrors.NotFound("object", bucket+"/"+key)
		}
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3 read %s/%s: %w", bucket, key, err)
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("s3 object %s/%s exceeds %d bytes", bucket, key, maxObjectSize)
	}
	return data, nil
}

// Ready verifies the bucket exists and is reachable with the configured credentials.
// A missing bucket is reported as apperrors.ErrNotFound.
func (s *Store) Ready(ctx context.Context, bucket string) error {
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		var notFound *types.NotFound
		var apiErr smithy.APIError
		if errors.As(err, &notFound) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket") {
			return apperrors.NotFound("bucket", bucket)
		}
		return apperrors.Transport("s3.HeadBucket", err)
	}
	return nil
}
