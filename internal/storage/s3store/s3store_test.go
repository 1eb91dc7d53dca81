package s3store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"trainpipe/internal/apperrors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	objects  map[string]string
	putInput *s3.PutObjectInput
	putBody  string
	putErr   error
	getErr   error
	headErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.putInput = params
	body, _ := io.ReadAll(params.Body)
	f.putBody = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestPut(t *testing.T) {
	t.Parallel()
	api := &fakeS3{}
	store := New(api)

	if err := store.Put(context.Background(), "logs", "logs/training/bundle.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if aws.ToString(api.putInput.Bucket) != "logs" || aws.ToString(api.putInput.Key) != "logs/training/bundle.txt" {
		t.Errorf("unexpected target %s/%s", aws.ToString(api.putInput.Bucket), aws.ToString(api.putInput.Key))
	}
	if api.putBody != "hello" || aws.ToInt64(api.putInput.ContentLength) != 5 {
		t.Errorf("unexpected body %q (len %d)", api.putBody, aws.ToInt64(api.putInput.ContentLength))
	}
	if aws.ToString(api.putInput.ContentType) != "text/plain" {
		t.Errorf("ContentType = %q", aws.ToString(api.putInput.ContentType))
	}

	api.putErr = errors.New("AccessDenied")
	if err := store.Put(context.Background(), "logs", "k", nil, ""); err == nil {
		t.Error("expected Put() to fail")
	}
}

func TestGet(t *testing.T) {
	t.Parallel()
	store := New(&fakeS3{objects: map[string]string{"data/cv_results.csv": "a,b\n1,2\n"}})

	data, err := store.Get(context.Background(), "data", "cv_results.csv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("Get() = %q", data)
	}

	if _, err := store.Get(context.Background(), "data", "missing.csv"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_OtherErrors(t *testing.T) {
	t.Parallel()
	store := New(&fakeS3{getErr: errors.New("connection reset")})
	_, err := store.Get(context.Background(), "data", "x")
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected a non-NotFound error, got %v", err)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	if err := New(&fakeS3{}).Ready(context.Background(), "logs"); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
	if err := New(&fakeS3{headErr: errors.New("connection refused")}).Ready(context.Background(), "logs"); !errors.Is(err, apperrors.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
	if err := New(&fakeS3{headErr: &types.NotFound{}}).Ready(context.Background(), "logs"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
	}
	noBucket := &smithy.GenericAPIError{Code: "NoSuchBucket"}
	if err := New(&fakeS3{headErr: noBucket}).Ready(context.Background(), "logs"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for NoSuchBucket, got %v", err)
	}
}
