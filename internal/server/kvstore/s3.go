package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/google/uuid"
)

// S3API is the subset of *s3.Client used by the S3 backend.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores each key as one object under prefix in bucket. The object ETag
// is the CAS token and conditional writes (If-Match / If-None-Match) enforce
// it on the server side.
//
// Every stored body starts with a random nonce line, so writing the same
// value twice still yields two different ETags.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 returns a store writing to bucket under prefix (may be empty).
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3) Get(ctx context.Context, key string) (*Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("kvstore read %q: %w", key, err)
	}

	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return nil, fmt.Errorf("%w: object %q has no nonce line", common.ErrDataCorruption, key)
	}

	return &Entry{Value: raw[i+1:], Token: CasToken(aws.ToString(out.ETag))}, nil
}

func (s *S3) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.put(ctx, key, value, nil, nil); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *S3) CAS(ctx context.Context, key string, value []byte, token CasToken) error {
	var ifMatch, ifNoneMatch *string
	if token == NoToken {
		ifNoneMatch = aws.String("*")
	} else {
		ifMatch = aws.String(string(token))
	}

	_, err := s.put(ctx, key, value, ifMatch, ifNoneMatch)
	if isPreconditionFailure(err) {
		return common.ErrCasMismatch
	}
	if err != nil {
		return fmt.Errorf("kvstore cas %q: %w", key, err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("kvstore delete %q: %w", key, err)
	}
	return nil
}

func (s *S3) put(ctx context.Context, key string, value []byte, ifMatch, ifNoneMatch *string) (*s3.PutObjectOutput, error) {
	body := make([]byte, 0, 37+len(value))
	body = append(body, uuid.NewString()...)
	body = append(body, '\n')
	body = append(body, value...)

	return s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		IfMatch:       ifMatch,
		IfNoneMatch:   ifNoneMatch,
	})
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// A conditional PUT fails with 412 when the ETag moved, 409 when another
// conditional write raced it, and 404 when If-Match names a deleted key.
func isPreconditionFailure(err error) bool {
	if err == nil {
		return false
	}
	switch apiErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict", "NoSuchKey", "NotFound":
		return true
	}
	return false
}
