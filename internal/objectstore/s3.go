// Package objectstore writes immutable objects by key to S3, a local
// directory or memory.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrEmptyKey is returned when an object key is blank.
var ErrEmptyKey = errors.New("objectstore: empty key")

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store puts objects into one bucket, optionally under a key prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store constructs an S3Store.
func NewS3Store(client S3API, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("objectstore: nil s3 client")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("objectstore: s3 bucket not configured")
	}
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put uploads body at key, replacing any existing object.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	fullKey := key
	if s.prefix != "" {
		fullKey = s.prefix + "/" + key
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return nil
}
