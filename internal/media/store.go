// Package media stores interview audio blobs in object storage. The server
// consumes it through the narrow Store interface; S3 is the production
// implementation.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store defines the object-storage contract for interview media
type Store interface {
	// Put stores a blob under the response's media key and returns the key
	// and the blob checksum.
	Put(ctx context.Context, durableID string, blob []byte) (key, checksum string, err error)

	// Exists reports whether a media object is present for the key.
	Exists(ctx context.Context, key string) (bool, error)
}

// S3Store implements Store against an S3 bucket
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates a new S3-backed media store
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// MediaKey builds the object key for a response's audio recording
func MediaKey(durableID string) string {
	return fmt.Sprintf("responses/%s/audio", durableID)
}

func (s *S3Store) Put(ctx context.Context, durableID string, blob []byte) (string, string, error) {
	key := MediaKey(durableID)
	sum := sha256.Sum256(blob)
	checksum := hex.EncodeToString(sum[:])

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(blob),
		Metadata: map[string]string{"checksum": checksum},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to put media object %s: %w", key, err)
	}

	return key, checksum, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head media object %s: %w", key, err)
	}
	return true, nil
}
