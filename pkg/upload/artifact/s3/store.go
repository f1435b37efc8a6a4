// Package s3 provides an S3-backed artifact store. Large artifacts are
// assembled server-side with the S3 multipart upload API; small ones go up
// in a single PutObject. References use the s3://<bucket>/<key> form.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chunkd-io/chunkd/internal/logger"
	"github.com/chunkd-io/chunkd/pkg/upload"
)

const (
	// minPartSize is the minimum S3 multipart part size (5 MB).
	minPartSize = 5 * 1024 * 1024

	// partSize is the buffer size per uploaded part.
	partSize = 8 * 1024 * 1024
)

// Config holds configuration for the S3 artifact store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string `mapstructure:"bucket" validate:"required"`

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string `mapstructure:"region"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string `mapstructure:"endpoint"`

	// KeyPrefix is prepended to all artifact keys (e.g., "artifacts/").
	// Should end with "/" if non-empty.
	KeyPrefix string `mapstructure:"key_prefix"`

	// AccessKeyID and SecretAccessKey override the SDK's default credential
	// chain when both are set (for MinIO/Localstack).
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// Store is an S3-backed implementation of upload.ArtifactStore.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	closed    bool
	mu        sync.RWMutex
}

var _ upload.ArtifactStore = (*Store)(nil)

// New creates a new S3 artifact store with an existing client.
func New(client *s3.Client, config Config) *Store {
	return &Store{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: config.KeyPrefix,
	}
}

// NewFromConfig creates a new S3 artifact store by creating an S3 client
// from config.
func NewFromConfig(ctx context.Context, config Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	if config.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), config), nil
}

// Backend returns the backend type label.
func (s *Store) Backend() string {
	return "s3"
}

func (s *Store) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *Store) ref(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Store uploads the artifact. Bodies at or below the multipart threshold go
// up as one PutObject; anything larger is assembled with a multipart upload
// that is aborted on failure so no orphaned parts accrue storage costs.
func (s *Store) Store(ctx context.Context, req upload.PutRequest) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", upload.ErrStoreClosed
	}
	s.mu.RUnlock()

	key := s.fullKey(req.Key)

	if req.Size > 0 && req.Size <= minPartSize {
		return s.putSingle(ctx, key, req)
	}
	return s.putMultipart(ctx, key, req)
}

func (s *Store) putSingle(ctx context.Context, key string, req upload.PutRequest) (string, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", fmt.Errorf("read artifact body: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return s.ref(key), nil
}

func (s *Store) putMultipart(ctx context.Context, key string, req upload.PutRequest) (string, error) {
	createInput := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if req.ContentType != "" {
		createInput.ContentType = aws.String(req.ContentType)
	}

	created, err := s.client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return "", fmt.Errorf("s3 create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	completed, err := s.uploadParts(ctx, key, uploadID, req.Body)
	if err != nil {
		// Abort to avoid orphaned parts accruing storage costs.
		if _, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			logger.Warn("failed to abort multipart upload",
				"bucket", s.bucket, "key", key, "upload_id", uploadID, "error", abortErr)
		}
		return "", err
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 complete multipart upload: %w", err)
	}

	return s.ref(key), nil
}

// uploadParts streams body into sequential UploadPart calls of partSize
// bytes. Every part except the last meets the 5 MB S3 minimum.
func (s *Store) uploadParts(ctx context.Context, key, uploadID string, body io.Reader) ([]s3types.CompletedPart, error) {
	var completed []s3types.CompletedPart
	buf := make([]byte, partSize)

	for partNumber := int32(1); ; partNumber++ {
		n, readErr := io.ReadFull(body, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read artifact body: %w", readErr)
		}
		if n == 0 {
			break
		}

		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf[:n]),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 upload part %d: %w", partNumber, err)
		}

		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(partNumber),
			ETag:       out.ETag,
		})

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	if len(completed) == 0 {
		// S3 rejects a multipart complete with zero parts; upload one empty
		// part so empty artifacts still resolve.
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(1),
			Body:       bytes.NewReader(nil),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 upload empty part: %w", err)
		}
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(1),
			ETag:       out.ETag,
		})
	}

	return completed, nil
}

// Delete removes an artifact by its s3:// reference.
func (s *Store) Delete(ctx context.Context, ref string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return upload.ErrStoreClosed
	}
	s.mu.RUnlock()

	key, err := s.keyFromRef(ref)
	if err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

func (s *Store) keyFromRef(ref string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", s.bucket)
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("ref %q does not belong to bucket %s", ref, s.bucket)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

// HealthCheck verifies the S3 bucket is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return upload.ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
