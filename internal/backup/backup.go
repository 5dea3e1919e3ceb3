// Package backup copies the flushed database file to S3 compatible object storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dcrodman/empdb/internal/core"
)

// timestampFormat is appended to every object key so that backups never overwrite
// each other.
const timestampFormat = "20060102T150405Z"

// s3API is the subset of the S3 client the uploader needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader puts database snapshots into a bucket.
type Uploader struct {
	client    s3API
	bucket    string
	keyPrefix string

	now func() time.Time
}

// NewS3Uploader builds an Uploader from the backup section of cfg.
func NewS3Uploader(ctx context.Context, cfg *core.Config) (*Uploader, error) {
	b := cfg.Backup
	if b.Bucket == "" {
		return nil, errors.New("backup: bucket is required")
	}
	if b.Region == "" {
		return nil, errors.New("backup: region is required")
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(b.Region),
	}
	// Set credentials if provided, otherwise use default credential chain
	if b.AccessKeyID != "" && b.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.AccessKeyID, b.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Force path-style addressing for compatibility with MinIO/Localstack
		if b.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newUploader(client, b.Bucket, b.KeyPrefix), nil
}

func newUploader(client s3API, bucket, keyPrefix string) *Uploader {
	return &Uploader{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// Key returns the object key a snapshot of the file at filePath taken at t is stored under.
func (u *Uploader) Key(filePath string, t time.Time) string {
	name := filepath.Base(filePath) + "." + t.UTC().Format(timestampFormat)
	if u.keyPrefix == "" {
		return name
	}
	return path.Join(u.keyPrefix, name)
}

// Upload copies the file at filePath into the bucket and returns its key.
func (u *Uploader) Upload(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	key := u.Key(filePath, u.now())
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s/%s: %w", filePath, u.bucket, key, err)
	}
	return key, nil
}
