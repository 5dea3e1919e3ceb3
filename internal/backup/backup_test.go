package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrodman/empdb/internal/core"
)

type fakeS3 struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(params.Bucket)
	f.key = aws.ToString(params.Key)
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func writeTestFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "employees.db")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestUploader_Upload(t *testing.T) {
	path := writeTestFile(t, "LLAD snapshot")
	client := &fakeS3{}
	u := newUploader(client, "backups", "empdb/prod")
	u.now = func() time.Time { return time.Date(2024, 3, 9, 17, 4, 5, 0, time.UTC) }

	key, err := u.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "empdb/prod/employees.db.20240309T170405Z", key)
	assert.Equal(t, "backups", client.bucket)
	assert.Equal(t, key, client.key)
	assert.Equal(t, "LLAD snapshot", string(client.body))
}

func TestUploader_KeyWithoutPrefix(t *testing.T) {
	u := newUploader(&fakeS3{}, "backups", "")
	ts := time.Date(2024, 3, 9, 12, 0, 0, 0, time.FixedZone("EST", -5*60*60))

	assert.Equal(t, "employees.db.20240309T170000Z", u.Key("/var/lib/employees.db", ts))
}

func TestUploader_Errors(t *testing.T) {
	u := newUploader(&fakeS3{err: errors.New("access denied")}, "backups", "")

	_, err := u.Upload(context.Background(), writeTestFile(t, "x"))
	assert.ErrorContains(t, err, "access denied")

	_, err = u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.db"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewS3Uploader_RequiresBucketAndRegion(t *testing.T) {
	cfg := &core.Config{}
	_, err := NewS3Uploader(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Backup.Bucket = "backups"
	_, err = NewS3Uploader(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewS3Uploader(t *testing.T) {
	cfg := &core.Config{}
	cfg.Backup.Bucket = "backups"
	cfg.Backup.Region = "us-east-1"
	cfg.Backup.Endpoint = "http://localhost:4566"
	cfg.Backup.AccessKeyID = "test"
	cfg.Backup.SecretAccessKey = "test"

	u, err := NewS3Uploader(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "backups", u.bucket)
}
