package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"custcat-prediction-api/config"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver keeps a copy of every uploaded batch file.
type Archiver interface {
	Archive(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

type MinioArchiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinioArchiver connects to the object store and creates the bucket if it
// does not exist yet.
func NewMinioArchiver(ctx context.Context, cfg config.MinioConfig) (*MinioArchiver, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: cli, bucket: cfg.Bucket, now: time.Now}, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := ArchiveKey(a.now(), uuid.NewString(), name)
	contentType := "application/octet-stream"
	if strings.EqualFold(filepath.Ext(name), ".csv") {
		contentType = "text/csv"
	}
	_, err := a.client.PutObject(ctx, a.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveKey lays uploads out by day: uploads/YYYY/MM/DD/<id>-<name>.
func ArchiveKey(t time.Time, id, name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return path.Join("uploads", t.UTC().Format("2006/01/02"), id+"-"+base)
}
