// Package archive stores enrollment frames in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive stores the frames an identity was enrolled from.
type Archive interface {
	StoreFrames(ctx context.Context, faceID string, frames [][]byte) (int, error)
}

// ObjectKey returns the object key of the n-th enrollment frame.
func ObjectKey(faceID string, n int) string {
	return path.Join("enrollments", faceID, fmt.Sprintf("%d.jpg", n))
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchive writes frames to a MinIO or S3-compatible bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewMinio connects to the object store and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg Config, log *slog.Logger) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("archive bucket created", "bucket", cfg.Bucket)
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket, log: log}, nil
}

// StoreFrames uploads every frame and returns how many were stored. Upload
// stops at the first failure.
func (a *MinioArchive) StoreFrames(ctx context.Context, faceID string, frames [][]byte) (int, error) {
	for i, data := range frames {
		key := ObjectKey(faceID, i)
		_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: http.DetectContentType(data)})
		if err != nil {
			return i, fmt.Errorf("upload %s: %w", key, err)
		}
	}
	a.log.Debug("enrollment frames archived", "face_id", faceID, "frames", len(frames))
	return len(frames), nil
}

// Noop discards frames.
type Noop struct{}

func (Noop) StoreFrames(context.Context, string, [][]byte) (int, error) {
	return 0, nil
}

var (
	_ Archive = (*MinioArchive)(nil)
	_ Archive = Noop{}
)
