package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO serves assets from an S3-compatible bucket and hands out presigned GET URLs.
type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(opts MinIOOptions) (*MinIO, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{client: client, bucket: opts.Bucket}, nil
}

var (
	_ BlobStore = (*MinIO)(nil)
	_ URLSigner = (*MinIO)(nil)
)

// Ping checks that the configured bucket exists.
func (m *MinIO) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket does not exist: %s", m.bucket)
	}
	return nil
}

func (m *MinIO) GetFileBlob(ctx context.Context, p string) ([]byte, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinIOError(err)
	}
	return data, nil
}

func (m *MinIO) CreateSignedURL(ctx context.Context, p string, ttl time.Duration, wm Watermark) (string, error) {
	key, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, presignParams(key, wm))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}

// presignParams carries the watermark inside the signed query so it cannot be altered.
func presignParams(key string, wm Watermark) url.Values {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	if wm.Email != "" {
		params.Set("x-wm-email", wm.Email)
	}
	if wm.IP != "" {
		params.Set("x-wm-ip", wm.IP)
	}
	params.Set("x-wm-ts", wm.Timestamp.UTC().Format(time.RFC3339))
	return params
}

func mapMinIOError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("minio: %w", err)
}
