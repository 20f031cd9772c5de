package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBlobNotFound reports a storage key with no object behind it.
var ErrBlobNotFound = errors.New("blob not found")

// Blobs is the binary object store behind assets.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) error
	URL(key string) string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBase is the externally resolvable prefix for object URLs.
	PublicBase string
}

// MinioBlobs stores objects in an S3-compatible bucket.
type MinioBlobs struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioBlobs connects and creates the bucket if it does not exist.
func NewMinioBlobs(ctx context.Context, cfg MinioConfig) (*MinioBlobs, error) {
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
	}
	base := strings.TrimRight(cfg.PublicBase, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return &MinioBlobs{client: client, bucket: cfg.Bucket, publicBase: base}, nil
}

func (b *MinioBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if size <= 0 {
		size = -1
	}
	_, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (b *MinioBlobs) Remove(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (b *MinioBlobs) Stat(ctx context.Context, key string) error {
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return fmt.Errorf("stat object %s: %w", key, err)
}

func (b *MinioBlobs) URL(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return b.publicBase + "/" + strings.Join(segments, "/")
}

func (b *MinioBlobs) Ping(ctx context.Context) error {
	if _, err := b.client.BucketExists(ctx, b.bucket); err != nil {
		return fmt.Errorf("ping object store: %w", err)
	}
	return nil
}
