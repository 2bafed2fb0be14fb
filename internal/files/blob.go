// Package files stores chat attachments: blobs in object storage,
// metadata in the document store, and the reference resolver used at
// message-append time.
package files

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore is the opaque handle→bytes store behind file metadata.
type BlobStore interface {
	Put(ctx context.Context, storageID string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, storageID string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageID string) error
}

// MinioStore keeps blobs in a single MinIO bucket keyed by storage id.
type MinioStore struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
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

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, storageID string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, storageID, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", storageID, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, storageID string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storageID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", storageID, err)
	}
	// GetObject is lazy; probe so a missing key surfaces here
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("stat blob %s: %w", storageID, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, storageID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, storageID, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete blob %s: %w", storageID, err)
	}
	return nil
}
