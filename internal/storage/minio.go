package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sharexpress/sharexpress/internal/config"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

// MinioStore implements the transfer.ObjectStore collaborator on top of a
// MinIO (S3-compatible) bucket.
type MinioStore struct {
	client        *minio.Client
	bucket        string
	presignExpiry time.Duration
}

// NewMinioStore connects a client and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(bucketCtx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(bucketCtx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, err
		}
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, presignExpiry: expiry}, nil
}

// PresignExpiry is the lifetime of issued URLs.
func (s *MinioStore) PresignExpiry() time.Duration { return s.presignExpiry }

// PresignPut issues a time-boxed upload URL for key.
func (s *MinioStore) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.presignExpiry)
	if err != nil {
		return "", classify(err)
	}
	return u.String(), nil
}

// PresignGet issues a time-boxed download URL for key.
func (s *MinioStore) PresignGet(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignExpiry, url.Values{})
	if err != nil {
		return "", classify(err)
	}
	return u.String(), nil
}

// Head fetches object metadata, reporting not-found as KindNotFound.
func (s *MinioStore) Head(ctx context.Context, key string) (transfer.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return transfer.ObjectInfo{}, classify(err)
	}
	return transfer.ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

// List returns up to maxKeys objects under prefix.
func (s *MinioStore) List(ctx context.Context, prefix string, maxKeys int) ([]transfer.ObjectInfo, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []transfer.ObjectInfo
	for obj := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(obj.Err)
		}
		out = append(out, transfer.ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag})
		if maxKeys > 0 && len(out) >= maxKeys {
			break
		}
	}
	return out, nil
}

// Put writes an object directly, used by the server-side upload path.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (transfer.ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return transfer.ObjectInfo{}, classify(err)
	}
	return transfer.ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// classify maps MinIO errors onto the transfer taxonomy so the retry
// policy and orchestrator can tell missing objects from transient faults.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return transfer.Wrap(transfer.KindNotFound, err, "object not found")
	}
	var te *transfer.Error
	if errors.As(err, &te) {
		return err
	}
	return transfer.Wrap(transfer.KindStorageUnavailable, err, "object storage request failed")
}
