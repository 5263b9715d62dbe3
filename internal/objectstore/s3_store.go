package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// S3Options configures the MinIO-backed artifact store.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// S3Store implements core.ArtifactStore over any S3-compatible object
// storage through the MinIO client.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to the S3 endpoint and creates the artifact bucket
// when it does not exist yet.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", opts.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check s3 bucket %q: %w", opts.Bucket, err)
	}

	if !exists {
		err = client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 bucket %q: %w", opts.Bucket, err)
		}
	}

	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// Upload stores data under key, replacing any previous object.
func (s *S3Store) Upload(
	ctx context.Context,
	key string,
	data []byte,
	contentType string,
) (core.Artifact, error) {
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return core.Artifact{}, fmt.Errorf(
			"failed to put object %q to bucket %q: %w", key, s.bucket, err)
	}

	return core.Artifact{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// Download retrieves the object stored under key.
func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q from bucket %q: %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object %q: %w", key, closeErr)
	}

	return data, nil
}

// List enumerates every stored artifact.
func (s *S3Store) List(ctx context.Context) ([]core.ArtifactInfo, error) {
	var infos []core.ArtifactInfo

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %q: %w", s.bucket, obj.Err)
		}

		infos = append(infos, core.ArtifactInfo{
			Key:        obj.Key,
			Size:       obj.Size,
			ModifiedAt: obj.LastModified,
		})
	}

	return infos, nil
}

// Delete removes the object stored under key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object %q from bucket %q: %w", key, s.bucket, err)
	}

	return nil
}

var _ core.ArtifactStore = (*S3Store)(nil)
