// Package objectstore provides the artifact store backends: NATS JetStream
// Object Store by default, MinIO (S3) as a configuration-selected
// alternative.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// headerContentType is the object metadata key carrying the artifact's
// content type.
const headerContentType = "Content-Type"

// NATSStore implements core.ArtifactStore over a JetStream object store
// bucket.
type NATSStore struct {
	bucket string
	store  nats.ObjectStore
}

// NewNATSStore creates the artifact bucket, binding to it when it already
// exists.
func NewNATSStore(jetstreamContext nats.JetStreamContext, bucketName string) (*NATSStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Artifacts for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		// If the bucket already exists, bind to it.
		if errors.Is(err, jetstream.ErrBucketExists) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf(
					"failed to bind to existing artifact bucket %q: %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create artifact bucket %q: %w", bucketName, err)
		}
	}

	return &NATSStore{bucket: bucketName, store: store}, nil
}

// Upload stores data under key, replacing any previous object.
func (s *NATSStore) Upload(
	_ context.Context,
	key string,
	data []byte,
	contentType string,
) (core.Artifact, error) {
	_, err := s.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nats.Header{headerContentType: []string{contentType}},
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data))
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
func (s *NATSStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
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

// List enumerates every stored artifact. An empty bucket is not an error.
func (s *NATSStore) List(_ context.Context) ([]core.ArtifactInfo, error) {
	objects, err := s.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list bucket %q: %w", s.bucket, err)
	}

	infos := make([]core.ArtifactInfo, 0, len(objects))

	for _, obj := range objects {
		infos = append(infos, core.ArtifactInfo{
			Key:        obj.Name,
			Size:       int64(obj.Size),
			ModifiedAt: obj.ModTime,
		})
	}

	return infos, nil
}

// Delete removes the object stored under key.
func (s *NATSStore) Delete(_ context.Context, key string) error {
	err := s.store.Delete(key)
	if err != nil {
		return fmt.Errorf("failed to delete object %q from bucket %q: %w", key, s.bucket, err)
	}

	return nil
}

var _ core.ArtifactStore = (*NATSStore)(nil)
