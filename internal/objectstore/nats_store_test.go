// Package objectstore_test tests the NATS artifact store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/objectstore"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newTestStore(t *testing.T, bucketName string) *objectstore.NATSStore {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.NewNATSStore(jetstreamContext, bucketName)
	require.NoError(t, err)

	return store
}

func TestNATSStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-artifacts")

	ctx := context.Background()
	key := "my-test-object"
	uploadData := []byte("hello world, this is a test")

	artifact, err := store.Upload(ctx, key, uploadData, "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, key, artifact.Key)
	require.Equal(t, int64(len(uploadData)), artifact.Size)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNATSStore_ListEmptyBucket(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-artifacts-empty")

	infos, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestNATSStore_ListAndDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-artifacts-list")

	ctx := context.Background()

	_, err := store.Upload(ctx, "a.wav", []byte("aaa"), "audio/wav")
	require.NoError(t, err)

	_, err = store.Upload(ctx, "b.wav", []byte("bbbb"), "audio/wav")
	require.NoError(t, err)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	err = store.Delete(ctx, "a.wav")
	require.NoError(t, err)

	infos, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "b.wav", infos[0].Key)

	_, err = store.Download(ctx, "a.wav")
	require.Error(t, err)
}

func TestNATSStore_UploadReplacesExisting(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-artifacts-replace")

	ctx := context.Background()

	_, err := store.Upload(ctx, "chunk", []byte("first"), "audio/wav")
	require.NoError(t, err)

	_, err = store.Upload(ctx, "chunk", []byte("second"), "audio/wav")
	require.NoError(t, err)

	data, err := store.Download(ctx, "chunk")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
}
