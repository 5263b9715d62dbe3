// Package taskstore_test tests the task state store invariants against
// both the key-value and in-memory backends.
package taskstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/taskstore"
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

func newKVStore(t *testing.T, bucketName string) *taskstore.KVStore {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := taskstore.NewKVStore(jetstreamContext, bucketName, time.Hour)
	require.NoError(t, err)

	return store
}

func newTask(taskID string) core.Task {
	now := time.Now().UTC()

	return core.Task{
		ID:          taskID,
		Domain:      core.DomainVoice,
		QueueName:   core.VoiceQueue,
		State:       core.StatePending,
		Progress:    core.Progress{Current: 0, Total: 0, Message: ""},
		Result:      nil,
		Error:       nil,
		Attempt:     0,
		MaxAttempts: 3,
		UserID:      "",
		TenantID:    "",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// eachStore runs the same store contract test against both backends.
func eachStore(t *testing.T, run func(t *testing.T, store core.TaskStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()

		run(t, taskstore.NewMemoryStore())
	})

	t.Run("kv", func(t *testing.T) {
		t.Parallel()

		run(t, newKVStore(t, "tasks"))
	})
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-create")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, core.StatePending, got.State)
		require.Equal(t, core.VoiceQueue, got.QueueName)
	})
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-dup")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		err = store.Create(ctx, task)
		require.Error(t, err)
	})
}

func TestStore_GetUnknownTask(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		_, err := store.Get(context.Background(), "no-such-task")
		require.ErrorIs(t, err, core.ErrTaskNotFound)
	})
}

func TestStore_UpdateTransitionsState(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-start")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		updated, err := store.Update(ctx, task.ID, func(rec *core.Task) error {
			rec.State = core.StateStarted
			rec.Attempt = 1

			return nil
		})
		require.NoError(t, err)
		require.Equal(t, core.StateStarted, updated.State)
		require.Equal(t, uint(1), updated.Attempt)
		require.False(t, updated.UpdatedAt.Before(task.UpdatedAt))
	})
}

func TestStore_TerminalRecordRefusesUpdates(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-terminal")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(rec *core.Task) error {
			rec.State = core.StateSuccess
			rec.Result = []byte(`{"ok":true}`)

			return nil
		})
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(rec *core.Task) error {
			rec.State = core.StateFailure

			return nil
		})
		require.ErrorIs(t, err, core.ErrTaskTerminal)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, core.StateSuccess, got.State)
	})
}

func TestStore_ProgressNeverDecreases(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-progress")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(rec *core.Task) error {
			rec.State = core.StateProgress
			rec.Progress = core.Progress{Current: 7, Total: 10, Message: "chunk 7"}

			return nil
		})
		require.NoError(t, err)

		// A stale reporter tries to move progress backwards; the stored
		// value must hold.
		updated, err := store.Update(ctx, task.ID, func(rec *core.Task) error {
			rec.Progress.Current = 3

			return nil
		})
		require.NoError(t, err)
		require.Equal(t, int64(7), updated.Progress.Current)
	})
}

func TestStore_MutationErrorAborts(t *testing.T) {
	t.Parallel()

	eachStore(t, func(t *testing.T, store core.TaskStore) {
		t.Helper()

		ctx := context.Background()
		task := newTask("task-abort")

		err := store.Create(ctx, task)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(*core.Task) error {
			return core.ErrInvalidConfig
		})
		require.ErrorIs(t, err, core.ErrInvalidConfig)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, core.StatePending, got.State)
	})
}
