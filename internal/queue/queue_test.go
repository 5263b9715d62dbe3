// Package queue_test tests task submission, revocation, and the worker
// runtime against an embedded NATS server.
package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
	"github.com/book-expert/voice-orchestrator/internal/queue"
	"github.com/book-expert/voice-orchestrator/internal/taskstore"
)

const waitFor = 10 * time.Second

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

// harness bundles one broker, store, client, and runtime.
type harness struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	store   *taskstore.MemoryStore
	client  *queue.Client
	runtime *queue.Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "queue-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	cfg := queue.Config{
		StreamName:         "TASKS",
		SubjectPrefix:      "tasks",
		VisibilityTimeout:  10 * time.Second,
		RetryDelay:         200 * time.Millisecond,
		DefaultMaxAttempts: 3,
		WorkersPerQueue:    2,
		FetchBatch:         4,
	}

	store := taskstore.NewMemoryStore()
	met := metrics.New()
	client := queue.NewClient(natsConnection, jetstreamContext, cfg, store, met, testLogger)

	err = client.EnsureTopology()
	require.NoError(t, err)

	return &harness{
		conn:    natsConnection,
		js:      jetstreamContext,
		store:   store,
		client:  client,
		runtime: queue.NewRuntime(natsConnection, jetstreamContext, cfg, store, met, testLogger),
	}
}

// start runs the runtime until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = h.runtime.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitForState polls the store until the task reaches the wanted state.
func (h *harness) waitForState(t *testing.T, taskID string, want core.TaskState) core.Task {
	t.Helper()

	var got core.Task

	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), taskID)
		if err != nil {
			return false
		}

		got = task

		return task.State == want
	}, waitFor, 20*time.Millisecond)

	return got
}

func TestClient_SubmitCreatesPendingRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	taskID, err := h.client.Submit(ctx, core.SubmitRequest{
		Domain:      core.DomainVoice,
		Payload:     []byte(`{"text":"hello"}`),
		MaxAttempts: 0,
		UserID:      "user-1",
		TenantID:    "tenant-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := h.client.GetState(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, core.StatePending, task.State)
	require.Equal(t, core.VoiceQueue, task.QueueName)
	require.Equal(t, uint(3), task.MaxAttempts)
	require.Equal(t, "tenant-1", task.TenantID)

	info, err := h.js.StreamInfo("TASKS")
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.State.Msgs)
}

func TestClient_SubmitUnknownDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.client.Submit(context.Background(), core.SubmitRequest{
		Domain:      core.Domain("video"),
		Payload:     nil,
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	require.ErrorIs(t, err, core.ErrUnknownDomain)
}

func TestRuntime_RunWithoutHandlers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	err := h.runtime.Run(context.Background())
	require.ErrorIs(t, err, queue.ErrNoHandlers)
}

func TestRuntime_StartupFailureReleasesStartedWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	handler := func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
		return nil, nil
	}

	// One routable domain and one that fails queue resolution, so startup
	// breaks partway through regardless of registration order.
	h.runtime.Register(core.DomainVoice, handler)
	h.runtime.Register(core.Domain("bogus"), handler)

	done := make(chan error, 1)

	go func() {
		done <- h.runtime.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after a startup failure")
	}

	// Workers started before the failure and the control subscription are
	// all released.
	require.Eventually(t, func() bool {
		return h.conn.NumSubscriptions() == 0
	}, waitFor, 20*time.Millisecond)
}

func TestRuntime_ExecutesTaskToSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.runtime.Register(core.DomainText,
		func(_ context.Context, _ core.Task, payload []byte, rep core.Reporter) ([]byte, error) {
			err := rep.Progress(context.Background(), 1, 1, "working")
			if err != nil {
				return nil, err
			}

			return append([]byte(`processed: `), payload...), nil
		})
	h.start(t)

	taskID, err := h.client.Submit(context.Background(), core.SubmitRequest{
		Domain:      core.DomainText,
		Payload:     []byte("abc"),
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	task := h.waitForState(t, taskID, core.StateSuccess)
	require.Equal(t, []byte("processed: abc"), task.Result)
	require.Equal(t, uint(0), task.Attempt)
	require.Nil(t, task.Error)
}

func TestRuntime_TransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var calls atomic.Int64

	h.runtime.Register(core.DomainVoice,
		func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			if calls.Add(1) == 1 {
				return nil, core.NewTransientError("volcano", errors.New("upstream 503"))
			}

			return []byte(`{"ok":true}`), nil
		})
	h.start(t)

	taskID, err := h.client.Submit(context.Background(), core.SubmitRequest{
		Domain:      core.DomainVoice,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	task := h.waitForState(t, taskID, core.StateSuccess)

	// The consumed failed execution stays on the record after success.
	require.Equal(t, uint(1), task.Attempt)
	require.Equal(t, int64(2), calls.Load())
}

func TestRuntime_PermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var calls atomic.Int64

	h.runtime.Register(core.DomainVoice,
		func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			calls.Add(1)

			return nil, core.NewPermanentError("azure", errors.New("unsupported voice"))
		})
	h.start(t)

	taskID, err := h.client.Submit(context.Background(), core.SubmitRequest{
		Domain:      core.DomainVoice,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	task := h.waitForState(t, taskID, core.StateFailure)
	require.Equal(t, uint(1), task.Attempt)
	require.NotNil(t, task.Error)
	require.Equal(t, core.KindPermanent, task.Error.Kind)

	// Give a would-be redelivery time to happen, then confirm it did not.
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, int64(1), calls.Load())
}

func TestRuntime_TransientFailureExhaustsBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var calls atomic.Int64

	h.runtime.Register(core.DomainText,
		func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			calls.Add(1)

			return nil, core.NewTransientError("volcano", errors.New("still down"))
		})
	h.start(t)

	taskID, err := h.client.Submit(context.Background(), core.SubmitRequest{
		Domain:      core.DomainText,
		Payload:     []byte(`{}`),
		MaxAttempts: 2,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	task := h.waitForState(t, taskID, core.StateFailure)
	require.Equal(t, uint(2), task.Attempt)
	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, core.KindTransient, task.Error.Kind)
}

func TestClient_RevokePendingTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int64

	taskID, err := h.client.Submit(ctx, core.SubmitRequest{
		Domain:      core.DomainText,
		Payload:     []byte(`{}`),
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	revoked, err := h.client.Revoke(ctx, taskID, false)
	require.NoError(t, err)
	require.True(t, revoked)

	task, err := h.client.GetState(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, core.StateRevoked, task.State)

	// Revoking again is an idempotent no-op.
	revoked, err = h.client.Revoke(ctx, taskID, false)
	require.NoError(t, err)
	require.True(t, revoked)

	// The queued envelope must be dropped without execution.
	h.runtime.Register(core.DomainText,
		func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			calls.Add(1)

			return nil, nil
		})
	h.start(t)

	time.Sleep(600 * time.Millisecond)
	require.Equal(t, int64(0), calls.Load())
}

func TestClient_RevokeFinishedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.runtime.Register(core.DomainText,
		func(_ context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			return []byte("done"), nil
		})
	h.start(t)

	taskID, err := h.client.Submit(ctx, core.SubmitRequest{
		Domain:      core.DomainText,
		Payload:     []byte(`{}`),
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	h.waitForState(t, taskID, core.StateSuccess)

	revoked, err := h.client.Revoke(ctx, taskID, false)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestClient_RevokeUnknownTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.client.Revoke(context.Background(), "no-such-task", false)
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestClient_RevokeStartedTaskRequiresTerminate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	h.runtime.Register(core.DomainVoice,
		func(taskCtx context.Context, _ core.Task, _ []byte, _ core.Reporter) ([]byte, error) {
			close(started)

			select {
			case <-release:
				return []byte("done"), nil
			case <-taskCtx.Done():
				return nil, taskCtx.Err()
			}
		})
	h.start(t)

	taskID, err := h.client.Submit(ctx, core.SubmitRequest{
		Domain:      core.DomainVoice,
		Payload:     []byte(`{}`),
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	require.NoError(t, err)

	<-started

	// Started without terminate: refused.
	revoked, err := h.client.Revoke(ctx, taskID, false)
	require.NoError(t, err)
	require.False(t, revoked)

	// With terminate: revoked and the handler context is cancelled.
	revoked, err = h.client.Revoke(ctx, taskID, true)
	require.NoError(t, err)
	require.True(t, revoked)

	task := h.waitForState(t, taskID, core.StateRevoked)
	require.Equal(t, core.StateRevoked, task.State)

	close(release)
}

func TestClient_DuplicateMsgIdLandsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	// Two publishes sharing one MsgId inside the duplicate window are one
	// queued envelope.
	envelope := []byte(`{"task_id":"dup-1","domain":"voice","payload":"e30="}`)

	_, err := h.js.Publish("tasks.voice", envelope, nats.MsgId("dup-1"))
	require.NoError(t, err)

	ack, err := h.js.Publish("tasks.voice", envelope, nats.MsgId("dup-1"))
	require.NoError(t, err)
	require.True(t, ack.Duplicate)

	info, err := h.js.StreamInfo("TASKS")
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.State.Msgs)
}
