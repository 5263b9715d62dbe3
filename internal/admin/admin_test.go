// Package admin_test exercises the NATS request/reply administration API
// against a live embedded broker.
package admin_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/admin"
	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/provider"
)

const (
	testProviderID = "fake-voice"
	requestWait    = 5 * time.Second
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

// fakeAdapter answers every vendor call successfully.
type fakeAdapter struct {
	id string
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Connect(_ context.Context) error { return nil }

func (f *fakeAdapter) Synthesize(
	_ context.Context,
	_ core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	return &core.SynthesisResult{Audio: []byte("audio"), ContentType: "audio/wav", RemoteID: ""}, nil
}

func (f *fakeAdapter) CheckStatus(_ context.Context, _ string) (core.RemoteStatus, error) {
	return core.RemoteDone, nil
}

func (f *fakeAdapter) HealthCheck(_ context.Context) (core.HealthInfo, error) {
	return core.HealthInfo{
		Healthy:   true,
		Detail:    "ok",
		Latency:   0,
		CheckedAt: time.Now(),
	}, nil
}

func (f *fakeAdapter) Teardown(_ context.Context) error { return nil }

// harness bundles one broker, manager, and running admin service.
type harness struct {
	conn    *nats.Conn
	manager *provider.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	testLogger, err := logger.New(t.TempDir(), "admin-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	registry := provider.NewRegistry()

	err = registry.Register(core.ProviderConfig{
		ID:          testProviderID,
		Enabled:     true,
		Endpoint:    "",
		Credentials: core.Credentials{Key: "k", Secret: "", Region: ""},
		Extra:       nil,
	})
	require.NoError(t, err)

	factory := func(cfg core.ProviderConfig) (core.Adapter, error) {
		return &fakeAdapter{id: cfg.ID}, nil
	}

	manager := provider.NewManager(registry, factory, nil, 3, 5*time.Second, testLogger)

	service := admin.NewService(natsConnection, manager, testLogger)

	require.NoError(t, service.Start())
	t.Cleanup(service.Stop)

	return &harness{conn: natsConnection, manager: manager}
}

// request performs one admin round trip and decodes the reply envelope.
func (h *harness) request(t *testing.T, subject string, body any) admin.Reply {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	msg, err := h.conn.Request(subject, data, requestWait)
	require.NoError(t, err)

	var reply admin.Reply

	require.NoError(t, json.Unmarshal(msg.Data, &reply))

	return reply
}

func TestService_InitializeMakesProviderSelectable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	reply := h.request(t, admin.SubjectInitialize, admin.InitializeRequest{
		ProviderID: testProviderID,
	})
	require.True(t, reply.OK, "unexpected error: %s", reply.Error)

	// The post-initialize probe promotes the provider straight to
	// healthy.
	state, err := h.manager.State(testProviderID)
	require.NoError(t, err)
	require.Equal(t, core.ProviderHealthy, state.Status)
}

func TestService_InitializeUnknownProviderFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	reply := h.request(t, admin.SubjectInitialize, admin.InitializeRequest{
		ProviderID: "nonexistent",
	})
	require.False(t, reply.OK)
	require.NotEmpty(t, reply.Error)
}

func TestService_ConfigAppliesPartialUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	endpoint := "https://tts.example.com"
	reply := h.request(t, admin.SubjectConfig, admin.ConfigRequest{
		ProviderID: testProviderID,
		Update: core.ConfigUpdate{
			Enabled:     nil,
			Endpoint:    &endpoint,
			Credentials: nil,
			Extra:       nil,
		},
	})
	require.True(t, reply.OK, "unexpected error: %s", reply.Error)

	var snapshot core.ProviderConfig

	require.NoError(t, json.Unmarshal(reply.Config, &snapshot))
	require.Equal(t, endpoint, snapshot.Endpoint)
	// Untouched fields survive the partial update.
	require.Equal(t, "k", snapshot.Credentials.Key)
	require.True(t, snapshot.Enabled)
}

func TestService_HealthReportsProbedProviders(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	initReply := h.request(t, admin.SubjectInitialize, admin.InitializeRequest{
		ProviderID: testProviderID,
	})
	require.True(t, initReply.OK)

	reply := h.request(t, admin.SubjectHealth, struct{}{})
	require.True(t, reply.OK)

	var health map[string]core.HealthInfo

	require.NoError(t, json.Unmarshal(reply.Health, &health))
	require.Contains(t, health, testProviderID)
	require.True(t, health[testProviderID].Healthy)
}

func TestService_EnableFlipsAdministrativeFlag(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	reply := h.request(t, admin.SubjectEnable, admin.EnableRequest{
		ProviderID: testProviderID,
		Enabled:    false,
	})
	require.True(t, reply.OK, "unexpected error: %s", reply.Error)

	var snapshot core.ProviderConfig

	require.NoError(t, json.Unmarshal(reply.Config, &snapshot))
	require.False(t, snapshot.Enabled)

	state, err := h.manager.State(testProviderID)
	require.NoError(t, err)
	require.Equal(t, core.ProviderDisabled, state.Status)
}

func TestService_CleanupTearsDownEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	initReply := h.request(t, admin.SubjectInitialize, admin.InitializeRequest{
		ProviderID: testProviderID,
	})
	require.True(t, initReply.OK)

	reply := h.request(t, admin.SubjectCleanup, struct{}{})
	require.True(t, reply.OK)

	_, err := h.manager.Adapter(testProviderID)
	require.ErrorIs(t, err, core.ErrProviderNotFound)
}

func TestService_MalformedRequestGetsErrorEnvelope(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	msg, err := h.conn.Request(admin.SubjectInitialize, []byte("not json"), requestWait)
	require.NoError(t, err)

	var reply admin.Reply

	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	require.False(t, reply.OK)
	require.NotEmpty(t, reply.Error)
}
