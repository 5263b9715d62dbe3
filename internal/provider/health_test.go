package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
	"github.com/book-expert/voice-orchestrator/internal/provider"
)

func TestMonitor_SweepFoldsProbeResultsIntoState(t *testing.T) {
	t.Parallel()

	platform := newTestPlatform(t, nil)
	adapter := platform.addProvider(t, "volcano", true)
	platform.manager.InitializeAll(context.Background())

	monitor := provider.NewMonitor(platform.manager, time.Minute, metrics.New(), testLoggerFor(t))

	ctx := context.Background()

	monitor.Sweep(ctx)

	state, err := platform.manager.State("volcano")
	require.NoError(t, err)
	require.Equal(t, core.ProviderHealthy, state.Status)

	adapter.setHealthErr(errProbeDown)

	for i := 0; i < 3; i++ {
		monitor.Sweep(ctx)
	}

	state, err = platform.manager.State("volcano")
	require.NoError(t, err)
	require.Equal(t, core.ProviderFailed, state.Status)
	require.Equal(t, errProbeDown.Error(), state.LastError)
}

func TestMonitor_CheckNowProbesOneProvider(t *testing.T) {
	t.Parallel()

	platform := newTestPlatform(t, nil)
	platform.addProvider(t, "volcano", true)
	platform.manager.InitializeAll(context.Background())

	monitor := provider.NewMonitor(platform.manager, time.Minute, metrics.New(), testLoggerFor(t))

	info, err := monitor.CheckNow(context.Background(), "volcano")
	require.NoError(t, err)
	require.True(t, info.Healthy)

	_, err = monitor.CheckNow(context.Background(), "nobody")
	require.ErrorIs(t, err, core.ErrProviderNotFound)
}
