package provider_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/provider"
)

func TestWatcher_AppliesFileChanges(t *testing.T) {
	t.Parallel()

	platform := newTestPlatform(t, nil)
	path := filepath.Join(t.TempDir(), "providers.toml")

	watcher, err := provider.NewWatcher(platform.manager, path, testLoggerFor(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = watcher.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// First write registers an unknown provider.
	enabled := `
[providers.volcano]
enabled = true
endpoint = "https://tts.volcano.invalid"
[providers.volcano.credentials]
key = "app-id"
secret = "token"
`
	require.NoError(t, os.WriteFile(path, []byte(enabled), 0o600))

	require.Eventually(t, func() bool {
		cfg, getErr := platform.manager.Registry().GetConfig("volcano")

		return getErr == nil && cfg.Enabled
	}, 5*time.Second, 50*time.Millisecond)

	// A second write flipping the enable flag disables the provider.
	disabled := `
[providers.volcano]
enabled = false
endpoint = "https://tts.volcano.invalid"
[providers.volcano.credentials]
key = "app-id"
secret = "token"
`
	require.NoError(t, os.WriteFile(path, []byte(disabled), 0o600))

	require.Eventually(t, func() bool {
		state, stateErr := platform.manager.State("volcano")

		return stateErr == nil && state.Status == core.ProviderDisabled
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcher_MalformedFileKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()

	platform := newTestPlatform(t, nil)
	path := filepath.Join(t.TempDir(), "providers.toml")

	watcher, err := provider.NewWatcher(platform.manager, path, testLoggerFor(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = watcher.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	good := `
[providers.volcano]
enabled = true
endpoint = "https://tts.volcano.invalid"
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))

	require.Eventually(t, func() bool {
		_, getErr := platform.manager.Registry().GetConfig("volcano")

		return getErr == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("[providers.volcano\nbroken"), 0o600))

	// The malformed write is skipped; the registered snapshot survives.
	time.Sleep(time.Second)

	cfg, err := platform.manager.Registry().GetConfig("volcano")
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
}
