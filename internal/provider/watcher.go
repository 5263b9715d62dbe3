package provider

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/fsnotify/fsnotify"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// debounceDelay is how long the watcher waits for the file to stop
// changing before re-applying it. Editors and config pushers write in
// bursts.
const debounceDelay = 500 * time.Millisecond

// Watcher re-applies the providers file whenever it changes on disk, so
// operators can flip providers without restarting the daemon. Malformed
// files are logged and skipped; the last good snapshot stays active.
type Watcher struct {
	manager *Manager
	path    string
	log     *logger.Logger

	fsw     *fsnotify.Watcher
	pending chan struct{}
}

// NewWatcher creates a watcher over the providers file. The parent
// directory is watched rather than the file itself, because most editors
// replace the file on save.
func NewWatcher(manager *Manager, path string, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	err = fsw.Add(filepath.Dir(path))
	if err != nil {
		closeErr := fsw.Close()

		return nil, errors.Join(
			fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err),
			closeErr,
		)
	}

	return &Watcher{
		manager: manager,
		path:    path,
		log:     log,
		fsw:     fsw,
		pending: make(chan struct{}, 1),
	}, nil
}

// Run consumes filesystem events until the context is cancelled. Write and
// create events on the providers file arm a debounce timer; when the file
// settles, the new configuration is applied.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	var timer *time.Timer

	debounced := make(chan time.Time, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			if !w.relevant(event) {
				continue
			}

			if timer == nil {
				timer = time.AfterFunc(debounceDelay, func() {
					debounced <- time.Now()
				})
			} else {
				timer.Reset(debounceDelay)
			}
		case <-debounced:
			timer = nil

			w.apply()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.log.Warn("providers file watcher: %v", err)
		}
	}
}

// relevant reports whether the event concerns the providers file and can
// change its contents.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}

	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)
}

// apply reloads the providers file and pushes each provider's settings
// through the manager. Unknown providers are registered; known ones get a
// full-field update so enable flips take effect immediately.
func (w *Watcher) apply() {
	configs, err := LoadProvidersFile(w.path)
	if err != nil {
		w.log.Warn("skipping providers file reload: %v", err)

		return
	}

	for _, cfg := range configs {
		w.applyOne(cfg)
	}

	w.log.Info("providers file %s re-applied (%d providers)", w.path, len(configs))
}

func (w *Watcher) applyOne(cfg core.ProviderConfig) {
	_, err := w.manager.Registry().GetConfig(cfg.ID)
	if errors.Is(err, core.ErrProviderNotFound) {
		registerErr := w.manager.Register(cfg)
		if registerErr != nil {
			w.log.Warn("failed to register provider %s from file: %v", cfg.ID, registerErr)
		}

		return
	}

	enabled := cfg.Enabled
	endpoint := cfg.Endpoint
	credentials := cfg.Credentials

	_, err = w.manager.ApplyConfig(cfg.ID, core.ConfigUpdate{
		Enabled:     &enabled,
		Endpoint:    &endpoint,
		Credentials: &credentials,
		Extra:       cfg.Extra,
	})
	if err != nil {
		w.log.Warn("failed to apply provider %s from file: %v", cfg.ID, err)
	}
}
