// main package for the voice-orchestrator daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/admin"
	"github.com/book-expert/voice-orchestrator/internal/audio"
	"github.com/book-expert/voice-orchestrator/internal/config"
	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/maintenance"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
	"github.com/book-expert/voice-orchestrator/internal/objectstore"
	"github.com/book-expert/voice-orchestrator/internal/provider"
	"github.com/book-expert/voice-orchestrator/internal/queue"
	"github.com/book-expert/voice-orchestrator/internal/scheduler"
	"github.com/book-expert/voice-orchestrator/internal/synthesis"
	"github.com/book-expert/voice-orchestrator/internal/taskstore"
	"github.com/book-expert/voice-orchestrator/internal/textproc"
)

const shutdownTimeout = 30 * time.Second

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Bootstrap logger in the temp dir until configuration resolves the
	// real log directory.
	bootstrapLog, err := logger.New(os.TempDir(), "voice-orchestrator-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Dir, cfg.Logging.File)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	return runService(cfg, log)
}

// runService wires the platform, queue, scheduler, and admin surfaces and
// blocks until a shutdown signal arrives.
func runService(cfg *config.Config, log *logger.Logger) error {
	conn, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %w", core.ErrQueueUnavailable, cfg.NATS.URL, err)
	}
	defer conn.Close()

	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get jetstream context: %w", err)
	}

	met := metrics.New()

	store, err := taskstore.NewKVStore(js, cfg.Store.Bucket, cfg.StoreRetention())
	if err != nil {
		return err
	}

	artifacts, err := buildArtifactStore(cfg, js)
	if err != nil {
		return err
	}

	manager, err := buildPlatform(cfg, log)
	if err != nil {
		return err
	}

	queueCfg := queue.Config{
		StreamName:         cfg.Queue.StreamName,
		SubjectPrefix:      cfg.Queue.SubjectPrefix,
		VisibilityTimeout:  cfg.VisibilityTimeout(),
		RetryDelay:         cfg.RetryDelay(),
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		WorkersPerQueue:    cfg.Queue.WorkersPerQueue,
		FetchBatch:         cfg.Queue.FetchBatch,
	}

	client := queue.NewClient(conn, js, queueCfg, store, met, log)

	err = client.EnsureTopology()
	if err != nil {
		return err
	}

	runtime := queue.NewRuntime(conn, js, queueCfg, store, met, log)
	runtime.Register(core.DomainText, textproc.NewHandler(log).Handle)
	runtime.Register(core.DomainVoice, synthesis.NewHandler(
		manager, artifacts, conn, cfg.Events.AudioChunkCreatedSubject, met, log).Handle)
	runtime.Register(core.DomainMixAll, audio.NewHandler(artifacts, log).Handle)
	runtime.Register(core.DomainMaintenance, maintenance.NewHandler(
		artifacts, js, cfg.Queue.StreamName, cfg.ArtifactRetention(), met, log).Handle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failures := manager.InitializeAll(ctx)
	for providerID, initErr := range failures {
		log.Warn("provider %s left FAILED at startup: %v", providerID, initErr)
	}

	monitor := provider.NewMonitor(manager, cfg.HealthInterval(), met, log)

	adminService := admin.NewService(conn, manager, log)

	err = adminService.Start()
	if err != nil {
		return err
	}
	defer adminService.Stop()

	var waitGroup sync.WaitGroup

	startBackground(ctx, &waitGroup, monitor, cfg, client, manager, log, met)

	metricsServer := startMetrics(cfg, met, log)

	runErr := runtime.Run(ctx)

	waitGroup.Wait()

	shutdown(metricsServer, manager, log)

	return runErr
}

// startBackground launches the monitor, scheduler, reconcile loop, and
// providers-file watcher.
func startBackground(
	ctx context.Context,
	waitGroup *sync.WaitGroup,
	monitor *provider.Monitor,
	cfg *config.Config,
	client *queue.Client,
	manager *provider.Manager,
	log *logger.Logger,
	met *metrics.Metrics,
) {
	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		monitor.Run(ctx)
	}()

	if cfg.Scheduler.TableFile != "" {
		entries, err := scheduler.LoadTable(cfg.Scheduler.TableFile)
		if err != nil {
			log.Warn("scheduler disabled: %v", err)
		} else {
			sched := scheduler.New(entries, client, cfg.SchedulerTick(), met, log)

			waitGroup.Add(1)

			go func() {
				defer waitGroup.Done()

				sched.Run(ctx)
			}()
		}
	}

	if cfg.Platform.ReconcileEnabled {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			ticker := time.NewTicker(cfg.HealthInterval())
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					manager.Reconcile(ctx)
				}
			}
		}()
	}

	if cfg.Platform.ProvidersFile != "" {
		watcher, err := provider.NewWatcher(manager, cfg.Platform.ProvidersFile, log)
		if err != nil {
			log.Warn("providers file watcher disabled: %v", err)

			return
		}

		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			watchErr := watcher.Run(ctx)
			if watchErr != nil {
				log.Warn("providers file watcher stopped: %v", watchErr)
			}
		}()
	}
}

// buildArtifactStore selects the configured artifact backend.
func buildArtifactStore(cfg *config.Config, js nats.JetStreamContext) (core.ArtifactStore, error) {
	if cfg.Artifacts.Backend == config.ArtifactBackendS3 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return objectstore.NewS3Store(ctx, objectstore.S3Options{
			Endpoint:  cfg.Artifacts.S3.Endpoint,
			AccessKey: cfg.Artifacts.S3.AccessKey,
			SecretKey: cfg.Artifacts.S3.SecretKey,
			UseSSL:    cfg.Artifacts.S3.UseSSL,
			Bucket:    cfg.Artifacts.Bucket,
		})
	}

	return objectstore.NewNATSStore(js, cfg.Artifacts.Bucket)
}

// buildPlatform loads the providers file and seeds the registry and
// manager.
func buildPlatform(cfg *config.Config, log *logger.Logger) (*provider.Manager, error) {
	registry := provider.NewRegistry()

	priority := make(map[core.Domain][]string, len(cfg.Platform.Priority))
	for domain, order := range cfg.Platform.Priority {
		priority[core.Domain(domain)] = order
	}

	manager := provider.NewManager(
		registry,
		provider.DefaultFactory(cfg.CallTimeout()),
		priority,
		cfg.Platform.FailureThreshold,
		cfg.CallTimeout(),
		log,
	)

	if cfg.Platform.ProvidersFile != "" {
		configs, err := provider.LoadProvidersFile(cfg.Platform.ProvidersFile)
		if err != nil {
			return nil, err
		}

		for _, providerCfg := range configs {
			err = manager.Register(providerCfg)
			if err != nil {
				return nil, err
			}
		}
	}

	return manager, nil
}

// startMetrics serves the Prometheus listener when one is configured.
func startMetrics(cfg *config.Config, met *metrics.Metrics, log *logger.Logger) *http.Server {
	if cfg.Metrics.Listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())

	server := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped: %v", err)
		}
	}()

	log.System("Metrics listening on %s", cfg.Metrics.Listen)

	return server
}

// shutdown tears down the metrics listener and every provider adapter.
func shutdown(metricsServer *http.Server, manager *provider.Manager, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		err := metricsServer.Shutdown(ctx)
		if err != nil {
			log.Warn("metrics shutdown: %v", err)
		}
	}

	manager.CleanupAll(ctx)
	log.System("Voice orchestrator stopped.")
}
