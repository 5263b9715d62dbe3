// Package maintenance implements the handlers consumed from the
// maintenance queue: the artifact retention janitor and the queue stats
// refresh. Both are idempotent, so a redelivery after a visibility-timeout
// expiry is harmless.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
)

// Maintenance operations.
const (
	OpCleanupExpired = "cleanup_expired"
	OpStatsRefresh   = "stats_refresh"
)

// ErrUnknownOperation indicates a maintenance payload names no known
// operation.
var ErrUnknownOperation = fmt.Errorf("%w: unknown maintenance operation", core.ErrInvalidPayload)

// Request is the payload of a maintenance-domain task.
type Request struct {
	Operation string `json:"operation"`
	// MaxAgeHours overrides the configured retention window for one
	// cleanup run. Zero keeps the default.
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// CleanupResult is recorded on SUCCESS of a cleanup run.
type CleanupResult struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
}

// Handler dispatches maintenance operations.
type Handler struct {
	artifacts  core.ArtifactStore
	js         nats.JetStreamContext
	streamName string
	retention  time.Duration
	met        *metrics.Metrics
	log        *logger.Logger
}

// NewHandler creates the maintenance handler. retention is the default
// artifact retention window for cleanup runs.
func NewHandler(
	artifacts core.ArtifactStore,
	jetstreamContext nats.JetStreamContext,
	streamName string,
	retention time.Duration,
	met *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	return &Handler{
		artifacts:  artifacts,
		js:         jetstreamContext,
		streamName: streamName,
		retention:  retention,
		met:        met,
		log:        log,
	}
}

// Handle dispatches one maintenance task by operation name.
func (h *Handler) Handle(
	ctx context.Context,
	task core.Task,
	payload []byte,
	rep core.Reporter,
) ([]byte, error) {
	var req Request

	err := json.Unmarshal(payload, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidPayload, err)
	}

	switch req.Operation {
	case OpCleanupExpired:
		return h.cleanupExpired(ctx, task, req, rep)
	case OpStatsRefresh:
		return h.statsRefresh(task)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)
	}
}

// cleanupExpired deletes artifacts older than the retention window.
// Deleting an already-deleted artifact is not an error, so re-execution
// converges.
func (h *Handler) cleanupExpired(
	ctx context.Context,
	task core.Task,
	req Request,
	rep core.Reporter,
) ([]byte, error) {
	maxAge := h.retention
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}

	cutoff := time.Now().Add(-maxAge)

	infos, err := h.artifacts.List(ctx)
	if err != nil {
		return nil, core.NewTransientError("artifact-store",
			fmt.Errorf("failed to list artifacts: %w", err))
	}

	deleted := 0

	for index, info := range infos {
		if info.ModifiedAt.After(cutoff) {
			continue
		}

		err = h.artifacts.Delete(ctx, info.Key)
		if err != nil {
			h.log.Warn("failed to delete expired artifact %s: %v", info.Key, err)

			continue
		}

		deleted++

		progressErr := rep.Progress(ctx, int64(index+1), int64(len(infos)),
			fmt.Sprintf("deleted %s", info.Key))
		if progressErr != nil {
			return nil, progressErr
		}
	}

	h.met.ArtifactsCleaned(deleted)
	h.log.Info("task %s: cleanup scanned %d artifacts, deleted %d", task.ID, len(infos), deleted)

	result, err := json.Marshal(CleanupResult{Scanned: len(infos), Deleted: deleted})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cleanup result: %w", err)
	}

	return result, nil
}

// statsRefresh republishes per-queue backlog depths to the metrics gauges
// from the broker's consumer info.
func (h *Handler) statsRefresh(task core.Task) ([]byte, error) {
	pending := make(map[string]uint64)

	for _, domain := range core.Domains() {
		queueName, err := domain.QueueName()
		if err != nil {
			return nil, err
		}

		info, err := h.js.ConsumerInfo(h.streamName, queueName)
		if err != nil {
			// A queue nobody has consumed from yet has no consumer.
			h.log.Info("no consumer info for %s yet: %v", queueName, err)

			continue
		}

		pending[queueName] = info.NumPending
		h.met.QueuePending(queueName, float64(info.NumPending))
	}

	h.log.Info("task %s: refreshed stats for %d queues", task.ID, len(pending))

	result, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats result: %w", err)
	}

	return result, nil
}
