// Package synthesis implements the built-in handler for the voice domain:
// provider selection, the synthesis call, artifact upload, and the
// completion event.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
	"github.com/book-expert/voice-orchestrator/internal/provider"
)

// audioKeySuffix extends the task id into the artifact key, so each
// redelivery of the same task overwrites one object.
const audioKeySuffix = ".audio"

// Result is recorded on SUCCESS: where the audio landed and which
// provider produced it.
type Result struct {
	Artifact core.Artifact `json:"artifact"`
	Provider string        `json:"provider"`
	RemoteID string        `json:"remote_id,omitempty"`
}

// Handler is the built-in handler for the voice domain. Workers never
// talk to a provider directly; every call goes through the platform
// manager's selection contract.
type Handler struct {
	manager      *provider.Manager
	artifacts    core.ArtifactStore
	conn         *nats.Conn
	eventSubject string
	met          *metrics.Metrics
	log          *logger.Logger
}

// NewHandler creates the voice synthesis handler. The event subject may be
// empty to disable completion events.
func NewHandler(
	manager *provider.Manager,
	artifacts core.ArtifactStore,
	conn *nats.Conn,
	eventSubject string,
	met *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	return &Handler{
		manager:      manager,
		artifacts:    artifacts,
		conn:         conn,
		eventSubject: eventSubject,
		met:          met,
		log:          log,
	}
}

// Handle synthesizes the payload text through a selected provider and
// uploads the audio as an artifact. The streaming variant is used when the
// adapter supports it, with frames becoming progress checkpoints.
func (h *Handler) Handle(
	ctx context.Context,
	task core.Task,
	payload []byte,
	rep core.Reporter,
) ([]byte, error) {
	var req core.SynthesisRequest

	err := json.Unmarshal(payload, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidPayload, err)
	}

	providerID, err := h.manager.SelectProvider(core.DomainVoice, req.PreferredProvider)
	if err != nil {
		// ErrNoProviderAvailable flows through untouched so the queue
		// records it terminally instead of burning retries.
		return nil, err
	}

	h.met.ProviderSelected(core.DomainVoice, providerID)

	adapter, err := h.manager.Adapter(providerID)
	if err != nil {
		return nil, err
	}

	result, err := h.synthesize(ctx, adapter, req, rep)
	if err != nil {
		return nil, err
	}

	artifact, err := h.artifacts.Upload(ctx, task.ID+audioKeySuffix, result.Audio, result.ContentType)
	if err != nil {
		return nil, core.NewTransientError("artifact-store",
			fmt.Errorf("failed to upload audio: %w", err))
	}

	h.publishCompletion(task, artifact.Key)

	out, err := json.Marshal(Result{
		Artifact: artifact,
		Provider: providerID,
		RemoteID: result.RemoteID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis result: %w", err)
	}

	h.log.Info("task %s: synthesized %d bytes via %s", task.ID, len(result.Audio), providerID)

	return out, nil
}

// synthesize runs one adapter call under the configured deadline,
// streaming when the adapter offers it.
func (h *Handler) synthesize(
	ctx context.Context,
	adapter core.Adapter,
	req core.SynthesisRequest,
	rep core.Reporter,
) (*core.SynthesisResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.manager.CallTimeout())
	defer cancel()

	streamer, ok := adapter.(core.StreamingSynthesizer)
	if !ok {
		result, err := adapter.Synthesize(callCtx, req)
		if err != nil {
			return nil, fmt.Errorf("synthesis via %s failed: %w", adapter.ID(), err)
		}

		return result, nil
	}

	frames, err := streamer.SynthesizeStream(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("streaming synthesis via %s failed: %w", adapter.ID(), err)
	}

	var audio bytes.Buffer

	frameCount := int64(0)

	for frame := range frames {
		if frame.Err != nil {
			// Terminal error frame: the sequence ended early on the
			// provider side.
			return nil, fmt.Errorf("stream from %s broke: %w", adapter.ID(), frame.Err)
		}

		audio.Write(frame.Data)
		frameCount++

		progressErr := rep.Progress(ctx, frameCount, 0,
			fmt.Sprintf("%d bytes received", audio.Len()))
		if progressErr != nil {
			return nil, progressErr
		}
	}

	return &core.SynthesisResult{
		Audio:       audio.Bytes(),
		ContentType: "audio/" + format(req),
		RemoteID:    "",
	}, nil
}

// publishCompletion emits the pipeline event downstream stages react to.
// A publish failure is logged, never fatal: the task result already
// carries the artifact reference.
func (h *Handler) publishCompletion(task core.Task, audioKey string) {
	if h.eventSubject == "" {
		return
	}

	event := events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: task.ID,
			EventID:    uuid.NewString(),
			UserID:     task.UserID,
			TenantID:   task.TenantID,
		},
		AudioKey:   audioKey,
		PageNumber: 0,
		TotalPages: 0,
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal completion event for %s: %v", task.ID, err)

		return
	}

	err = h.conn.Publish(h.eventSubject, data)
	if err != nil {
		h.log.Warn("failed to publish completion event for %s: %v", task.ID, err)
	}
}

func format(req core.SynthesisRequest) string {
	if req.Format == "" {
		return "wav"
	}

	return req.Format
}
