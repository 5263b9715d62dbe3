package audio

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

const mergedContentType = "audio/wav"

// Request is the payload of a mixall-domain task: the ordered artifact
// keys of the WAV chunks to combine.
type Request struct {
	ChunkKeys []string `json:"chunk_keys"`
	OutputKey string   `json:"output_key,omitempty"`
}

// Result is recorded on SUCCESS: the artifact reference of the combined
// audio object.
type Result struct {
	Artifact core.Artifact `json:"artifact"`
	Chunks   int           `json:"chunks"`
}

// Handler is the built-in handler for the mixall domain.
type Handler struct {
	artifacts core.ArtifactStore
	log       *logger.Logger
}

// NewHandler creates the audio assembly handler.
func NewHandler(artifacts core.ArtifactStore, log *logger.Logger) *Handler {
	return &Handler{
		artifacts: artifacts,
		log:       log,
	}
}

// Handle downloads each chunk, validates and merges them, and uploads the
// combined WAV. Progress is one checkpoint per chunk plus the final
// upload. Re-execution overwrites the same output key, so a redelivered
// task converges on the same artifact.
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

	if len(req.ChunkKeys) == 0 {
		return nil, fmt.Errorf("%w: no chunk keys", core.ErrInvalidPayload)
	}

	total := int64(len(req.ChunkKeys) + 1)
	files := make([]*File, 0, len(req.ChunkKeys))

	for index, key := range req.ChunkKeys {
		raw, err := h.artifacts.Download(ctx, key)
		if err != nil {
			// Store hiccups are worth a retry.
			return nil, core.NewTransientError("artifact-store",
				fmt.Errorf("failed to download chunk %q: %w", key, err))
		}

		file, err := Parse(raw)
		if err != nil {
			// Malformed or mismatched chunks cannot be fixed by
			// retrying the task.
			return nil, fmt.Errorf("chunk %q: %w", key, err)
		}

		files = append(files, file)

		err = rep.Progress(ctx, int64(index+1), total, fmt.Sprintf("merged %s", key))
		if err != nil {
			return nil, err
		}
	}

	merged, err := Merge(files)
	if err != nil {
		return nil, err
	}

	// The default key derives from the task id, so a redelivered task
	// overwrites its own output instead of leaking a second artifact.
	outputKey := req.OutputKey
	if outputKey == "" {
		outputKey = task.ID + ".wav"
	}

	artifact, err := h.artifacts.Upload(ctx, outputKey, merged, mergedContentType)
	if err != nil {
		return nil, core.NewTransientError("artifact-store",
			fmt.Errorf("failed to upload merged audio: %w", err))
	}

	err = rep.Progress(ctx, total, total, "uploaded")
	if err != nil {
		return nil, err
	}

	h.log.Info("task %s: merged %d chunks into %s (%d bytes)",
		task.ID, len(files), outputKey, len(merged))

	result, err := json.Marshal(Result{Artifact: artifact, Chunks: len(files)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merge result: %w", err)
	}

	return result, nil
}
