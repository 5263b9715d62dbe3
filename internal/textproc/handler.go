package textproc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Pipeline stages reported as progress checkpoints.
const (
	stageNormalize = 1
	stageChunk     = 2
	stageDone      = 3
	totalStages    = 3
)

// Request is the payload of a text-domain task.
type Request struct {
	Text          string `json:"text"`
	MaxChunkChars int    `json:"max_chunk_chars,omitempty"`
}

// Manifest is the result recorded on SUCCESS: the normalized text split
// into synthesis-ready chunks.
type Manifest struct {
	Chunks     []string `json:"chunks"`
	TotalChars int      `json:"total_chars"`
}

// Handler is the built-in handler for the text domain.
type Handler struct {
	normalizer *Normalizer
	log        *logger.Logger
}

// NewHandler creates the text preprocessing handler.
func NewHandler(log *logger.Logger) *Handler {
	return &Handler{
		normalizer: NewNormalizer(),
		log:        log,
	}
}

// Handle normalizes and chunks the payload text, reporting one checkpoint
// per pipeline stage. Re-execution is harmless: the pipeline is pure.
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

	if req.Text == "" {
		return nil, fmt.Errorf("%w: text is empty", core.ErrInvalidPayload)
	}

	normalized := h.normalizer.Normalize(req.Text)

	err = rep.Progress(ctx, stageNormalize, totalStages, "normalized")
	if err != nil {
		return nil, err
	}

	chunks := Chunk(normalized, req.MaxChunkChars)

	err = rep.Progress(ctx, stageChunk, totalStages, "chunked")
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(Manifest{
		Chunks:     chunks,
		TotalChars: len(normalized),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk manifest: %w", err)
	}

	err = rep.Progress(ctx, stageDone, totalStages, "done")
	if err != nil {
		return nil, err
	}

	h.log.Info("task %s: normalized %d chars into %d chunks", task.ID, len(normalized), len(chunks))

	return result, nil
}
