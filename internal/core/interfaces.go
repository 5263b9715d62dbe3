package core

import "context"

// Adapter is the uniform capability surface over one external synthesis
// vendor. All operations are idempotent-safe to retry except Synthesize,
// which may bill on the remote side; adapters surface possible partial
// remote success through ProviderError.PartialResult.
type Adapter interface {
	// ID returns the provider id the adapter serves.
	ID() string
	// Connect establishes and verifies the vendor session.
	Connect(ctx context.Context) error
	// Synthesize performs one synthesis call.
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
	// CheckStatus reports the vendor-side state of a submitted job.
	CheckStatus(ctx context.Context, remoteID string) (RemoteStatus, error)
	// HealthCheck probes vendor availability.
	HealthCheck(ctx context.Context) (HealthInfo, error)
	// Teardown releases the vendor session.
	Teardown(ctx context.Context) error
}

// StreamingSynthesizer is the optional streaming variant of an adapter,
// discovered by type assertion. The returned channel yields a lazy, finite,
// non-restartable sequence of partial-result frames and closes after a
// terminal frame (Err set on provider failure).
type StreamingSynthesizer interface {
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan Frame, error)
}

// ArtifactStore stores binary task outputs under caller-chosen keys.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (Artifact, error)
	Download(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context) ([]ArtifactInfo, error)
	Delete(ctx context.Context, key string) error
}

// TaskStore is the durable progress/result store, keyed by task id.
// Update applies mutate to the latest snapshot under optimistic concurrency
// and must refuse any transition out of a terminal state with
// ErrTaskTerminal. Get returns ErrTaskNotFound for unknown or expired ids.
type TaskStore interface {
	Create(ctx context.Context, task Task) error
	Get(ctx context.Context, taskID string) (Task, error)
	Update(ctx context.Context, taskID string, mutate func(*Task) error) (Task, error)
}

// Reporter delivers progress checkpoints from inside a handler's execution
// context. Implementations persist the report and extend the worker's claim
// on the task.
type Reporter interface {
	Progress(ctx context.Context, current, total int64, message string) error
}

// HandlerFunc executes one task domain. It receives the task snapshot and
// the opaque payload, and returns the result blob to record on SUCCESS.
// Handlers must tolerate re-execution: delivery is at-least-once.
type HandlerFunc func(ctx context.Context, task Task, payload []byte, rep Reporter) ([]byte, error)
