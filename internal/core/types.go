// Package core defines the task model, provider contracts, and shared
// interfaces for the voice orchestration service.
package core

import (
	"time"
)

// Domain is a category of work used for queue routing.
type Domain string

// Work domains. Each maps to exactly one named queue.
const (
	DomainText        Domain = "text"
	DomainVoice       Domain = "voice"
	DomainImage       Domain = "image"
	DomainMixAll      Domain = "mixall"
	DomainMaintenance Domain = "maintenance"
)

// Named queues, one per domain.
const (
	TextQueue        = "text_queue"
	VoiceQueue       = "voice_queue"
	ImageQueue       = "image_queue"
	MixAllQueue      = "mixall_queue"
	MaintenanceQueue = "maintenance_queue"
)

// queueByDomain is the routing table; routing never falls through to a
// default queue.
var queueByDomain = map[Domain]string{
	DomainText:        TextQueue,
	DomainVoice:       VoiceQueue,
	DomainImage:       ImageQueue,
	DomainMixAll:      MixAllQueue,
	DomainMaintenance: MaintenanceQueue,
}

// Domains returns every routable domain in a stable order.
func Domains() []Domain {
	return []Domain{
		DomainText,
		DomainVoice,
		DomainImage,
		DomainMixAll,
		DomainMaintenance,
	}
}

// Valid reports whether the domain is one of the routable domains.
func (d Domain) Valid() bool {
	_, ok := queueByDomain[d]

	return ok
}

// QueueName returns the named queue the domain routes to.
func (d Domain) QueueName() (string, error) {
	name, ok := queueByDomain[d]
	if !ok {
		return "", ErrUnknownDomain
	}

	return name, nil
}

// TaskState is the lifecycle state of a task.
type TaskState string

// Task lifecycle states. SUCCESS, FAILURE, and REVOKED are terminal.
const (
	StatePending  TaskState = "PENDING"
	StateStarted  TaskState = "STARTED"
	StateProgress TaskState = "PROGRESS"
	StateSuccess  TaskState = "SUCCESS"
	StateFailure  TaskState = "FAILURE"
	StateRetry    TaskState = "RETRY"
	StateRevoked  TaskState = "REVOKED"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	case StatePending, StateStarted, StateProgress, StateRetry:
		return false
	default:
		return false
	}
}

// Progress is a point-in-time completion report for a running task.
// Current is monotonically non-decreasing for the life of the task.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message,omitempty"`
}

// TaskError records why a task failed, with the kind preserved so callers
// can distinguish provider exhaustion from ordinary execution failure.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Task is one unit of asynchronous work with its own lifecycle and retry
// budget. Mutated exclusively through the task store, which refuses writes
// once the state is terminal.
type Task struct {
	ID          string     `json:"id"`
	Domain      Domain     `json:"domain"`
	QueueName   string     `json:"queue_name"`
	State       TaskState  `json:"state"`
	Progress    Progress   `json:"progress"`
	Result      []byte     `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	Attempt     uint       `json:"attempt"`
	MaxAttempts uint       `json:"max_attempts"`
	UserID      string     `json:"user_id,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Envelope is the wire form of a queued task. The payload stays opaque to
// the queue layer; handlers own its interpretation.
type Envelope struct {
	TaskID      string    `json:"task_id"`
	Domain      Domain    `json:"domain"`
	Payload     []byte    `json:"payload"`
	MaxAttempts uint      `json:"max_attempts"`
	UserID      string    `json:"user_id,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	Domain      Domain
	Payload     []byte
	MaxAttempts uint
	UserID      string
	TenantID    string
}

// RetryPolicy is the queue's re-execution policy for transient failures.
type RetryPolicy struct {
	MaxAttempts uint
	Delay       time.Duration
}

// Artifact is a reference to a stored binary output.
type Artifact struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// ArtifactInfo describes a stored artifact for listing and retention sweeps.
type ArtifactInfo struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
}

// SynthesisRequest describes one synthesis call routed to a provider.
type SynthesisRequest struct {
	Text              string  `json:"text"`
	Voice             string  `json:"voice"`
	Format            string  `json:"format"`
	Speed             float64 `json:"speed,omitempty"`
	PreferredProvider string  `json:"preferred_provider,omitempty"`
}

// SynthesisResult is the raw output of one provider synthesis call.
// RemoteID, when set, identifies the vendor-side job for CheckStatus.
type SynthesisResult struct {
	Audio       []byte
	ContentType string
	RemoteID    string
}

// Frame is one element of a streaming synthesis sequence. The sequence is
// lazy, finite, and non-restartable; a provider-side failure arrives as a
// final frame with Err set rather than a silent channel close.
type Frame struct {
	Data []byte
	Err  error
}

// RemoteStatus is the vendor-side state of a previously submitted job.
type RemoteStatus string

// Vendor-side job states, normalized across providers.
const (
	RemoteQueued  RemoteStatus = "queued"
	RemoteRunning RemoteStatus = "running"
	RemoteDone    RemoteStatus = "done"
	RemoteFailed  RemoteStatus = "failed"
)

// HealthInfo is the result of one provider health probe.
type HealthInfo struct {
	Healthy   bool          `json:"healthy"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}
