// Package taskstore provides the durable progress/result store for tasks,
// keyed by task id. The canonical backend is a NATS JetStream key-value
// bucket with a retention TTL; an in-memory twin serves tests and embedded
// use.
//
// Every write goes through Update, which applies a mutation to the latest
// snapshot under optimistic concurrency. Terminal records refuse further
// transitions and recorded progress never moves backwards.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// updateRetries bounds the compare-and-swap loop. Contention on a single
// task is two parties at most (worker and revoke), so a handful of rounds
// is plenty.
const updateRetries = 5

// ErrUpdateConflict indicates the compare-and-swap loop lost every round.
var ErrUpdateConflict = errors.New("task update conflict")

// KVStore is the JetStream key-value implementation of the task store.
type KVStore struct {
	bucket nats.KeyValue
}

// NewKVStore creates or binds the task state bucket. The TTL bounds
// retention: expired records read as not found.
func NewKVStore(jetstreamContext nats.JetStreamContext, bucketName string, ttl time.Duration) (*KVStore, error) {
	bucket, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:       bucketName,
		Description:  fmt.Sprintf("Task state for the %s bucket.", bucketName),
		MaxValueSize: 0,
		History:      1,
		TTL:          ttl,
		MaxBytes:     0,
		Storage:      nats.FileStorage,
		Replicas:     1,
		Placement:    nil,
		RePublish:    nil,
		Mirror:       nil,
		Sources:      nil,
	})
	if err != nil {
		// If the bucket already exists, bind to it.
		bucket, err = jetstreamContext.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to create or bind task state bucket %q: %w", bucketName, err)
		}
	}

	return &KVStore{bucket: bucket}, nil
}

// Create stores the initial record for a task. The task id must be new.
func (s *KVStore) Create(_ context.Context, task core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	_, err = s.bucket.Create(task.ID, data)
	if err != nil {
		return fmt.Errorf("failed to create task record %s: %w", task.ID, err)
	}

	return nil
}

// Get returns the latest snapshot for a task id.
func (s *KVStore) Get(_ context.Context, taskID string) (core.Task, error) {
	entry, err := s.bucket.Get(taskID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return core.Task{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
		}

		return core.Task{}, fmt.Errorf("failed to read task record %s: %w", taskID, err)
	}

	var task core.Task

	err = json.Unmarshal(entry.Value(), &task)
	if err != nil {
		return core.Task{}, fmt.Errorf("failed to decode task record %s: %w", taskID, err)
	}

	return task, nil
}

// Update applies mutate to the latest snapshot under a compare-and-swap on
// the KV revision. A terminal record refuses every transition with
// ErrTaskTerminal, and Progress.Current never decreases.
func (s *KVStore) Update(
	ctx context.Context,
	taskID string,
	mutate func(*core.Task) error,
) (core.Task, error) {
	for round := 0; round < updateRetries; round++ {
		entry, err := s.bucket.Get(taskID)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return core.Task{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
			}

			return core.Task{}, fmt.Errorf("failed to read task record %s: %w", taskID, err)
		}

		var task core.Task

		err = json.Unmarshal(entry.Value(), &task)
		if err != nil {
			return core.Task{}, fmt.Errorf("failed to decode task record %s: %w", taskID, err)
		}

		next, err := applyMutation(task, mutate)
		if err != nil {
			return core.Task{}, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return core.Task{}, fmt.Errorf("failed to marshal task %s: %w", taskID, err)
		}

		_, err = s.bucket.Update(taskID, data, entry.Revision())
		if err == nil {
			return next, nil
		}

		select {
		case <-ctx.Done():
			return core.Task{}, fmt.Errorf("task update cancelled: %w", ctx.Err())
		default:
		}
	}

	return core.Task{}, fmt.Errorf("%w: %s", ErrUpdateConflict, taskID)
}

// applyMutation enforces the store invariants around a caller mutation:
// terminal records are immutable and progress is monotonic.
func applyMutation(task core.Task, mutate func(*core.Task) error) (core.Task, error) {
	if task.State.Terminal() {
		return core.Task{}, fmt.Errorf("%w: %s is %s", core.ErrTaskTerminal, task.ID, task.State)
	}

	priorCurrent := task.Progress.Current

	next := task

	err := mutate(&next)
	if err != nil {
		return core.Task{}, err
	}

	if next.Progress.Current < priorCurrent {
		next.Progress.Current = priorCurrent
	}

	next.UpdatedAt = time.Now().UTC()

	return next, nil
}
