package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// ErrTaskExists indicates Create was called twice for the same task id.
var ErrTaskExists = errors.New("task already exists")

// MemoryStore is the in-process implementation of the task store. It
// enforces the same invariants as the KV store and backs tests and
// embedded deployments without a broker.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]core.Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:    sync.RWMutex{},
		tasks: make(map[string]core.Task),
	}
}

// Create stores the initial record for a task. The task id must be new.
func (s *MemoryStore) Create(_ context.Context, task core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	s.tasks[task.ID] = task

	return nil
}

// Get returns the latest snapshot for a task id.
func (s *MemoryStore) Get(_ context.Context, taskID string) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}

	return task, nil
}

// Update applies mutate to the latest snapshot under the store lock,
// enforcing terminal immutability and monotonic progress.
func (s *MemoryStore) Update(
	_ context.Context,
	taskID string,
	mutate func(*core.Task) error,
) (core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}

	next, err := applyMutation(task, mutate)
	if err != nil {
		return core.Task{}, err
	}

	s.tasks[taskID] = next

	return next, nil
}
