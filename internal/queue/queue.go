// Package queue implements the task queue layer: submission, state
// queries, revocation, and the pull-based worker runtime. The broker is
// NATS JetStream; one work-queue stream carries one subject per domain,
// each consumed by a durable pull consumer whose AckWait is the visibility
// timeout.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
)

// duplicateWindow is the JetStream deduplication window for submissions.
// Envelopes carry the task id as their MsgId, so a double submit within
// the window lands once.
const duplicateWindow = 2 * time.Minute

// controlRevokeSuffix names the control subject for revoke broadcasts,
// relative to the subject prefix. It is deliberately outside the stream's
// subject set: control traffic never enters the work queue.
const controlRevokeSuffix = ".control.revoke"

// Config is the queue topology and retry policy.
type Config struct {
	StreamName         string
	SubjectPrefix      string
	VisibilityTimeout  time.Duration
	RetryDelay         time.Duration
	DefaultMaxAttempts uint
	WorkersPerQueue    int
	FetchBatch         int
}

// revokeSignal is the wire form of a revoke broadcast.
type revokeSignal struct {
	TaskID string `json:"task_id"`
}

// Client submits, inspects, and revokes tasks.
type Client struct {
	conn  *nats.Conn
	js    nats.JetStreamContext
	cfg   Config
	store core.TaskStore
	met   *metrics.Metrics
	log   *logger.Logger
}

// NewClient creates a queue client over an established broker connection.
func NewClient(
	conn *nats.Conn,
	jetstreamContext nats.JetStreamContext,
	cfg Config,
	store core.TaskStore,
	met *metrics.Metrics,
	log *logger.Logger,
) *Client {
	return &Client{
		conn:  conn,
		js:    jetstreamContext,
		cfg:   cfg,
		store: store,
		met:   met,
		log:   log,
	}
}

// EnsureTopology creates the work-queue stream when it does not exist yet.
// The stream carries exactly one subject per domain; a work-queue
// retention policy hands every message to exactly one consumer.
func (c *Client) EnsureTopology() error {
	_, err := c.js.StreamInfo(c.cfg.StreamName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %q: %w", c.cfg.StreamName, err)
	}

	subjects := make([]string, 0, len(core.Domains()))
	for _, domain := range core.Domains() {
		subjects = append(subjects, c.subjectFor(domain))
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:       c.cfg.StreamName,
		Subjects:   subjects,
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: duplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %q: %w", c.cfg.StreamName, err)
	}

	return nil
}

// Submit creates the task record and publishes its envelope on the
// domain's named queue. The broker being unreachable surfaces as
// ErrQueueUnavailable.
func (c *Client) Submit(ctx context.Context, req core.SubmitRequest) (string, error) {
	queueName, err := req.Domain.QueueName()
	if err != nil {
		return "", err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.cfg.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	taskID := uuid.NewString()

	task := core.Task{
		ID:          taskID,
		Domain:      req.Domain,
		QueueName:   queueName,
		State:       core.StatePending,
		Progress:    core.Progress{Current: 0, Total: 0, Message: ""},
		Result:      nil,
		Error:       nil,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = c.store.Create(ctx, task)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create task record: %w", core.ErrQueueUnavailable, err)
	}

	envelope := core.Envelope{
		TaskID:      taskID,
		Domain:      req.Domain,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		CreatedAt:   now,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	_, err = c.js.Publish(c.subjectFor(req.Domain), data, nats.MsgId(taskID), nats.Context(ctx))
	if err != nil {
		c.abandonRecord(ctx, taskID, err)

		return "", fmt.Errorf("%w: failed to publish to %s: %w",
			core.ErrQueueUnavailable, queueName, err)
	}

	c.met.TaskSubmitted(req.Domain)

	return taskID, nil
}

// GetState returns the latest task snapshot.
func (c *Client) GetState(ctx context.Context, taskID string) (core.Task, error) {
	return c.store.Get(ctx, taskID)
}

// Revoke marks a task REVOKED. With terminate false only a task that has
// not started (PENDING or RETRY) is revoked; repeating the call is a
// no-op that still reports true. With terminate true a running task is
// revoked as well and a cancel signal is broadcast to the owning worker;
// the abort is best-effort but the record stays REVOKED regardless.
func (c *Client) Revoke(ctx context.Context, taskID string, terminate bool) (bool, error) {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}

	switch task.State {
	case core.StateRevoked:
		return true, nil
	case core.StateSuccess, core.StateFailure:
		return false, nil
	case core.StateStarted, core.StateProgress:
		if !terminate {
			return false, nil
		}
	case core.StatePending, core.StateRetry:
	}

	_, err = c.store.Update(ctx, taskID, func(t *core.Task) error {
		t.State = core.StateRevoked
		t.Error = &core.TaskError{Kind: core.KindPermanent, Message: "revoked by caller"}

		return nil
	})
	if err != nil {
		// A concurrent transition won the race. Revoked is still a
		// success for idempotence; any other terminal state is not.
		if errors.Is(err, core.ErrTaskTerminal) {
			current, getErr := c.store.Get(ctx, taskID)
			if getErr == nil && current.State == core.StateRevoked {
				return true, nil
			}

			return false, nil
		}

		return false, err
	}

	c.met.TaskCompleted(task.Domain, core.StateRevoked)

	if terminate {
		c.broadcastRevoke(taskID)
	}

	return true, nil
}

// broadcastRevoke tells whichever worker owns the task to cancel its
// in-flight handler context.
func (c *Client) broadcastRevoke(taskID string) {
	data, err := json.Marshal(revokeSignal{TaskID: taskID})
	if err != nil {
		c.log.Error("failed to marshal revoke signal for %s: %v", taskID, err)

		return
	}

	err = c.conn.Publish(c.controlSubject(), data)
	if err != nil {
		c.log.Warn("failed to broadcast revoke for %s: %v", taskID, err)
	}
}

// abandonRecord marks a record FAILURE after its envelope could not be
// published, so callers polling the id see a terminal state instead of an
// eternal PENDING.
func (c *Client) abandonRecord(ctx context.Context, taskID string, cause error) {
	_, err := c.store.Update(ctx, taskID, func(t *core.Task) error {
		t.State = core.StateFailure
		t.Error = &core.TaskError{
			Kind:    core.KindTransient,
			Message: fmt.Sprintf("submission failed: %v", cause),
		}

		return nil
	})
	if err != nil {
		c.log.Warn("failed to mark unpublished task %s: %v", taskID, err)
	}
}

func (c *Client) subjectFor(domain core.Domain) string {
	return c.cfg.SubjectPrefix + "." + string(domain)
}

func (c *Client) controlSubject() string {
	return c.cfg.SubjectPrefix + controlRevokeSuffix
}
