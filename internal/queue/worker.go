package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
)

// fetchWait caps how long an idle fetch blocks before the loop re-checks
// for shutdown.
const fetchWait = 2 * time.Second

// ErrNoHandlers indicates Run was called before any handler registration.
var ErrNoHandlers = errors.New("no task handlers registered")

// Runtime is the pull-based worker pool. Each registered domain gets a
// durable consumer on its named queue and a fixed number of goroutines
// pulling from it. Delivery is at-least-once: handlers must tolerate
// re-execution, and a terminal record short-circuits a redelivered
// envelope without running it.
type Runtime struct {
	conn  *nats.Conn
	js    nats.JetStreamContext
	cfg   Config
	store core.TaskStore
	met   *metrics.Metrics
	log   *logger.Logger

	handlers map[core.Domain]core.HandlerFunc

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewRuntime creates a worker runtime sharing the client's configuration.
func NewRuntime(
	conn *nats.Conn,
	jetstreamContext nats.JetStreamContext,
	cfg Config,
	store core.TaskStore,
	met *metrics.Metrics,
	log *logger.Logger,
) *Runtime {
	return &Runtime{
		conn:     conn,
		js:       jetstreamContext,
		cfg:      cfg,
		store:    store,
		met:      met,
		log:      log,
		handlers: make(map[core.Domain]core.HandlerFunc),
		cancelMu: sync.Mutex{},
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register attaches the handler for one domain. Registration happens
// before Run; there is no dynamic handler swap.
func (r *Runtime) Register(domain core.Domain, handler core.HandlerFunc) {
	r.handlers[domain] = handler
}

// Run subscribes every registered domain and processes tasks until the
// context is cancelled, then drains the subscriptions.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.handlers) == 0 {
		return ErrNoHandlers
	}

	controlSub, err := r.conn.Subscribe(r.cfg.SubjectPrefix+controlRevokeSuffix, r.handleRevokeSignal)
	if err != nil {
		return fmt.Errorf("failed to subscribe to revoke control subject: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var waitGroup sync.WaitGroup

	subs := make([]*nats.Subscription, 0, len(r.handlers))

	// shutdown stops the pull loops and releases every subscription. It
	// also covers a startup failure partway through the domain list, when
	// earlier domains already have workers running.
	shutdown := func() error {
		cancel()
		waitGroup.Wait()

		drainErr := controlSub.Drain()

		for _, sub := range subs {
			err := sub.Unsubscribe()
			if err != nil {
				r.log.Warn("failed to unsubscribe worker consumer: %v", err)
			}
		}

		if drainErr != nil {
			return fmt.Errorf("failed to drain control subscription: %w", drainErr)
		}

		return nil
	}

	abort := func(startupErr error) error {
		shutdownErr := shutdown()
		if shutdownErr != nil {
			r.log.Warn("cleanup after failed startup: %v", shutdownErr)
		}

		return startupErr
	}

	for domain := range r.handlers {
		queueName, err := domain.QueueName()
		if err != nil {
			return abort(err)
		}

		sub, err := r.js.PullSubscribe(
			r.cfg.SubjectPrefix+"."+string(domain),
			queueName,
			nats.AckWait(r.cfg.VisibilityTimeout),
			nats.ManualAck(),
		)
		if err != nil {
			return abort(fmt.Errorf("failed to subscribe to %s: %w", queueName, err))
		}

		subs = append(subs, sub)

		for i := 0; i < r.cfg.WorkersPerQueue; i++ {
			waitGroup.Add(1)

			go func(domain core.Domain, sub *nats.Subscription) {
				defer waitGroup.Done()

				r.pullLoop(runCtx, domain, sub)
			}(domain, sub)
		}
	}

	<-runCtx.Done()

	return shutdown()
}

// pullLoop fetches batches for one domain until shutdown.
func (r *Runtime) pullLoop(ctx context.Context, domain core.Domain, sub *nats.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(r.cfg.FetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			if ctx.Err() != nil {
				return
			}

			r.log.Warn("fetch on %s queue failed: %v", domain, err)

			continue
		}

		for _, msg := range msgs {
			r.processMessage(ctx, domain, msg)
		}
	}
}

// processMessage runs one delivery end to end: envelope decode, record
// load, state transitions, handler execution, and the ack decision.
func (r *Runtime) processMessage(ctx context.Context, domain core.Domain, msg *nats.Msg) {
	var envelope core.Envelope

	err := json.Unmarshal(msg.Data, &envelope)
	if err != nil {
		r.log.Error("dropping undecodable envelope on %s queue: %v", domain, err)
		r.terminate(msg)

		return
	}

	task, err := r.store.Get(ctx, envelope.TaskID)
	if err != nil {
		// The record is gone (expired or never created); the envelope
		// has nothing to execute against.
		r.log.Warn("dropping envelope for unknown task %s: %v", envelope.TaskID, err)
		r.terminate(msg)

		return
	}

	if task.State.Terminal() {
		// Revoked or already finished before this delivery arrived.
		r.terminate(msg)

		return
	}

	task, err = r.store.Update(ctx, task.ID, func(t *core.Task) error {
		t.State = core.StateStarted

		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrTaskTerminal) {
			r.terminate(msg)

			return
		}

		r.log.Error("failed to start task %s: %v", envelope.TaskID, err)
		r.nakForRetry(msg)

		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.registerCancel(task.ID, cancel)
	defer r.unregisterCancel(task.ID)

	r.met.TaskStarted(domain)

	started := time.Now()

	reporter := &progressReporter{runtime: r, taskID: task.ID, msg: msg}
	result, handlerErr := r.handlers[domain](taskCtx, task, envelope.Payload, reporter)

	r.met.TaskFinished(domain, time.Since(started).Seconds())

	if handlerErr != nil {
		r.finishFailed(ctx, domain, task, msg, handlerErr)

		return
	}

	r.finishSucceeded(ctx, domain, task, msg, result)
}

// finishSucceeded records the terminal SUCCESS. The attempt counter is
// preserved: it counts consumed failed executions, not deliveries.
func (r *Runtime) finishSucceeded(
	ctx context.Context,
	domain core.Domain,
	task core.Task,
	msg *nats.Msg,
	result []byte,
) {
	_, err := r.store.Update(ctx, task.ID, func(t *core.Task) error {
		t.State = core.StateSuccess
		t.Result = result
		t.Error = nil

		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrTaskTerminal) {
			// Revoked mid-flight; the terminal record stands.
			r.terminate(msg)

			return
		}

		r.log.Error("failed to record success for task %s: %v", task.ID, err)
		r.nakForRetry(msg)

		return
	}

	r.met.TaskCompleted(domain, core.StateSuccess)
	r.ack(msg)
}

// finishFailed applies the retry policy: a transient failure with budget
// left becomes RETRY and redelivers after the fixed delay; everything else
// is terminal FAILURE with the classified kind.
func (r *Runtime) finishFailed(
	ctx context.Context,
	domain core.Domain,
	task core.Task,
	msg *nats.Msg,
	handlerErr error,
) {
	kind := core.ClassifyError(handlerErr)

	nextAttempt := task.Attempt + 1
	if nextAttempt > task.MaxAttempts {
		nextAttempt = task.MaxAttempts
	}

	retryable := kind == core.KindTransient && nextAttempt < task.MaxAttempts

	_, err := r.store.Update(ctx, task.ID, func(t *core.Task) error {
		t.Attempt = nextAttempt
		t.Error = &core.TaskError{Kind: kind, Message: handlerErr.Error()}

		if retryable {
			t.State = core.StateRetry
		} else {
			t.State = core.StateFailure
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrTaskTerminal) {
			r.terminate(msg)

			return
		}

		r.log.Error("failed to record failure for task %s: %v", task.ID, err)
		r.nakForRetry(msg)

		return
	}

	if retryable {
		r.log.Warn("task %s attempt %d/%d failed, retrying in %s: %v",
			task.ID, nextAttempt, task.MaxAttempts, r.cfg.RetryDelay, handlerErr)
		r.met.TaskRetried(domain)
		r.nakWithDelay(msg)

		return
	}

	r.log.Error("task %s failed terminally (%s): %v", task.ID, kind, handlerErr)
	r.met.TaskCompleted(domain, core.StateFailure)
	r.ack(msg)
}

// handleRevokeSignal cancels the in-flight handler context for a revoked
// task, when this process owns it.
func (r *Runtime) handleRevokeSignal(msg *nats.Msg) {
	var signal revokeSignal

	err := json.Unmarshal(msg.Data, &signal)
	if err != nil {
		r.log.Warn("undecodable revoke signal: %v", err)

		return
	}

	r.cancelMu.Lock()
	cancel, ok := r.cancels[signal.TaskID]
	r.cancelMu.Unlock()

	if ok {
		r.log.Info("cancelling in-flight task %s on revoke", signal.TaskID)
		cancel()
	}
}

func (r *Runtime) registerCancel(taskID string, cancel context.CancelFunc) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	r.cancels[taskID] = cancel
}

func (r *Runtime) unregisterCancel(taskID string) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	delete(r.cancels, taskID)
}

func (r *Runtime) ack(msg *nats.Msg) {
	err := msg.Ack()
	if err != nil {
		r.log.Warn("failed to ack message: %v", err)
	}
}

func (r *Runtime) terminate(msg *nats.Msg) {
	err := msg.Term()
	if err != nil {
		r.log.Warn("failed to terminate message: %v", err)
	}
}

func (r *Runtime) nakWithDelay(msg *nats.Msg) {
	err := msg.NakWithDelay(r.cfg.RetryDelay)
	if err != nil {
		r.log.Warn("failed to nak message for retry: %v", err)
	}
}

// nakForRetry redelivers promptly after an infrastructure error (store
// write failed), distinct from the policy-driven retry delay.
func (r *Runtime) nakForRetry(msg *nats.Msg) {
	err := msg.Nak()
	if err != nil {
		r.log.Warn("failed to nak message: %v", err)
	}
}

// progressReporter persists PROGRESS checkpoints and extends the worker's
// claim on the message. A checkpoint against a revoked task reports the
// terminal error so cooperative handlers stop at the next checkpoint.
type progressReporter struct {
	runtime *Runtime
	taskID  string
	msg     *nats.Msg
}

// Progress implements core.Reporter.
func (p *progressReporter) Progress(ctx context.Context, current, total int64, message string) error {
	_, err := p.runtime.store.Update(ctx, p.taskID, func(t *core.Task) error {
		t.State = core.StateProgress
		t.Progress = core.Progress{Current: current, Total: total, Message: message}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to report progress for %s: %w", p.taskID, err)
	}

	inProgressErr := p.msg.InProgress()
	if inProgressErr != nil {
		p.runtime.log.Warn("failed to extend claim for %s: %v", p.taskID, inProgressErr)
	}

	return nil
}
