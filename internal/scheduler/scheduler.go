// Package scheduler fires recurring maintenance tasks on fixed intervals
// from a static table loaded at process start. Firing is at-most-once per
// interval window relative to the last successful fire; missed windows are
// never backfilled.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"gopkg.in/yaml.v3"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
)

// Entry is one scheduled task template. Everything but lastFiredAt is
// read-only at runtime.
type Entry struct {
	Name            string `yaml:"name"`
	Domain          string `yaml:"domain"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Payload         string `yaml:"payload"`

	lastFiredAt time.Time
}

// Interval returns the entry's firing interval.
func (e *Entry) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// table is the YAML shape of the schedule file.
type table struct {
	Entries []Entry `yaml:"entries"`
}

// LoadTable reads and validates the schedule file. Entries without a
// domain default to maintenance.
func LoadTable(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file %s: %w", path, err)
	}

	var parsed table

	err = yaml.Unmarshal(raw, &parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse schedule file %s: %w",
			core.ErrInvalidConfig, path, err)
	}

	for index := range parsed.Entries {
		entry := &parsed.Entries[index]

		if entry.Name == "" {
			return nil, fmt.Errorf("%w: schedule entry %d has no name",
				core.ErrInvalidConfig, index)
		}

		if entry.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("%w: schedule entry %q needs a positive interval",
				core.ErrInvalidConfig, entry.Name)
		}

		if entry.Domain == "" {
			entry.Domain = string(core.DomainMaintenance)
		}

		if !core.Domain(entry.Domain).Valid() {
			return nil, fmt.Errorf("%w: schedule entry %q names unknown domain %q",
				core.ErrInvalidConfig, entry.Name, entry.Domain)
		}
	}

	return parsed.Entries, nil
}

// Submitter is the slice of the queue client the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req core.SubmitRequest) (string, error)
}

// Scheduler owns the entry table and the tick loop.
type Scheduler struct {
	entries []Entry
	queue   Submitter
	tick    time.Duration
	met     *metrics.Metrics
	log     *logger.Logger
	nowFunc func() time.Time
}

// New creates a scheduler over a static entry table.
func New(
	entries []Entry,
	queue Submitter,
	tick time.Duration,
	met *metrics.Metrics,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		entries: entries,
		queue:   queue,
		tick:    tick,
		met:     met,
		log:     log,
		nowFunc: time.Now,
	}
}

// Run ticks until the context is cancelled. Each tick fires every due
// entry once.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every entry whose interval has elapsed since its last
// successful fire. A submission failure is logged and the entry retries
// on its normal interval: lastFiredAt only advances on success.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.nowFunc()

	for index := range s.entries {
		entry := &s.entries[index]

		if now.Sub(entry.lastFiredAt) < entry.Interval() {
			continue
		}

		taskID, err := s.queue.Submit(ctx, core.SubmitRequest{
			Domain:      core.Domain(entry.Domain),
			Payload:     []byte(entry.Payload),
			MaxAttempts: 0,
			UserID:      "",
			TenantID:    "",
		})
		if err != nil {
			s.log.Warn("failed to fire schedule entry %q: %v", entry.Name, err)

			continue
		}

		entry.lastFiredAt = now

		s.met.SchedulerFired(entry.Name)
		s.log.Info("schedule entry %q fired as task %s", entry.Name, taskID)
	}
}
