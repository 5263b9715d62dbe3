// Package admin exposes the platform administration API over NATS
// request/reply: initialize, configure, enable, probe, and clean up
// providers. HTTP route handlers sit in front of the same subjects in a
// full deployment; the bundled CLI talks to them directly.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/provider"
)

// Admin subjects.
const (
	SubjectInitialize = "platform.admin.initialize"
	SubjectConfig     = "platform.admin.config"
	SubjectHealth     = "platform.admin.health"
	SubjectEnable     = "platform.admin.enable"
	SubjectCleanup    = "platform.admin.cleanup"
)

// requestTimeout bounds the work behind one admin reply.
const requestTimeout = 60 * time.Second

// InitializeRequest asks for one provider to be (re)initialized.
type InitializeRequest struct {
	ProviderID string `json:"provider_id"`
}

// ConfigRequest applies a partial configuration update to one provider.
type ConfigRequest struct {
	ProviderID string            `json:"provider_id"`
	Update     core.ConfigUpdate `json:"update"`
}

// EnableRequest flips one provider's administrative enable flag.
type EnableRequest struct {
	ProviderID string `json:"provider_id"`
	Enabled    bool   `json:"enabled"`
}

// Reply is the uniform admin response envelope.
type Reply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Health json.RawMessage `json:"health,omitempty"`
}

// Service answers the admin subjects against one platform manager.
type Service struct {
	conn    *nats.Conn
	manager *provider.Manager
	log     *logger.Logger

	subs []*nats.Subscription
}

// NewService creates the admin service.
func NewService(conn *nats.Conn, manager *provider.Manager, log *logger.Logger) *Service {
	return &Service{
		conn:    conn,
		manager: manager,
		log:     log,
		subs:    nil,
	}
}

// Start subscribes every admin subject.
func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		SubjectInitialize: s.handleInitialize,
		SubjectConfig:     s.handleConfig,
		SubjectHealth:     s.handleHealth,
		SubjectEnable:     s.handleEnable,
		SubjectCleanup:    s.handleCleanup,
	}

	for subject, handler := range handlers {
		sub, err := s.conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}

		s.subs = append(s.subs, sub)
	}

	return nil
}

// Stop drains the admin subscriptions.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		err := sub.Drain()
		if err != nil {
			s.log.Warn("failed to drain admin subscription: %v", err)
		}
	}
}

func (s *Service) handleInitialize(msg *nats.Msg) {
	var req InitializeRequest

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		s.respondError(msg, fmt.Errorf("%w: %w", core.ErrInvalidConfig, err))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err = s.manager.InitializePlatform(ctx, req.ProviderID)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	// Probe immediately so the fresh provider becomes selectable without
	// waiting a full monitor interval.
	_, probeErr := s.manager.ProbeOne(ctx, req.ProviderID)
	if probeErr != nil {
		s.log.Warn("post-initialize probe for %s: %v", req.ProviderID, probeErr)
	}

	s.respond(msg, Reply{OK: true, Error: "", Config: nil, Health: nil})
}

func (s *Service) handleConfig(msg *nats.Msg) {
	var req ConfigRequest

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		s.respondError(msg, fmt.Errorf("%w: %w", core.ErrInvalidConfig, err))

		return
	}

	snapshot, err := s.manager.ApplyConfig(req.ProviderID, req.Update)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	s.respond(msg, Reply{OK: true, Error: "", Config: data, Health: nil})
}

func (s *Service) handleHealth(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	results := s.manager.HealthCheckAll(ctx)

	data, err := json.Marshal(results)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	s.respond(msg, Reply{OK: true, Error: "", Config: nil, Health: data})
}

func (s *Service) handleEnable(msg *nats.Msg) {
	var req EnableRequest

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		s.respondError(msg, fmt.Errorf("%w: %w", core.ErrInvalidConfig, err))

		return
	}

	snapshot, err := s.manager.SetEnabled(req.ProviderID, req.Enabled)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.respondError(msg, err)

		return
	}

	s.respond(msg, Reply{OK: true, Error: "", Config: data, Health: nil})
}

func (s *Service) handleCleanup(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.manager.CleanupAll(ctx)

	s.respond(msg, Reply{OK: true, Error: "", Config: nil, Health: nil})
}

func (s *Service) respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("failed to marshal admin reply: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		s.log.Warn("failed to respond on %s: %v", msg.Subject, err)
	}
}

func (s *Service) respondError(msg *nats.Msg, cause error) {
	s.respond(msg, Reply{OK: false, Error: cause.Error(), Config: nil, Health: nil})
}
