// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ota drives firmware transfers to sensor nodes.
//
// A Manager is not safe for concurrent use. All Handle and Expire calls must
// come from one goroutine; Snapshot may be called from anywhere.
package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

// Defaults
const (
	DefaultTimeout         = 2 * time.Minute
	DefaultCompletionGrace = 30 * time.Second
)

// Catalog resolves firmware images
type Catalog interface {
	Lookup(typ, version uint16) (*firmware.Image, error)
}

// Metrics receives session lifecycle counts
type Metrics interface {
	SessionStarted()
	BlockServed()
	SessionCompleted()
	SessionAborted(reason string)
	SetActiveSessions(n int)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()       {}
func (nopMetrics) BlockServed()          {}
func (nopMetrics) SessionCompleted()     {}
func (nopMetrics) SessionAborted(string) {}
func (nopMetrics) SetActiveSessions(int) {}

// Config configures a Manager
type Config struct {
	Catalog         Catalog
	Assignments     map[uint8]firmware.Key // node -> image offered regardless of request
	Timeout         time.Duration
	CompletionGrace time.Duration
	Metrics         Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Manager owns the per-node session table
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	sessions map[uint8]*session
	snapshot atomic.Pointer[[]SessionInfo]
}

// NewManager creates a session manager
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = DefaultCompletionGrace
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Catalog == nil {
		cfg.Catalog = firmware.NewCatalog()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "ota")),
		sessions: make(map[uint8]*session),
	}
	m.publish()
	return m
}

// Handle processes an OTA message from a node and returns the reply, if any
func (m *Manager) Handle(msg mysensors.Message) (mysensors.Message, bool) {
	if msg.Command != mysensors.CommandStream {
		return mysensors.Message{}, false
	}

	switch msg.SubType {
	case mysensors.StFirmwareConfigRequest:
		return m.HandleConfigRequest(msg.NodeID, msg.Payload)
	case mysensors.StFirmwareRequest:
		return m.HandleFirmwareRequest(msg.NodeID, msg.Payload)
	default:
		return mysensors.Message{}, false
	}
}

// HandleConfigRequest answers a FIRMWARE_CONFIG_REQUEST. Any active session
// for the node is replaced. When no image applies the reply echoes the node's
// own firmware so it stays on it.
func (m *Manager) HandleConfigRequest(nodeID uint8, payload string) (mysensors.Message, bool) {
	logger := m.logger.With(slog.Int("node", int(nodeID)))

	req, err := ParseConfigRequest(payload)
	if err != nil {
		logger.Warn("Ignoring firmware config request", slog.String("payload", payload), slog.Any("error", err))
		return mysensors.Message{}, false
	}

	if old, ok := m.sessions[nodeID]; ok {
		if old.state == StateStreaming {
			m.cfg.Metrics.SessionAborted("replaced")
		}
		logger.Info("Replacing OTA session", slog.String("session", old.id.String()), slog.String("state", old.state.String()))
		delete(m.sessions, nodeID)
		m.changed()
	}

	key := firmware.Key{Type: req.Type, Version: req.Version}
	if assigned, ok := m.cfg.Assignments[nodeID]; ok {
		key = assigned
	}

	img, err := m.cfg.Catalog.Lookup(key.Type, key.Version)
	if err != nil {
		logger.Info("No firmware update", slog.String("firmware", key.String()), slog.Any("reason", err))
		return m.noUpdate(nodeID, req), true
	}
	if req.Blocks == img.BlockCount() && req.CRC == img.CRC {
		logger.Debug("Node already runs firmware", slog.String("firmware", key.String()))
		return m.noUpdate(nodeID, req), true
	}

	now := m.cfg.Now()
	s := &session{
		id:           uuid.New(),
		nodeID:       nodeID,
		image:        img,
		state:        StateNegotiating,
		started:      now,
		lastActivity: now,
	}
	m.sessions[nodeID] = s

	resp := ConfigResponse{Type: img.Type, Version: img.Version, Blocks: img.BlockCount(), CRC: img.CRC}
	s.state = StateStreaming
	m.cfg.Metrics.SessionStarted()
	m.changed()

	logger.Info("OTA session started",
		slog.String("session", s.id.String()),
		slog.String("firmware", key.String()),
		slog.Int("blocks", int(resp.Blocks)),
		slog.String("crc", fmt.Sprintf("0x%04X", resp.CRC)),
	)

	return mysensors.NewStream(nodeID, mysensors.StFirmwareConfigResponse, resp.Payload()), true
}

func (m *Manager) noUpdate(nodeID uint8, req ConfigRequest) mysensors.Message {
	resp := ConfigResponse{Type: req.Type, Version: req.Version, Blocks: req.Blocks, CRC: req.CRC}
	return mysensors.NewStream(nodeID, mysensors.StFirmwareConfigResponse, resp.Payload())
}

// HandleFirmwareRequest serves one block. The next block is served and the
// sequence advances; an earlier block is served again without advancing.
// Anything else aborts the session, unless the transfer has completed.
func (m *Manager) HandleFirmwareRequest(nodeID uint8, payload string) (mysensors.Message, bool) {
	logger := m.logger.With(slog.Int("node", int(nodeID)))

	req, err := ParseFirmwareRequest(payload)
	if err != nil {
		logger.Warn("Ignoring firmware request", slog.String("payload", payload), slog.Any("error", err))
		return mysensors.Message{}, false
	}

	s, ok := m.sessions[nodeID]
	if !ok {
		logger.Warn("Firmware request without session", slog.Int("block", int(req.Block)))
		return mysensors.Message{}, false
	}

	if err := s.check(req); err != nil {
		if s.state == StateCompleted {
			// The transfer already succeeded; the session waits out its grace window
			logger.Debug("Ignoring request after completion", slog.Any("error", err))
			return mysensors.Message{}, false
		}
		m.abort(s, err)
		return mysensors.Message{}, false
	}

	block, _ := s.image.Block(req.Block)
	s.lastActivity = m.cfg.Now()

	if req.Block == s.next && s.state == StateStreaming {
		s.next++
		m.cfg.Metrics.BlockServed()
		if s.next == s.total() {
			s.state = StateCompleted
			m.cfg.Metrics.SessionCompleted()
			logger.Info("OTA session completed",
				slog.String("session", s.id.String()),
				slog.Duration("elapsed", s.lastActivity.Sub(s.started)),
			)
		}
	} else {
		logger.Debug("Retransmitting block", slog.Int("block", int(req.Block)))
	}
	m.changed()

	resp := FirmwareResponse{Type: s.image.Type, Version: s.image.Version, Block: req.Block, Data: block}
	return mysensors.NewStream(nodeID, mysensors.StFirmwareResponse, resp.Payload()), true
}

// check validates a request against the session sequence
func (s *session) check(req FirmwareRequest) error {
	fail := func(kind error) error {
		return &SequenceError{NodeID: s.nodeID, Kind: kind, Expected: s.next, Got: req.Block, Total: s.total()}
	}

	switch {
	case req.Type != s.image.Type || req.Version != s.image.Version:
		return fail(ErrImageMismatch)
	case req.Block >= s.total():
		return fail(ErrBlockOutOfRange)
	case req.Block > s.next:
		return fail(ErrBlockAhead)
	}
	return nil
}

func (m *Manager) abort(s *session, err error) {
	s.state = StateAborted
	delete(m.sessions, s.nodeID)

	reason := "error"
	switch {
	case errors.Is(err, ErrBlockAhead):
		reason = "block_ahead"
	case errors.Is(err, ErrBlockOutOfRange):
		reason = "out_of_range"
	case errors.Is(err, ErrImageMismatch):
		reason = "image_mismatch"
	case errors.Is(err, ErrTimeout):
		reason = "timeout"
	}
	m.cfg.Metrics.SessionAborted(reason)
	m.changed()

	m.logger.Warn("OTA session aborted",
		slog.Int("node", int(s.nodeID)),
		slog.String("session", s.id.String()),
		slog.Any("error", err),
	)
}

// Expire reclaims completed sessions past the grace window and aborts
// sessions idle for longer than the timeout. Returns the number removed.
func (m *Manager) Expire(now time.Time) int {
	removed := 0
	for nodeID, s := range m.sessions {
		idle := now.Sub(s.lastActivity)

		if s.state == StateCompleted {
			if idle >= m.cfg.CompletionGrace {
				delete(m.sessions, nodeID)
				m.changed()
				removed++
			}
			continue
		}
		if idle >= m.cfg.Timeout {
			m.abort(s, &SequenceError{NodeID: nodeID, Kind: ErrTimeout, Expected: s.next, Got: s.next, Total: s.total()})
			removed++
		}
	}
	return removed
}

// Active returns the number of sessions in the table
func (m *Manager) Active() int {
	return len(m.sessions)
}

// Snapshot returns the sessions as of the last change, ordered by node.
// Safe for concurrent use.
func (m *Manager) Snapshot() []SessionInfo {
	return *m.snapshot.Load()
}

func (m *Manager) changed() {
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	m.publish()
}

func (m *Manager) publish() {
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].NodeID < infos[j].NodeID })
	m.snapshot.Store(&infos)
}
