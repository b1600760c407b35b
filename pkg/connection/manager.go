// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package connection keeps one bridge endpoint connected and framed.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

// Errors
var (
	ErrNotConnected = errors.New("endpoint not connected")
	ErrClosed       = errors.New("connection manager closed")
)

// State is the connection state of an endpoint
type State int32

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultWriteTimeout bounds a single line write on transports with deadlines
const DefaultWriteTimeout = 5 * time.Second

// Config configures a Manager
type Config struct {
	Name    string // endpoint name for logs
	Dialer  Dialer
	Backoff Backoff

	// OnLine receives every complete frame, on the read goroutine
	OnLine func(line string)
	// OnFrameError receives framing errors (oversized frames)
	OnFrameError func(err error)
	// OnStateChange is called after every state transition
	OnStateChange func(State)

	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Manager owns one endpoint: it dials, reads frames, reconnects with backoff
// and serialises writes.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   Conn
	state  State
	closed bool
	cancel context.CancelFunc

	writeMu sync.Mutex
	resetCh chan struct{}
}

// New creates a connection manager
func New(cfg Config) *Manager {
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.OnLine == nil {
		cfg.OnLine = func(string) {}
	}
	if cfg.OnFrameError == nil {
		cfg.OnFrameError = func(error) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("endpoint", cfg.Name)),
		resetCh: make(chan struct{}, 1),
	}
}

// Run connects and reads until ctx is done or Close is called. Transport
// failures never end Run; it reconnects with backoff.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	defer m.cancel()

	delay := m.cfg.Backoff.Initial
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		m.setState(StateConnecting)
		conn, err := m.cfg.Dialer.Dial(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("Connect failed", slog.String("transport", m.cfg.Dialer.String()),
				slog.Duration("retry_in", delay), slog.Any("error", err))
			if !m.wait(ctx, delay) {
				return nil
			}
			delay = m.cfg.Backoff.Next(delay)
			continue
		}

		m.logger.Info("Connected", slog.String("transport", m.cfg.Dialer.String()))

		connectedAt := time.Now()
		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}
		if time.Since(connectedAt) >= m.cfg.Backoff.Stable {
			delay = m.cfg.Backoff.Initial
		}

		select {
		case <-m.resetCh:
			m.logger.Info("Connection reset")
			continue
		default:
		}

		m.logger.Warn("Connection lost", slog.Duration("retry_in", delay), slog.Any("error", err))
		if !m.wait(ctx, delay) {
			return nil
		}
		delay = m.cfg.Backoff.Next(delay)
	}
}

// serve attaches conn and reads frames until it fails
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	m.conn = conn
	// A reset requested while dialing is satisfied by this connection
	select {
	case <-m.resetCh:
	default:
	}
	m.mu.Unlock()
	m.setState(StateConnected)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
		m.setState(StateDisconnected)
	}()

	framer := mysensors.NewFramer()
	handle := func(line string, err error) {
		if err != nil {
			m.cfg.OnFrameError(err)
			return
		}
		m.cfg.OnLine(line)
	}

	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			framer.Write(buf[:n], handle)
		}
		if err != nil {
			return err
		}
	}
}

// wait sleeps for d. A reset cuts the wait short. Returns false if ctx is done.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.resetCh:
		return true
	case <-timer.C:
		return true
	}
}

// WriteLine writes one encoded frame. Concurrent calls never interleave.
// Returns ErrNotConnected if the endpoint is down; the caller drops the frame.
func (m *Manager) WriteLine(line []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if wd, ok := conn.(writeDeadliner); ok {
		wd.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}

	if _, err := conn.Write(line); err != nil {
		// Closing makes the read loop notice and reconnect
		conn.Close()
		return fmt.Errorf("write to %s: %w", m.cfg.Name, err)
	}
	return nil
}

// Reset drops the current connection and reconnects without backoff. While
// no connection is up it cuts the retry wait short.
func (m *Manager) Reset() {
	m.mu.Lock()
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close stops Run and closes the transport so a blocked read returns
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Name returns the endpoint name
func (m *Manager) Name() string {
	return m.cfg.Name
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}
