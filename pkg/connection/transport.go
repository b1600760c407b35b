// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Conn is an open byte stream to one endpoint
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Conn. Dial blocks until connected, failed, or ctx is done.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// writeDeadliner is implemented by transports that support write timeouts
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// ============================================================
// Serial
// ============================================================

// DefaultBaudRate is used when a serial endpoint does not set one
const DefaultBaudRate = 115200

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// SerialDialer opens a serial port
type SerialDialer struct {
	Port     string
	BaudRate int
}

// Dial opens the serial port
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", d.Port, err)
	}

	return &SerialConnection{port: port}, nil
}

func (d *SerialDialer) String() string {
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return fmt.Sprintf("Serial: %s @ %d baud", d.Port, baud)
}

// ============================================================
// TCP client
// ============================================================

// TCPDialer connects to host:port, e.g. an ethernet gateway
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

// Dial connects to the address
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d *TCPDialer) String() string {
	return "TCP: " + d.Address
}

// ============================================================
// TCP listener
// ============================================================

// TCPListener accepts one peer at a time on a local address. The controller
// connects to it as it would to an ethernet gateway.
type TCPListener struct {
	Address string

	mu sync.Mutex
	ln *net.TCPListener
}

func (l *TCPListener) listen() (*net.TCPListener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return l.ln, nil
	}

	addr, err := net.ResolveTCPAddr("tcp", l.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", l.Address, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", l.Address, err)
	}
	l.ln = ln
	return ln, nil
}

// Dial waits for the next peer to connect
func (l *TCPListener) Dial(ctx context.Context) (Conn, error) {
	ln, err := l.listen()
	if err != nil {
		return nil, err
	}

	if err := ln.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept on %s: %w", l.Address, err)
	}
	return conn, nil
}

// Addr returns the bound address, or nil before the first Dial
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Listen binds the address without waiting for a peer
func (l *TCPListener) Listen() error {
	_, err := l.listen()
	return err
}

// Close stops listening
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

func (l *TCPListener) String() string {
	return "TCP listen: " + l.Address
}
