// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the publisher channel capacity
const DefaultBufferSize = 256

// Publisher delivers events to one consumer without ever blocking the sender.
// When the consumer falls behind, events are dropped and counted.
type Publisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

// NewPublisher creates a publisher with the given buffer size
func NewPublisher(size int, onDrop func()) *Publisher {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Publisher{ch: make(chan Event, size), onDrop: onDrop}
}

// Publish offers an event. Returns false if it was dropped.
func (p *Publisher) Publish(ev Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.ch <- ev:
		return true
	default:
		p.dropped.Add(1)
		p.onDrop()
		return false
	}
}

// Events returns the consumer side. It is closed by Close.
func (p *Publisher) Events() <-chan Event {
	return p.ch
}

// Dropped returns the number of events dropped so far
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close ends the stream. Later Publish calls are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
