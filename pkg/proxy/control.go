// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package proxy

import (
	"context"
	"sync/atomic"

	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/events"
	"github.com/Thermoquad/mysbridge/pkg/interceptor"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
	"github.com/Thermoquad/mysbridge/pkg/ota"
)

type directionStats struct {
	received      atomic.Uint64
	forwarded     atomic.Uint64
	decodeErrors  atomic.Uint64
	droppedWrites atomic.Uint64
}

func (d *directionStats) snapshot() DirectionStats {
	return DirectionStats{
		Received:      d.received.Load(),
		Forwarded:     d.forwarded.Load(),
		DecodeErrors:  d.decodeErrors.Load(),
		DroppedWrites: d.droppedWrites.Load(),
	}
}

// DirectionStats counts traffic arriving from one endpoint
type DirectionStats struct {
	Received      uint64 `json:"received"`
	Forwarded     uint64 `json:"forwarded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	DroppedWrites uint64 `json:"dropped_writes"`
}

// Status is a point-in-time view of the bridge
type Status struct {
	Gateway        connection.State `json:"-"`
	Controller     connection.State `json:"-"`
	FromGateway    DirectionStats   `json:"from_gateway"`
	FromController DirectionStats   `json:"from_controller"`
	EventsDropped  uint64           `json:"events_dropped"`
	OtaSessions    int              `json:"ota_sessions"`
}

// Status returns current endpoint states and counters. Safe for concurrent use.
func (p *Proxy) Status() Status {
	return Status{
		Gateway:        p.gateway.State(),
		Controller:     p.controller.State(),
		FromGateway:    p.fromGateway.snapshot(),
		FromController: p.fromController.snapshot(),
		EventsDropped:  p.publisher.Dropped(),
		OtaSessions:    len(p.ota.Snapshot()),
	}
}

// EndpointState returns the connection state of one endpoint
func (p *Proxy) EndpointState(e interceptor.Endpoint) connection.State {
	return p.endpoint(e).State()
}

// Events returns the outbound state-event stream. It is closed when Run returns.
func (p *Proxy) Events() <-chan events.Event {
	return p.publisher.Events()
}

// Resets returns the inbound reset-signal stream. Each value received
// closes and reopens the gateway connection.
func (p *Proxy) Resets() chan<- struct{} {
	return p.resetCh
}

// RequestReset queues a gateway reset without blocking. It reports false
// only when the proxy has shut down; a reset already pending absorbs the request.
func (p *Proxy) RequestReset() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
	return true
}

// Commands returns the inbound command stream. Messages sent on it are
// written to the gateway.
func (p *Proxy) Commands() chan<- mysensors.Message {
	return p.injectCh
}

// Inject queues a message for the gateway. It blocks until the message is
// queued, ctx is done, or the proxy stops.
func (p *Proxy) Inject(ctx context.Context, msg mysensors.Message) error {
	if err := mysensors.Validate(msg); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	select {
	case p.injectCh <- msg:
		return nil
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the published OTA session snapshot
func (p *Proxy) Sessions() []ota.SessionInfo {
	return p.ota.Snapshot()
}
