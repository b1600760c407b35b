// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package proxy wires the gateway and controller endpoints together.
//
// Each endpoint has one read goroutine. Gateway traffic is decoded on its
// read goroutine and handed to a single processor goroutine, which owns the
// OTA session table. Controller traffic is routed on its own read goroutine;
// OTA hand-offs from that side are funnelled into the processor. Expiry
// ticks, reset signals and injected commands are handled there as well.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/events"
	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/interceptor"
	"github.com/Thermoquad/mysbridge/pkg/metrics"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
	"github.com/Thermoquad/mysbridge/pkg/ota"
)

// Errors
var (
	ErrNotRunning = errors.New("proxy not running")
	ErrStarted    = errors.New("proxy already started")
)

// Defaults
const (
	DefaultOtaTick = 5 * time.Second
	queueSize      = 64
)

// Config configures a Proxy
type Config struct {
	GatewayDialer    connection.Dialer
	ControllerDialer connection.Dialer
	Backoff          connection.Backoff

	Catalog            ota.Catalog
	Assignments        map[uint8]firmware.Key
	OtaTimeout         time.Duration
	OtaCompletionGrace time.Duration
	OtaTick            time.Duration

	EventBuffer int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Proxy bridges one gateway and one controller
type Proxy struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	gateway    *connection.Manager
	controller *connection.Manager
	ota        *ota.Manager
	publisher  *events.Publisher

	gatewayIn chan mysensors.Message
	otaIn     chan mysensors.Message
	resetCh   chan struct{}
	injectCh  chan mysensors.Message

	running atomic.Bool
	done    chan struct{} // closed once shutdown begins

	fromGateway    directionStats
	fromController directionStats
}

// New creates a proxy. Nothing is opened until Run.
func New(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OtaTick <= 0 {
		cfg.OtaTick = DefaultOtaTick
	}

	p := &Proxy{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		gatewayIn: make(chan mysensors.Message, queueSize),
		otaIn:     make(chan mysensors.Message, queueSize),
		resetCh:   make(chan struct{}, 1),
		injectCh:  make(chan mysensors.Message, queueSize),
		done:      make(chan struct{}),
	}

	p.publisher = events.NewPublisher(cfg.EventBuffer, cfg.Metrics.EventsDropped.Inc)

	p.ota = ota.NewManager(ota.Config{
		Catalog:         cfg.Catalog,
		Assignments:     cfg.Assignments,
		Timeout:         cfg.OtaTimeout,
		CompletionGrace: cfg.OtaCompletionGrace,
		Metrics:         cfg.Metrics.OTA(),
		Logger:          cfg.Logger,
		Now:             cfg.Now,
	})

	p.gateway = connection.New(connection.Config{
		Name:          interceptor.Gateway.String(),
		Dialer:        cfg.GatewayDialer,
		Backoff:       cfg.Backoff,
		OnLine:        p.onGatewayLine,
		OnFrameError:  func(err error) { p.decodeFailed(interceptor.Gateway, "", err) },
		OnStateChange: cfg.Metrics.ObserveEndpoint(interceptor.Gateway.String()),
		Logger:        cfg.Logger,
	})
	p.controller = connection.New(connection.Config{
		Name:          interceptor.Controller.String(),
		Dialer:        cfg.ControllerDialer,
		Backoff:       cfg.Backoff,
		OnLine:        p.onControllerLine,
		OnFrameError:  func(err error) { p.decodeFailed(interceptor.Controller, "", err) },
		OnStateChange: cfg.Metrics.ObserveEndpoint(interceptor.Controller.String()),
		Logger:        cfg.Logger,
	})

	return p
}

// Run serves until ctx is done. The event stream is closed on return.
func (p *Proxy) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer p.publisher.Close()

	p.logger.Info("Starting bridge",
		slog.String("gateway", p.cfg.GatewayDialer.String()),
		slog.String("controller", p.cfg.ControllerDialer.String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { close(p.done) })
	g.Go(func() error { return p.gateway.Run(gctx) })
	g.Go(func() error { return p.controller.Run(gctx) })
	g.Go(func() error { return p.process(gctx) })

	err := g.Wait()
	if stop() {
		close(p.done)
	}

	p.gateway.Close()
	p.controller.Close()
	for _, d := range []connection.Dialer{p.cfg.GatewayDialer, p.cfg.ControllerDialer} {
		if c, ok := d.(io.Closer); ok {
			c.Close()
		}
	}

	p.logger.Info("Bridge stopped")
	return err
}

// process is the gateway-inbound processor and sole owner of the OTA table
func (p *Proxy) process(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.OtaTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-p.gatewayIn:
			p.dispatch(msg, interceptor.Gateway)

		case msg := <-p.otaIn:
			p.handleOta(msg)

		case <-ticker.C:
			if n := p.ota.Expire(p.cfg.Now()); n > 0 {
				p.logger.Debug("Expired OTA sessions", slog.Int("count", n))
			}

		case <-p.resetCh:
			p.logger.Info("Resetting gateway connection")
			p.metrics.GatewayResets.Inc()
			p.gateway.Reset()

		case msg := <-p.injectCh:
			if p.send(interceptor.Gateway, msg) {
				p.metrics.InjectedFrames.WithLabelValues("sent").Inc()
			} else {
				p.metrics.InjectedFrames.WithLabelValues("dropped").Inc()
			}
		}
	}
}

// onGatewayLine runs on the gateway read goroutine
func (p *Proxy) onGatewayLine(line string) {
	p.fromGateway.received.Add(1)

	msg, err := mysensors.Decode(line)
	if err != nil {
		p.decodeFailed(interceptor.Gateway, line, err)
		return
	}

	select {
	case p.gatewayIn <- msg:
	case <-p.done:
	}
}

// onControllerLine runs on the controller read goroutine
func (p *Proxy) onControllerLine(line string) {
	p.fromController.received.Add(1)

	msg, err := mysensors.Decode(line)
	if err != nil {
		p.decodeFailed(interceptor.Controller, line, err)
		return
	}
	p.dispatch(msg, interceptor.Controller)
}

// dispatch carries out the routing decision for one message
func (p *Proxy) dispatch(msg mysensors.Message, origin interceptor.Endpoint) {
	p.logger.Debug("Frame", slog.String("origin", origin.String()), slog.String("message", mysensors.FormatMessage(msg)))

	for _, a := range interceptor.Route(msg, origin) {
		switch a.Kind {
		case interceptor.ForwardTo:
			if p.send(a.To, a.Message) {
				p.stats(origin).forwarded.Add(1)
				p.metrics.FramesForwarded.WithLabelValues(origin.String(), a.Message.Command.String()).Inc()
			}

		case interceptor.EmitState:
			p.emit(a.Message, origin)

		case interceptor.HandOffToOta:
			if origin == interceptor.Gateway {
				p.handleOta(a.Message)
				continue
			}
			select {
			case p.otaIn <- a.Message:
			case <-p.done:
			}
		}
	}
}

// handleOta must only run on the processor goroutine
func (p *Proxy) handleOta(msg mysensors.Message) {
	reply, ok := p.ota.Handle(msg)
	if !ok {
		return
	}
	p.send(interceptor.Gateway, reply)
}

func (p *Proxy) emit(msg mysensors.Message, origin interceptor.Endpoint) {
	ev := events.Event{Message: msg, Origin: origin, Time: p.cfg.Now()}
	if p.publisher.Publish(ev) {
		p.metrics.EventsEmitted.Inc()
		return
	}
	p.logger.Debug("State event dropped", slog.String("message", mysensors.FormatMessage(msg)))
}

// send encodes and writes a message. A failed write drops the message.
func (p *Proxy) send(to interceptor.Endpoint, msg mysensors.Message) bool {
	line, err := mysensors.EncodeLine(msg)
	if err != nil {
		p.logger.Warn("Cannot encode message", slog.String("message", mysensors.FormatMessage(msg)), slog.Any("error", err))
		return false
	}

	if err := p.endpoint(to).WriteLine(line); err != nil {
		p.stats(to.Opposite()).droppedWrites.Add(1)
		p.metrics.DroppedWrites.WithLabelValues(to.String()).Inc()
		if errors.Is(err, connection.ErrNotConnected) {
			p.logger.Debug("Dropped frame, endpoint down", slog.String("endpoint", to.String()))
		} else {
			p.logger.Warn("Dropped frame", slog.String("endpoint", to.String()), slog.Any("error", err))
		}
		return false
	}
	return true
}

func (p *Proxy) decodeFailed(origin interceptor.Endpoint, line string, err error) {
	p.stats(origin).decodeErrors.Add(1)

	kind := "other"
	switch {
	case errors.Is(err, mysensors.ErrMalformed):
		kind = "malformed"
	case errors.Is(err, mysensors.ErrFieldOutOfRange):
		kind = "out_of_range"
	case errors.Is(err, mysensors.ErrTooLong):
		kind = "too_long"
	}
	p.metrics.DecodeErrors.WithLabelValues(origin.String(), kind).Inc()

	p.logger.Warn("Dropping undecodable frame",
		slog.String("endpoint", origin.String()),
		slog.String("line", line),
		slog.Any("error", err),
	)
}

func (p *Proxy) endpoint(e interceptor.Endpoint) *connection.Manager {
	if e == interceptor.Gateway {
		return p.gateway
	}
	return p.controller
}

func (p *Proxy) stats(origin interceptor.Endpoint) *directionStats {
	if origin == interceptor.Gateway {
		return &p.fromGateway
	}
	return &p.fromController
}
