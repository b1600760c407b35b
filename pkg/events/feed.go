// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultMaxClients = 16
	clientBuffer      = 64
	writeTimeout      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FeedConfig configures a Feed
type FeedConfig struct {
	MaxClients int
	Logger     *slog.Logger
}

// Feed streams events to WebSocket clients as binary CBOR frames. A slow
// client loses events; it never slows the bridge.
type Feed struct {
	maxClients int
	logger     *slog.Logger

	cmu     sync.RWMutex
	clients map[string]*feedClient

	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

type feedClient struct {
	id   string
	addr string
	send chan []byte
}

// NewFeed creates an event feed
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed{
		maxClients: cfg.MaxClients,
		logger:     cfg.Logger.With(slog.String("component", "feed")),
		clients:    make(map[string]*feedClient),
		done:       make(chan struct{}),
	}
}

// Close disconnects every client and refuses new ones
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Run fans events out to clients until the channel closes or ctx is done,
// then closes the feed.
func (f *Feed) Run(ctx context.Context, events <-chan Event) error {
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.Broadcast(ev)
		}
	}
}

// Broadcast sends one event to every client
func (f *Feed) Broadcast(ev Event) {
	data, err := EncodeFrame(ev)
	if err != nil {
		f.logger.Warn("Failed to encode event", slog.Any("error", err))
		return
	}

	f.cmu.RLock()
	defer f.cmu.RUnlock()

	for _, c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-f.done:
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	default:
	}

	f.cmu.RLock()
	full := len(f.clients) >= f.maxClients
	f.cmu.RUnlock()
	if full {
		f.logger.Warn("Max clients reached, rejecting connection", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Failed to upgrade connection", slog.Any("error", err))
		return
	}

	c := &feedClient{
		id:   uuid.NewString(),
		addr: r.RemoteAddr,
		send: make(chan []byte, clientBuffer),
	}

	f.cmu.Lock()
	f.clients[c.id] = c
	f.cmu.Unlock()
	f.logger.Info("Feed client connected", slog.String("addr", c.addr), slog.String("id", c.id))

	defer func() {
		f.cmu.Lock()
		delete(f.clients, c.id)
		f.cmu.Unlock()
		conn.Close()
		f.logger.Info("Feed client disconnected", slog.String("addr", c.addr), slog.String("id", c.id))
	}()

	// Reads only detect the close; clients have nothing to say
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					f.logger.Debug("Feed client read error", slog.String("id", c.id), slog.Any("error", err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-f.done:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge stopping"))
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients
func (f *Feed) Clients() int {
	f.cmu.RLock()
	defer f.cmu.RUnlock()
	return len(f.clients)
}

// Dropped returns the number of frames dropped for slow clients
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}
