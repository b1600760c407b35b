// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Subscription reads events from a remote feed
type Subscription struct {
	conn *websocket.Conn
}

// Subscribe connects to a feed URL (ws:// or wss://). HTTP Basic auth is
// sent when username is set.
func Subscribe(ctx context.Context, feedURL, username, password string) (*Subscription, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	headers := http.Header{}
	if username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, feedURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("feed connection failed: %w", err)
	}
	return &Subscription{conn: conn}, nil
}

// Next blocks until the next event arrives
func (s *Subscription) Next() (Event, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return DecodeFrame(data)
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	return s.conn.Close()
}
