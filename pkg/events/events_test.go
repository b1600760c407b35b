// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/Thermoquad/mysbridge/pkg/interceptor"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

func sampleEvent() Event {
	return Event{
		Message: mysensors.Message{NodeID: 5, ChildSensorID: 1, Command: mysensors.CommandSet, SubType: 0, Payload: "23.4"},
		Origin:  interceptor.Gateway,
		Time:    time.UnixMilli(1735689600123),
	}
}

// ============================================================
// CBOR frames
// ============================================================

func TestFrame_RoundTrip(t *testing.T) {
	ev := sampleEvent()

	data, err := EncodeFrame(ev)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	if got.Message != ev.Message || got.Origin != ev.Origin || !got.Time.Equal(ev.Time) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
	}
}

func TestFrame_Keys(t *testing.T) {
	data, err := EncodeFrame(sampleEvent())
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	var m map[string]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame is not a CBOR map: %v", err)
	}
	for _, key := range []string{"node", "child", "cmd", "ack", "type", "payload", "origin", "time"} {
		if _, ok := m[key]; !ok {
			t.Errorf("frame missing key %q", key)
		}
	}
	if m["origin"] != "gateway" || m["payload"] != "23.4" {
		t.Errorf("unexpected values: %v", m)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	if _, err := DecodeFrame(nil); err == nil {
		t.Error("empty frame should fail")
	}
	if _, err := DecodeFrame([]byte{0xFF, 0x00}); err == nil {
		t.Error("invalid CBOR should fail")
	}

	data, _ := cbor.Marshal(Frame{Origin: "elsewhere"})
	if _, err := DecodeFrame(data); err == nil {
		t.Error("unknown origin should fail")
	}
}

// ============================================================
// Publisher
// ============================================================

func TestPublisher_DropsWhenFull(t *testing.T) {
	var drops atomic.Int32
	p := NewPublisher(2, func() { drops.Add(1) })

	results := []bool{}
	for i := 0; i < 5; i++ {
		results = append(results, p.Publish(sampleEvent()))
	}

	want := []bool{true, true, false, false, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("Publish %d = %v, want %v", i, results[i], want[i])
		}
	}
	if p.Dropped() != 3 || drops.Load() != 3 {
		t.Errorf("Dropped() = %d, callback = %d, want 3", p.Dropped(), drops.Load())
	}

	<-p.Events()
	if !p.Publish(sampleEvent()) {
		t.Error("Publish should succeed once the consumer catches up")
	}
}

func TestPublisher_Close(t *testing.T) {
	p := NewPublisher(1, nil)
	p.Close()
	p.Close()

	if p.Publish(sampleEvent()) {
		t.Error("Publish after Close should be ignored")
	}
	if _, ok := <-p.Events(); ok {
		t.Error("Events channel should be closed")
	}
}

// ============================================================
// Feed
// ============================================================

func newTestFeed(t *testing.T, maxClients int) (*Feed, *httptest.Server) {
	t.Helper()
	feed := NewFeed(FeedConfig{MaxClients: maxClients, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)
	return feed, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func waitClients(t *testing.T, feed *Feed, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for feed.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", feed.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_StreamsEvents(t *testing.T) {
	feed, srv := newTestFeed(t, 0)

	sub, err := Subscribe(context.Background(), wsURL(srv), "", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	waitClients(t, feed, 1)

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx, events)

	events <- sampleEvent()
	ctrl := sampleEvent()
	ctrl.Origin = interceptor.Controller
	events <- ctrl

	for _, want := range []interceptor.Endpoint{interceptor.Gateway, interceptor.Controller} {
		got, err := sub.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if got.Origin != want || got.Message.Payload != "23.4" {
			t.Errorf("got %+v, want origin %s", got, want)
		}
	}
}

func TestFeed_ClientLeaves(t *testing.T) {
	feed, srv := newTestFeed(t, 0)

	sub, err := Subscribe(context.Background(), wsURL(srv), "", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitClients(t, feed, 1)

	sub.Close()
	waitClients(t, feed, 0)
}

func TestFeed_MaxClients(t *testing.T) {
	feed, srv := newTestFeed(t, 1)

	sub, err := Subscribe(context.Background(), wsURL(srv), "", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	waitClients(t, feed, 1)

	_, err = Subscribe(context.Background(), wsURL(srv), "", "")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("second Subscribe = %v, want HTTP 503", err)
	}
}

func TestFeed_SlowClientDrops(t *testing.T) {
	feed := NewFeed(FeedConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	// Register a client that never drains
	feed.clients["slow"] = &feedClient{id: "slow", send: make(chan []byte, 1)}

	for i := 0; i < 4; i++ {
		feed.Broadcast(sampleEvent())
	}
	if feed.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", feed.Dropped())
	}
}

func TestFeed_RunStopsOnClose(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	p := NewPublisher(1, nil)

	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background(), p.Events()) }()
	p.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return when the event channel closes")
	}
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	feed, srv := newTestFeed(t, 0)

	sub, err := Subscribe(context.Background(), wsURL(srv), "", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	waitClients(t, feed, 1)

	feed.Close()
	_, err = sub.Next()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Next error = %v, want going-away close", err)
	}
	waitClients(t, feed, 0)

	if _, err := Subscribe(context.Background(), wsURL(srv), "", ""); err == nil {
		t.Error("Subscribe succeeded on a closed feed")
	}
}

func TestSubscribe_BadScheme(t *testing.T) {
	if _, err := Subscribe(context.Background(), "http://localhost", "", ""); err == nil {
		t.Error("http scheme should be rejected")
	}
}

func TestFeed_RejectsPlainHTTP(t *testing.T) {
	_, srv := newTestFeed(t, 0)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
