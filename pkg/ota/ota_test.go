// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

type recordingMetrics struct {
	started, served, completed int
	aborted                    map[string]int
	active                     int
}

func (r *recordingMetrics) SessionStarted()   { r.started++ }
func (r *recordingMetrics) BlockServed()      { r.served++ }
func (r *recordingMetrics) SessionCompleted() { r.completed++ }
func (r *recordingMetrics) SessionAborted(reason string) {
	if r.aborted == nil {
		r.aborted = make(map[string]int)
	}
	r.aborted[reason]++
}
func (r *recordingMetrics) SetActiveSessions(n int) { r.active = n }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testImage(t *testing.T, typ, version uint16, size int) *firmware.Image {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	img, err := firmware.NewImage(typ, version, data)
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	return img
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingMetrics, *fakeClock) {
	t.Helper()
	metrics := &recordingMetrics{}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Metrics = metrics
	cfg.Now = clock.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg), metrics, clock
}

func configRequest(node uint8, req ConfigRequest) mysensors.Message {
	return mysensors.NewStream(node, mysensors.StFirmwareConfigRequest, req.Payload())
}

func firmwareRequest(node uint8, typ, version, block uint16) mysensors.Message {
	return mysensors.NewStream(node, mysensors.StFirmwareRequest, FirmwareRequest{typ, version, block}.Payload())
}

func mustConfigResponse(t *testing.T, msg mysensors.Message, ok bool) ConfigResponse {
	t.Helper()
	if !ok {
		t.Fatal("expected a config response")
	}
	if !msg.Is(mysensors.CommandStream, mysensors.StFirmwareConfigResponse) {
		t.Fatalf("unexpected reply %+v", msg)
	}
	resp, err := ParseConfigResponse(msg.Payload)
	if err != nil {
		t.Fatalf("ParseConfigResponse failed: %v", err)
	}
	return resp
}

func mustFirmwareResponse(t *testing.T, msg mysensors.Message, ok bool) FirmwareResponse {
	t.Helper()
	if !ok {
		t.Fatal("expected a firmware response")
	}
	if !msg.Is(mysensors.CommandStream, mysensors.StFirmwareResponse) {
		t.Fatalf("unexpected reply %+v", msg)
	}
	resp, err := ParseFirmwareResponse(msg.Payload)
	if err != nil {
		t.Fatalf("ParseFirmwareResponse failed: %v", err)
	}
	return resp
}

// ============================================================
// Payloads
// ============================================================

func TestParseConfigRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    ConfigRequest
		wantErr bool
	}{
		{"type and version only", "01000200", ConfigRequest{Type: 1, Version: 2}, false},
		{"full", "0A000300100034120200", ConfigRequest{Type: 10, Version: 3, Blocks: 16, CRC: 0x1234, BootloaderVersion: 2}, false},
		{"lowercase", "0a000300", ConfigRequest{Type: 10, Version: 3}, false},
		{"too short", "0100", ConfigRequest{}, true},
		{"odd bytes", "010002", ConfigRequest{}, true},
		{"too long", "010002000300040005000600", ConfigRequest{}, true},
		{"not hex", "zz000200", ConfigRequest{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigRequest(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrPayload) {
					t.Errorf("error = %v, want ErrPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfigRequest failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPayloadLayouts(t *testing.T) {
	if got := (ConfigResponse{Type: 1, Version: 2, Blocks: 0x0300, CRC: 0xBEEF}).Payload(); got != "010002000003EFBE" {
		t.Errorf("ConfigResponse payload = %q", got)
	}
	if got := (FirmwareRequest{Type: 1, Version: 2, Block: 5}).Payload(); got != "010002000500" {
		t.Errorf("FirmwareRequest payload = %q", got)
	}

	resp := FirmwareResponse{Type: 1, Version: 2, Block: 5, Data: bytes.Repeat([]byte{0xAB}, firmware.BlockSize)}
	payload := resp.Payload()
	if len(payload) != 2*(6+firmware.BlockSize) || len(payload) > mysensors.MaxPayloadLength {
		t.Errorf("FirmwareResponse payload has %d chars", len(payload))
	}
	back, err := ParseFirmwareResponse(payload)
	if err != nil {
		t.Fatalf("ParseFirmwareResponse failed: %v", err)
	}
	if back.Block != 5 || !bytes.Equal(back.Data, resp.Data) {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

// ============================================================
// Negotiation
// ============================================================

func TestConfigRequest_ImageFound(t *testing.T) {
	img := testImage(t, 10, 2, 40)
	m, metrics, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	reply, ok := m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	resp := mustConfigResponse(t, reply, ok)

	want := ConfigResponse{Type: 10, Version: 2, Blocks: 3, CRC: img.CRC}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}
	if reply.NodeID != 7 || reply.ChildSensorID != mysensors.NodeSensorID {
		t.Errorf("reply addressed to %d/%d", reply.NodeID, reply.ChildSensorID)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d sessions, want 1", len(snap))
	}
	if snap[0].State != "streaming" || snap[0].NextBlock != 0 || snap[0].TotalBlocks != 3 {
		t.Errorf("session = %+v", snap[0])
	}
	if metrics.started != 1 || metrics.active != 1 {
		t.Errorf("metrics started=%d active=%d", metrics.started, metrics.active)
	}
}

func TestConfigRequest_NoImage(t *testing.T) {
	m, metrics, _ := newTestManager(t, Config{})

	req := ConfigRequest{Type: 4, Version: 9, Blocks: 100, CRC: 0xCAFE}
	reply, ok := m.Handle(configRequest(3, req))
	resp := mustConfigResponse(t, reply, ok)

	want := ConfigResponse{Type: 4, Version: 9, Blocks: 100, CRC: 0xCAFE}
	if resp != want {
		t.Errorf("no-update reply = %+v, want echo %+v", resp, want)
	}
	if m.Active() != 0 || len(m.Snapshot()) != 0 {
		t.Error("no session should be created")
	}
	if metrics.started != 0 {
		t.Error("no session should be counted")
	}
}

func TestConfigRequest_NoImageZeros(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	reply, ok := m.Handle(mysensors.NewStream(3, mysensors.StFirmwareConfigRequest, "04000900"))
	resp := mustConfigResponse(t, reply, ok)
	if resp != (ConfigResponse{Type: 4, Version: 9}) {
		t.Errorf("absent fields should be zero: %+v", resp)
	}
}

func TestConfigRequest_AlreadyCurrent(t *testing.T) {
	img := testImage(t, 10, 2, 40)
	m, _, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	req := ConfigRequest{Type: 10, Version: 2, Blocks: img.BlockCount(), CRC: img.CRC}
	reply, ok := m.Handle(configRequest(7, req))
	resp := mustConfigResponse(t, reply, ok)

	if resp.Blocks != img.BlockCount() || resp.CRC != img.CRC {
		t.Errorf("reply = %+v", resp)
	}
	if m.Active() != 0 {
		t.Error("node running the image should not get a session")
	}
}

func TestConfigRequest_Assignment(t *testing.T) {
	img := testImage(t, 20, 5, 16)
	m, _, _ := newTestManager(t, Config{
		Catalog:     firmware.NewCatalog(img),
		Assignments: map[uint8]firmware.Key{7: {Type: 20, Version: 5}},
	})

	reply, ok := m.Handle(configRequest(7, ConfigRequest{Type: 1, Version: 1}))
	resp := mustConfigResponse(t, reply, ok)
	if resp.Type != 20 || resp.Version != 5 || resp.Blocks != 1 {
		t.Errorf("assigned image not offered: %+v", resp)
	}
}

func TestConfigRequest_Malformed(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	if _, ok := m.Handle(mysensors.NewStream(3, mysensors.StFirmwareConfigRequest, "XYZ")); ok {
		t.Error("malformed config request should not be answered")
	}
}

func TestConfigRequest_ReplacesSession(t *testing.T) {
	img := testImage(t, 10, 2, 64)
	m, metrics, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	m.Handle(firmwareRequest(7, 10, 2, 0))
	m.Handle(firmwareRequest(7, 10, 2, 1))

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].NextBlock != 0 {
		t.Fatalf("session should restart at block 0: %+v", snap)
	}
	if metrics.aborted["replaced"] != 1 {
		t.Errorf("replaced session should be counted as aborted: %v", metrics.aborted)
	}
}

// ============================================================
// Streaming
// ============================================================

func TestStreaming_FullTransfer(t *testing.T) {
	img := testImage(t, 10, 2, 40)
	m, metrics, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))

	for n := uint16(0); n < img.BlockCount(); n++ {
		reply, ok := m.Handle(firmwareRequest(7, 10, 2, n))
		resp := mustFirmwareResponse(t, reply, ok)

		want, _ := img.Block(n)
		if resp.Block != n || !bytes.Equal(resp.Data, want) {
			t.Errorf("block %d: got %+v", n, resp)
		}
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].State != "completed" {
		t.Fatalf("session should be completed: %+v", snap)
	}
	if snap[0].Progress() != 1 {
		t.Errorf("Progress() = %v", snap[0].Progress())
	}
	if metrics.served != 3 || metrics.completed != 1 {
		t.Errorf("served=%d completed=%d", metrics.served, metrics.completed)
	}

	// Duplicate tail request during the grace window
	reply, ok := m.Handle(firmwareRequest(7, 10, 2, 2))
	if resp := mustFirmwareResponse(t, reply, ok); resp.Block != 2 {
		t.Errorf("tail block = %d", resp.Block)
	}
	if metrics.served != 3 {
		t.Error("retransmit should not count as a new block")
	}

	// Past the end after completion: ignored, not an abort
	if _, ok := m.Handle(firmwareRequest(7, 10, 2, 3)); ok {
		t.Error("request past the end should not be answered")
	}
	if len(metrics.aborted) != 0 {
		t.Errorf("completed transfer counted as aborted: %v", metrics.aborted)
	}
	if snap := m.Snapshot(); len(snap) != 1 || snap[0].State != "completed" {
		t.Errorf("completed session should be kept for the grace window: %+v", snap)
	}
}

func TestStreaming_Retransmit(t *testing.T) {
	img := testImage(t, 10, 2, 64)
	m, _, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	m.Handle(firmwareRequest(7, 10, 2, 0))
	m.Handle(firmwareRequest(7, 10, 2, 1))

	reply, ok := m.Handle(firmwareRequest(7, 10, 2, 0))
	if resp := mustFirmwareResponse(t, reply, ok); resp.Block != 0 {
		t.Errorf("retransmitted block = %d, want 0", resp.Block)
	}
	if next := m.Snapshot()[0].NextBlock; next != 2 {
		t.Errorf("NextBlock = %d, want 2", next)
	}
}

func TestStreaming_Aborts(t *testing.T) {
	tests := []struct {
		name   string
		req    mysensors.Message
		reason string
	}{
		{"ahead of sequence", firmwareRequest(7, 10, 2, 2), "block_ahead"},
		{"beyond image", firmwareRequest(7, 10, 2, 4), "out_of_range"},
		{"wrong version", firmwareRequest(7, 10, 3, 0), "image_mismatch"},
		{"wrong type", firmwareRequest(7, 11, 2, 0), "image_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := testImage(t, 10, 2, 64)
			m, metrics, _ := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

			m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
			m.Handle(firmwareRequest(7, 10, 2, 0))

			if _, ok := m.Handle(tt.req); ok {
				t.Error("aborting request should not be answered")
			}
			if m.Active() != 0 {
				t.Error("session should be removed")
			}
			if metrics.aborted[tt.reason] != 1 {
				t.Errorf("aborted = %v, want %s", metrics.aborted, tt.reason)
			}

			// Node must renegotiate
			if _, ok := m.Handle(firmwareRequest(7, 10, 2, 1)); ok {
				t.Error("request after abort should be ignored")
			}
		})
	}
}

func TestStreaming_NoSession(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	if _, ok := m.Handle(firmwareRequest(9, 1, 1, 0)); ok {
		t.Error("request without session should be ignored")
	}
}

func TestSequenceError(t *testing.T) {
	s := &session{nodeID: 4, image: testImage(t, 1, 1, 32), next: 1}
	err := s.check(FirmwareRequest{Type: 1, Version: 1, Block: 5})

	var se *SequenceError
	if !errors.As(err, &se) {
		t.Fatalf("error should be *SequenceError, got %T", err)
	}
	if !errors.Is(err, ErrBlockOutOfRange) || se.Got != 5 || se.Total != 2 {
		t.Errorf("got %v", err)
	}
}

func TestHandle_IgnoresOtherMessages(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	for _, msg := range []mysensors.Message{
		{NodeID: 1, Command: mysensors.CommandSet, SubType: 0, Payload: "1"},
		mysensors.NewStream(1, mysensors.StFirmwareResponse, ""),
	} {
		if _, ok := m.Handle(msg); ok {
			t.Errorf("Handle(%+v) should not reply", msg)
		}
	}
}

// ============================================================
// Expiry
// ============================================================

func TestExpire_Timeout(t *testing.T) {
	img := testImage(t, 10, 2, 64)
	m, metrics, clock := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	m.Handle(configRequest(8, ConfigRequest{Type: 10, Version: 2}))

	clock.Advance(time.Minute)
	m.Handle(firmwareRequest(8, 10, 2, 0))

	clock.Advance(DefaultTimeout - time.Minute)
	if n := m.Expire(clock.Now()); n != 1 {
		t.Fatalf("Expire() removed %d, want 1", n)
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].NodeID != 8 {
		t.Errorf("only the idle session should expire: %+v", snap)
	}
	if metrics.aborted["timeout"] != 1 {
		t.Errorf("aborted = %v", metrics.aborted)
	}
}

func TestExpire_RenegotiatesFromIdle(t *testing.T) {
	img := testImage(t, 10, 2, 64)
	m, metrics, clock := newTestManager(t, Config{Catalog: firmware.NewCatalog(img)})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	m.Handle(firmwareRequest(7, 10, 2, 0))
	m.Handle(firmwareRequest(7, 10, 2, 1))
	oldID := m.Snapshot()[0].ID

	clock.Advance(DefaultTimeout)
	if n := m.Expire(clock.Now()); n != 1 {
		t.Fatalf("Expire() removed %d, want 1", n)
	}

	// Continuing the old sequence without renegotiating is ignored
	if _, ok := m.Handle(firmwareRequest(7, 10, 2, 2)); ok {
		t.Error("request for the old next block should be ignored")
	}
	if m.Active() != 0 {
		t.Fatal("ignored request should not create a session")
	}

	reply, ok := m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	if resp := mustConfigResponse(t, reply, ok); resp.Blocks != img.BlockCount() {
		t.Errorf("config response = %+v", resp)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("sessions = %+v", snap)
	}
	if snap[0].ID == oldID {
		t.Error("renegotiation should start a new session")
	}
	if snap[0].NextBlock != 0 || snap[0].State != "streaming" {
		t.Errorf("new session should start at block 0: %+v", snap[0])
	}

	reply, ok = m.Handle(firmwareRequest(7, 10, 2, 0))
	want, _ := img.Block(0)
	if resp := mustFirmwareResponse(t, reply, ok); resp.Block != 0 || !bytes.Equal(resp.Data, want) {
		t.Errorf("block 0 = %+v", resp)
	}
	if metrics.started != 2 {
		t.Errorf("started = %d, want 2", metrics.started)
	}
}

func TestExpire_CompletionGrace(t *testing.T) {
	img := testImage(t, 10, 2, 16)
	m, metrics, clock := newTestManager(t, Config{
		Catalog:         firmware.NewCatalog(img),
		CompletionGrace: 10 * time.Second,
	})

	m.Handle(configRequest(7, ConfigRequest{Type: 10, Version: 2}))
	m.Handle(firmwareRequest(7, 10, 2, 0))

	clock.Advance(5 * time.Second)
	if n := m.Expire(clock.Now()); n != 0 {
		t.Fatalf("completed session reclaimed early")
	}

	clock.Advance(5 * time.Second)
	if n := m.Expire(clock.Now()); n != 1 {
		t.Fatalf("Expire() removed %d, want 1", n)
	}
	if len(metrics.aborted) != 0 {
		t.Errorf("reclaiming a completed session is not an abort: %v", metrics.aborted)
	}
}
