// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package events carries state events out of the bridge.
package events

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/mysbridge/pkg/interceptor"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

// Event is a state message observed on the bridge
type Event struct {
	Message mysensors.Message
	Origin  interceptor.Endpoint
	Time    time.Time
}

// Frame is the CBOR wire form of an Event
type Frame struct {
	Node    uint8  `cbor:"node"`
	Child   uint8  `cbor:"child"`
	Cmd     uint8  `cbor:"cmd"`
	Ack     bool   `cbor:"ack"`
	Type    uint8  `cbor:"type"`
	Payload string `cbor:"payload"`
	Origin  string `cbor:"origin"`
	Time    int64  `cbor:"time"` // unix milliseconds
}

// NewFrame converts an event to its wire form
func NewFrame(ev Event) Frame {
	return Frame{
		Node:    ev.Message.NodeID,
		Child:   ev.Message.ChildSensorID,
		Cmd:     uint8(ev.Message.Command),
		Ack:     ev.Message.Ack,
		Type:    ev.Message.SubType,
		Payload: ev.Message.Payload,
		Origin:  ev.Origin.String(),
		Time:    ev.Time.UnixMilli(),
	}
}

// Event converts a frame back to an event
func (f Frame) Event() (Event, error) {
	var origin interceptor.Endpoint
	switch f.Origin {
	case interceptor.Gateway.String():
		origin = interceptor.Gateway
	case interceptor.Controller.String():
		origin = interceptor.Controller
	default:
		return Event{}, fmt.Errorf("unknown origin %q", f.Origin)
	}

	return Event{
		Message: mysensors.Message{
			NodeID:        f.Node,
			ChildSensorID: f.Child,
			Command:       mysensors.Command(f.Cmd),
			Ack:           f.Ack,
			SubType:       f.Type,
			Payload:       f.Payload,
		},
		Origin: origin,
		Time:   time.UnixMilli(f.Time),
	}, nil
}

// EncodeFrame encodes an event as a CBOR map
func EncodeFrame(ev Event) ([]byte, error) {
	data, err := cbor.Marshal(NewFrame(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR: %w", err)
	}
	return data, nil
}

// DecodeFrame decodes a CBOR event frame
func DecodeFrame(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, fmt.Errorf("empty CBOR frame")
	}

	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	return f.Event()
}
