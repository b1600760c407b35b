// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package interceptor decides what happens to each decoded message.
package interceptor

import "github.com/Thermoquad/mysbridge/pkg/mysensors"

// Endpoint names one side of the bridge
type Endpoint int

// Endpoints
const (
	Gateway Endpoint = iota
	Controller
)

// Opposite returns the other endpoint
func (e Endpoint) Opposite() Endpoint {
	if e == Gateway {
		return Controller
	}
	return Gateway
}

// String returns the endpoint name
func (e Endpoint) String() string {
	if e == Gateway {
		return "gateway"
	}
	return "controller"
}

// Kind is what an Action asks the caller to do
type Kind int

// Action kinds
const (
	// ForwardTo writes the message to Action.To
	ForwardTo Kind = iota
	// EmitState publishes the message to external state consumers
	EmitState
	// HandOffToOta passes the message to the OTA session manager
	HandOffToOta
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case ForwardTo:
		return "forward"
	case EmitState:
		return "emit_state"
	case HandOffToOta:
		return "hand_off_ota"
	default:
		return "unknown"
	}
}

// Action is one routing decision
type Action struct {
	Kind    Kind
	To      Endpoint // ForwardTo only
	Message mysensors.Message
}

// Route classifies a message received from origin. Unrecognised traffic is
// always forwarded to the opposite endpoint.
func Route(msg mysensors.Message, origin Endpoint) []Action {
	forward := Action{Kind: ForwardTo, To: origin.Opposite(), Message: msg}

	switch msg.Command {
	case mysensors.CommandPresentation, mysensors.CommandSet, mysensors.CommandReq:
		return []Action{forward, {Kind: EmitState, Message: msg}}

	case mysensors.CommandStream:
		switch msg.SubType {
		case mysensors.StFirmwareConfigRequest, mysensors.StFirmwareRequest:
			return []Action{{Kind: HandOffToOta, Message: msg}}
		}
	}

	return []Action{forward}
}
