// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

// Message is one decoded protocol frame. It is a comparable value type:
// routing never mutates a Message, it builds new ones.
type Message struct {
	NodeID        uint8
	ChildSensorID uint8
	Command       Command
	Ack           bool
	SubType       uint8
	Payload       string
}

// IsBroadcast returns true if the message is addressed to every node
func (m Message) IsBroadcast() bool {
	return m.NodeID == BroadcastID
}

// Is reports whether the message has the given command and sub-type
func (m Message) Is(cmd Command, subType uint8) bool {
	return m.Command == cmd && m.SubType == subType
}

// NewStream creates a stream message addressed to a node (child 255).
// Used for OTA replies.
func NewStream(nodeID uint8, subType uint8, payload string) Message {
	return Message{
		NodeID:        nodeID,
		ChildSensorID: NodeSensorID,
		Command:       CommandStream,
		SubType:       subType,
		Payload:       payload,
	}
}

// NewInternal creates an internal message addressed to a node (child 255).
func NewInternal(nodeID uint8, subType uint8, payload string) Message {
	return Message{
		NodeID:        nodeID,
		ChildSensorID: NodeSensorID,
		Command:       CommandInternal,
		SubType:       subType,
		Payload:       payload,
	}
}

// NewReboot creates an I_REBOOT request for the given node
func NewReboot(nodeID uint8) Message {
	return NewInternal(nodeID, IReboot, "")
}
