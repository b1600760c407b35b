// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"fmt"
	"strconv"
)

// String returns the protocol name of the command
func (c Command) String() string {
	switch c {
	case CommandPresentation:
		return "PRESENTATION"
	case CommandSet:
		return "SET"
	case CommandReq:
		return "REQ"
	case CommandInternal:
		return "INTERNAL"
	case CommandStream:
		return "STREAM"
	default:
		return "UNKNOWN_" + strconv.Itoa(int(c))
	}
}

// SubTypeName returns the protocol name of a sub-type within a command,
// or its decimal value when unknown.
func SubTypeName(cmd Command, subType uint8) string {
	var names []string
	switch cmd {
	case CommandPresentation:
		names = presentationNames
	case CommandSet, CommandReq:
		names = variableNames
	case CommandInternal:
		names = internalNames
	case CommandStream:
		names = streamNames
	}

	if int(subType) < len(names) {
		return names[subType]
	}
	return strconv.Itoa(int(subType))
}

// FormatMessage formats a message into a human-readable line
func FormatMessage(m Message) string {
	node := strconv.Itoa(int(m.NodeID))
	if m.IsBroadcast() {
		node = "broadcast"
	}

	result := fmt.Sprintf("node=%s child=%d %s %s", node, m.ChildSensorID, m.Command, SubTypeName(m.Command, m.SubType))
	if m.Ack {
		result += " ack"
	}
	if m.Payload != "" {
		result += fmt.Sprintf(" payload=%q", m.Payload)
	}

	return result
}
