// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders a message as a frame without the terminator.
// Payload bytes '\\', ';', '\n' and '\r' are escaped as "\\\\", "\;", "\\n"
// and "\\r" so that Decode(Encode(m)) == m.
func Encode(m Message) string {
	var b strings.Builder
	b.Grow(16 + 2*len(m.Payload))

	b.WriteString(strconv.Itoa(int(m.NodeID)))
	b.WriteByte(Delimiter)
	b.WriteString(strconv.Itoa(int(m.ChildSensorID)))
	b.WriteByte(Delimiter)
	b.WriteString(strconv.Itoa(int(m.Command)))
	b.WriteByte(Delimiter)
	if m.Ack {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte(Delimiter)
	b.WriteString(strconv.Itoa(int(m.SubType)))
	b.WriteByte(Delimiter)
	escapePayload(&b, m.Payload)

	return b.String()
}

// EncodeLine renders a message as a newline-terminated frame ready for a transport.
// Returns an error if the message cannot be represented on the wire.
func EncodeLine(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	line := Encode(m)
	if len(line) > MaxLineLength {
		return nil, fmt.Errorf("encoded frame too long: %d bytes (max %d)", len(line), MaxLineLength)
	}
	return append([]byte(line), Terminator), nil
}

// Validate checks the fields that the Go type system does not bound
func Validate(m Message) error {
	if m.Command > maxCommand {
		return fmt.Errorf("command %d out of range (max %d)", m.Command, maxCommand)
	}
	if len(m.Payload) > MaxPayloadLength {
		return fmt.Errorf("payload too long: %d bytes (max %d)", len(m.Payload), MaxPayloadLength)
	}
	return nil
}

func escapePayload(b *strings.Builder, payload string) {
	for i := 0; i < len(payload); i++ {
		switch c := payload[i]; c {
		case EscByte:
			b.WriteString(`\\`)
		case Delimiter:
			b.WriteString(`\;`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
}
