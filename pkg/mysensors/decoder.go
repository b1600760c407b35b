// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decode parses one frame. A trailing "\n" or "\r\n" is ignored.
// The returned error is always a *DecodeError.
func Decode(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if len(line) > MaxLineLength {
		return Message{}, newDecodeError(ErrTooLong, "",
			fmt.Sprintf("%d bytes (max %d)", len(line), MaxLineLength), line)
	}

	fields := strings.SplitN(line, string(Delimiter), FieldCount)
	if len(fields) != FieldCount {
		return Message{}, newDecodeError(ErrMalformed, "",
			fmt.Sprintf("expected %d fields, got %d", FieldCount, len(fields)), line)
	}

	var msg Message
	var err error

	if msg.NodeID, err = parseField(fields[0], "node_id", 255, line); err != nil {
		return Message{}, err
	}
	if msg.ChildSensorID, err = parseField(fields[1], "child_sensor_id", 255, line); err != nil {
		return Message{}, err
	}

	cmd, err := parseField(fields[2], "command", uint64(maxCommand), line)
	if err != nil {
		return Message{}, err
	}
	msg.Command = Command(cmd)

	ack, err := parseField(fields[3], "ack", 1, line)
	if err != nil {
		return Message{}, err
	}
	msg.Ack = ack == 1

	if msg.SubType, err = parseField(fields[4], "sub_type", 255, line); err != nil {
		return Message{}, err
	}

	payload := unescapePayload(fields[5])
	if len(payload) > MaxPayloadLength {
		return Message{}, newDecodeError(ErrTooLong, "payload",
			fmt.Sprintf("%d bytes (max %d)", len(payload), MaxPayloadLength), line)
	}
	msg.Payload = payload

	return msg, nil
}

// parseField parses an unsigned decimal field bounded by max
func parseField(s, name string, max uint64, line string) (uint8, error) {
	if s == "" {
		return 0, newDecodeError(ErrMalformed, name, "empty field", line)
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, newDecodeError(ErrFieldOutOfRange, name, fmt.Sprintf("%q exceeds %d", s, max), line)
		}
		return 0, newDecodeError(ErrMalformed, name, fmt.Sprintf("%q is not a number", s), line)
	}
	if v > max {
		return 0, newDecodeError(ErrFieldOutOfRange, name, fmt.Sprintf("%d exceeds %d", v, max), line)
	}

	return uint8(v), nil
}

// unescapePayload reverses escapePayload. Unknown escapes and a trailing
// lone backslash are kept as-is.
func unescapePayload(s string) string {
	if strings.IndexByte(s, EscByte) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != EscByte || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}

		switch s[i+1] {
		case EscByte:
			b.WriteByte(EscByte)
		case Delimiter:
			b.WriteByte(Delimiter)
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}

	return b.String()
}
