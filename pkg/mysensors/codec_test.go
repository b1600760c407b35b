// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Decode
// ============================================================

func TestDecode_Valid(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "temperature set",
			line: "5;1;1;0;0;23.4",
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 0, Payload: "23.4"},
		},
		{
			name: "presentation with ack",
			line: "12;3;0;1;6;Kitchen",
			want: Message{NodeID: 12, ChildSensorID: 3, Command: CommandPresentation, Ack: true, SubType: 6, Payload: "Kitchen"},
		},
		{
			name: "empty payload",
			line: "0;255;3;0;14;",
			want: Message{NodeID: 0, ChildSensorID: 255, Command: CommandInternal, SubType: IGatewayReady},
		},
		{
			name: "broadcast",
			line: "255;255;3;0;13;",
			want: Message{NodeID: 255, ChildSensorID: 255, Command: CommandInternal, SubType: IReboot},
		},
		{
			name: "unknown command relayed",
			line: "7;1;6;0;200;x",
			want: Message{NodeID: 7, ChildSensorID: 1, Command: 6, SubType: 200, Payload: "x"},
		},
		{
			name: "raw delimiter in payload",
			line: "5;1;1;0;47;a;b;c",
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 47, Payload: "a;b;c"},
		},
		{
			name: "escaped payload",
			line: `5;1;1;0;47;a\;b\\c\nd\re`,
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 47, Payload: "a;b\\c\nd\re"},
		},
		{
			name: "unknown escape kept",
			line: `5;1;1;0;47;C:\temp\`,
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 47, Payload: `C:\temp\`},
		},
		{
			name: "trailing CRLF ignored",
			line: "5;1;1;0;0;23.4\r\n",
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 0, Payload: "23.4"},
		},
		{
			name: "leading zeros",
			line: "005;01;1;0;000;1",
			want: Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 0, Payload: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.line)
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("Decode(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		kind  error
		field string
	}{
		{"empty line", "", ErrMalformed, ""},
		{"too few fields", "5;1;1;0;0", ErrMalformed, ""},
		{"garbage", "hello world", ErrMalformed, ""},
		{"non numeric node", "abc;1;1;0;0;1", ErrMalformed, "node_id"},
		{"negative child", "5;-1;1;0;0;1", ErrMalformed, "child_sensor_id"},
		{"empty sub type", "5;1;1;0;;1", ErrMalformed, "sub_type"},
		{"node out of range", "256;1;1;0;0;1", ErrFieldOutOfRange, "node_id"},
		{"huge node", "99999999999999999999999;1;1;0;0;1", ErrFieldOutOfRange, "node_id"},
		{"command out of range", "5;1;8;0;0;1", ErrFieldOutOfRange, "command"},
		{"ack out of range", "5;1;1;2;0;1", ErrFieldOutOfRange, "ack"},
		{"sub type out of range", "5;1;1;0;300;1", ErrFieldOutOfRange, "sub_type"},
		{"payload too long", "5;1;1;0;0;" + strings.Repeat("x", MaxPayloadLength+1), ErrTooLong, "payload"},
		{"line too long", "5;1;1;0;0;" + strings.Repeat("x", MaxLineLength), ErrTooLong, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.line)
			if err == nil {
				t.Fatalf("Decode(%q) should fail", tt.line)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("error kind = %v, want %v", err, tt.kind)
			}

			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error should be *DecodeError, got %T", err)
			}
			if de.Field != tt.field {
				t.Errorf("field = %q, want %q", de.Field, tt.field)
			}
			if len(de.Line) > MaxLineLength {
				t.Errorf("raw line should be truncated, got %d bytes", len(de.Line))
			}
		})
	}
}

func TestDecode_MaxPayload(t *testing.T) {
	payload := strings.Repeat("A", MaxPayloadLength)
	msg, err := Decode("1;255;4;0;3;" + payload)
	if err != nil {
		t.Fatalf("payload of exactly %d bytes should decode: %v", MaxPayloadLength, err)
	}
	if msg.Payload != payload {
		t.Errorf("payload mismatch")
	}
}

// ============================================================
// Encode
// ============================================================

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "set",
			msg:  Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 0, Payload: "23.4"},
			want: "5;1;1;0;0;23.4",
		},
		{
			name: "ack",
			msg:  Message{NodeID: 0, ChildSensorID: 0, Command: CommandReq, Ack: true, SubType: 2},
			want: "0;0;2;1;2;",
		},
		{
			name: "escaping",
			msg:  Message{NodeID: 1, ChildSensorID: 2, Command: CommandSet, SubType: 47, Payload: "a;b\\c\nd\r"},
			want: `1;2;1;0;47;a\;b\\c\nd\r`,
		},
		{
			name: "reboot",
			msg:  NewReboot(9),
			want: "9;255;3;0;13;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.msg); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeLine(t *testing.T) {
	line, err := EncodeLine(Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, Payload: "23.4"})
	if err != nil {
		t.Fatalf("EncodeLine failed: %v", err)
	}
	if string(line) != "5;1;1;0;0;23.4\n" {
		t.Errorf("EncodeLine() = %q", line)
	}

	if _, err := EncodeLine(Message{Command: 8}); err == nil {
		t.Error("EncodeLine should reject command 8")
	}
	if _, err := EncodeLine(Message{Payload: strings.Repeat("x", MaxPayloadLength+1)}); err == nil {
		t.Error("EncodeLine should reject oversized payload")
	}
}

func TestRoundTrip_Scenario(t *testing.T) {
	line := "5;1;1;0;0;23.4"
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if Encode(msg) != line {
		t.Errorf("Encode(Decode(%q)) = %q", line, Encode(msg))
	}
}

func TestRoundTrip_WorstCaseEscaping(t *testing.T) {
	msg := Message{
		NodeID:        255,
		ChildSensorID: 255,
		Command:       7,
		Ack:           true,
		SubType:       255,
		Payload:       strings.Repeat(";", MaxPayloadLength),
	}
	line, err := EncodeLine(msg)
	if err != nil {
		t.Fatalf("EncodeLine failed: %v", err)
	}
	got, err := Decode(string(line))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != msg {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

// ============================================================
// Binary payloads
// ============================================================

func TestBinaryPayload(t *testing.T) {
	data := []byte{0x01, 0x00, 0xAB, 0xFF}
	s := EncodeBinary(data)
	if s != "0100ABFF" {
		t.Errorf("EncodeBinary() = %q, want uppercase hex", s)
	}

	got, err := DecodeBinary("0100abff")
	if err != nil {
		t.Fatalf("DecodeBinary failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("DecodeBinary() = %X", got)
	}

	if _, err := DecodeBinary("0G"); err == nil {
		t.Error("DecodeBinary should reject non-hex")
	}
	if _, err := DecodeBinary("ABC"); err == nil {
		t.Error("DecodeBinary should reject odd length")
	}
}

// ============================================================
// Formatter
// ============================================================

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{
			Message{NodeID: 5, ChildSensorID: 1, Command: CommandSet, SubType: 0, Payload: "23.4"},
			`node=5 child=1 SET V_TEMP payload="23.4"`,
		},
		{
			NewReboot(BroadcastID),
			"node=broadcast child=255 INTERNAL I_REBOOT",
		},
		{
			Message{NodeID: 3, ChildSensorID: 255, Command: CommandStream, Ack: true, SubType: StFirmwareRequest},
			"node=3 child=255 STREAM ST_FIRMWARE_REQUEST ack",
		},
		{
			Message{NodeID: 3, ChildSensorID: 1, Command: 6, SubType: 9},
			"node=3 child=1 UNKNOWN_6 9",
		},
	}

	for _, tt := range tests {
		if got := FormatMessage(tt.msg); got != tt.want {
			t.Errorf("FormatMessage() = %q, want %q", got, tt.want)
		}
	}
}

func TestSubTypeName_Unknown(t *testing.T) {
	if got := SubTypeName(CommandSet, 250); got != "250" {
		t.Errorf("SubTypeName() = %q, want 250", got)
	}
}

// ============================================================
// Statistics
// ============================================================

func TestStatistics(t *testing.T) {
	s := NewStatistics()

	for _, line := range []string{"5;1;1;0;0;23.4", "1;255;4;0;2;0100", "bad", "300;1;1;0;0;1"} {
		msg, err := Decode(line)
		s.Update(msg, err)
	}

	if s.TotalFrames != 4 || s.ValidFrames != 2 {
		t.Errorf("total=%d valid=%d, want 4/2", s.TotalFrames, s.ValidFrames)
	}
	if s.Malformed != 1 || s.OutOfRange != 1 {
		t.Errorf("malformed=%d outOfRange=%d, want 1/1", s.Malformed, s.OutOfRange)
	}
	if s.ByCommand[CommandSet] != 1 || s.OtaFrames != 1 {
		t.Errorf("per-command counts wrong: %v", s.ByCommand)
	}
	if !strings.Contains(s.String(), "Total Frames:") {
		t.Error("summary should include totals")
	}

	s.Reset()
	if s.TotalFrames != 0 {
		t.Error("Reset should clear counters")
	}
}
