// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"errors"
	"strings"
	"testing"
)

// collect feeds data through a framer and returns lines and errors
func collect(f *Framer, data string) ([]string, []error) {
	var lines []string
	var errs []error
	f.Write([]byte(data), func(line string, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		lines = append(lines, line)
	})
	return lines, errs
}

func TestFramer_Lines(t *testing.T) {
	f := NewFramer()
	lines, errs := collect(f, "5;1;1;0;0;23.4\n\n0;255;3;0;14;\r\n1;1;1;0;0;")

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{"5;1;1;0;0;23.4", "0;255;3;0;14;"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if f.Pending() != len("1;1;1;0;0;") {
		t.Errorf("partial frame should stay buffered, pending=%d", f.Pending())
	}
}

func TestFramer_SplitWrites(t *testing.T) {
	f := NewFramer()
	var got []string
	for _, chunk := range []string{"5;1;", "1;0;0", ";23", ".4\n"} {
		lines, _ := collect(f, chunk)
		got = append(got, lines...)
	}
	if len(got) != 1 || got[0] != "5;1;1;0;0;23.4" {
		t.Errorf("got %q", got)
	}
}

func TestFramer_OverflowResync(t *testing.T) {
	f := NewFramer()
	data := strings.Repeat("x", MaxLineLength*3) + "\n5;1;1;0;0;23.4\n"
	lines, errs := collect(f, data)

	if len(errs) != 1 {
		t.Fatalf("overflow should be reported exactly once, got %d errors", len(errs))
	}
	if !errors.Is(errs[0], ErrTooLong) {
		t.Errorf("error = %v, want ErrTooLong", errs[0])
	}
	if len(lines) != 1 || lines[0] != "5;1;1;0;0;23.4" {
		t.Errorf("framer should resynchronise, got %q", lines)
	}
}

func TestFramer_MaxLengthWithCR(t *testing.T) {
	f := NewFramer()
	line := strings.Repeat("y", MaxLineLength)
	lines, errs := collect(f, line+"\r\n")
	if len(errs) != 0 || len(lines) != 1 || lines[0] != line {
		t.Errorf("line of exactly %d bytes with CR should pass, errs=%v", MaxLineLength, errs)
	}
}

func TestFramer_Reset(t *testing.T) {
	f := NewFramer()
	collect(f, "garbage")
	f.Reset()
	lines, _ := collect(f, "1;1;1;0;0;1\n")
	if len(lines) != 1 || lines[0] != "1;1;1;0;0;1" {
		t.Errorf("Reset should drop partial frame, got %q", lines)
	}
}
