// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import "fmt"

const (
	stateCollect = iota
	stateDiscard
)

// Framer assembles newline-terminated frames from a byte stream
type Framer struct {
	state     int
	buffer    []byte
	discarded int
}

// NewFramer creates a new line framer
func NewFramer() *Framer {
	return &Framer{
		state:  stateCollect,
		buffer: make([]byte, 0, MaxLineLength+1),
	}
}

// Reset drops any partial frame
func (f *Framer) Reset() {
	f.state = stateCollect
	f.buffer = f.buffer[:0]
	f.discarded = 0
}

// Pending returns the number of buffered bytes of the current partial frame
func (f *Framer) Pending() int {
	return len(f.buffer)
}

// DecodeByte processes a single byte through the framer.
// Returns the completed line (without terminator) and true when a frame ends.
// An overflowing frame is reported once as a TooLong *DecodeError when its
// terminator arrives; bytes up to that terminator are discarded.
func (f *Framer) DecodeByte(b byte) (string, bool, error) {
	switch f.state {
	case stateDiscard:
		if b != Terminator {
			f.discarded++
			return "", false, nil
		}
		n := f.discarded
		f.Reset()
		return "", false, newDecodeError(ErrTooLong, "",
			fmt.Sprintf("%d bytes (max %d)", n, MaxLineLength), "")

	default:
		if b == Terminator {
			line := f.buffer
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) == 0 {
				f.Reset()
				return "", false, nil
			}
			s := string(line)
			f.Reset()
			return s, true, nil
		}

		// One extra byte is tolerated for a trailing CR
		if len(f.buffer) > MaxLineLength {
			f.discarded = len(f.buffer) + 1
			f.buffer = f.buffer[:0]
			f.state = stateDiscard
			return "", false, nil
		}
		f.buffer = append(f.buffer, b)
		return "", false, nil
	}
}

// Write feeds p through the framer and calls fn for every completed line or
// framing error. It never fails.
func (f *Framer) Write(p []byte, fn func(line string, err error)) {
	for _, b := range p {
		line, ok, err := f.DecodeByte(b)
		if err != nil {
			fn("", err)
			continue
		}
		if ok {
			fn(line, nil)
		}
	}
}
