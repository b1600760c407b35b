// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics tracks frame counts and decode error rates for a stream
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	ValidFrames   uint64
	Malformed     uint64
	OutOfRange    uint64
	TooLong       uint64
	OtherErrors   uint64
	ByCommand     [maxCommand + 1]uint64
	OtaFrames     uint64
	BroadcastSeen uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the outcome of decoding one frame
func (s *Statistics) Update(msg Message, decodeErr error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrMalformed):
			s.Malformed++
		case errors.Is(decodeErr, ErrFieldOutOfRange):
			s.OutOfRange++
		case errors.Is(decodeErr, ErrTooLong):
			s.TooLong++
		default:
			s.OtherErrors++
		}
		return
	}

	s.ValidFrames++
	s.ByCommand[msg.Command]++
	if msg.Command == CommandStream {
		s.OtaFrames++
	}
	if msg.IsBroadcast() {
		s.BroadcastSeen++
	}
}

// Errors returns the total number of failed frames
func (s *Statistics) Errors() uint64 {
	return s.Malformed + s.OutOfRange + s.TooLong + s.OtherErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	fmt.Fprintf(&b, "Total Frames:    %8d\n", s.TotalFrames)
	fmt.Fprintf(&b, "Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	for cmd, n := range s.ByCommand {
		if n > 0 {
			fmt.Fprintf(&b, "  %-13s  %6d\n", Command(cmd).String()+":", n)
		}
	}

	if s.Malformed > 0 {
		fmt.Fprintf(&b, "Malformed:       %8d (%.1f%%)\n", s.Malformed, percent(s.Malformed))
	}
	if s.OutOfRange > 0 {
		fmt.Fprintf(&b, "Out of Range:    %8d (%.1f%%)\n", s.OutOfRange, percent(s.OutOfRange))
	}
	if s.TooLong > 0 {
		fmt.Fprintf(&b, "Too Long:        %8d (%.1f%%)\n", s.TooLong, percent(s.TooLong))
	}
	if s.OtherErrors > 0 {
		fmt.Fprintf(&b, "Other Errors:    %8d (%.1f%%)\n", s.OtherErrors, percent(s.OtherErrors))
	}

	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")

	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
