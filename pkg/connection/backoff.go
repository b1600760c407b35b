// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package connection

import "time"

// Backoff is an exponential reconnect schedule
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Stable is how long a connection must stay up before the schedule
	// starts over at Initial. Defaults to Max.
	Stable time.Duration
}

// DefaultBackoff is 500ms doubling up to 30s
var DefaultBackoff = Backoff{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2.0,
	Stable:     30 * time.Second,
}

// Next returns the delay that follows d
func (b Backoff) Next(d time.Duration) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	next := time.Duration(float64(d) * mult)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	return next
}

// Delay returns the delay before retry attempt n (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d = b.Next(d)
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Stable <= 0 {
		b.Stable = b.Max
	}
	return b
}
