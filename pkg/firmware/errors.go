// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"errors"
	"fmt"
)

// Load failure kinds. Match with errors.Is.
var (
	ErrSyntax   = errors.New("invalid hex record")
	ErrChecksum = errors.New("record checksum mismatch")
	ErrGap      = errors.New("address gap of a block or more")
	ErrOverlap  = errors.New("overlapping records")
	ErrEmpty    = errors.New("image contains no data")
	ErrTooLarge = errors.New("image exceeds 65535 blocks")
	ErrNotFound = errors.New("firmware not found")
)

// LoadError reports where an image failed to load
type LoadError struct {
	Path string // file path, empty when parsed from a reader
	Line int    // 1-based hex line, 0 when not line specific
	Err  error
}

// Error implements the error interface
func (e *LoadError) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	default:
		return e.Err.Error()
	}
}

// Unwrap returns the underlying cause
func (e *LoadError) Unwrap() error {
	return e.Err
}
