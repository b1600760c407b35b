// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"errors"
	"fmt"
)

// Decode failure kinds. Match with errors.Is.
var (
	ErrMalformed       = errors.New("malformed frame")
	ErrFieldOutOfRange = errors.New("field out of range")
	ErrTooLong         = errors.New("frame too long")
)

// DecodeError describes why a single line could not be decoded
type DecodeError struct {
	Kind   error  // ErrMalformed, ErrFieldOutOfRange or ErrTooLong
	Field  string // offending field name, empty for whole-frame errors
	Detail string
	Line   string // raw line, truncated to MaxLineLength
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

// Unwrap returns the failure kind
func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func newDecodeError(kind error, field, detail, line string) *DecodeError {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength]
	}
	return &DecodeError{Kind: kind, Field: field, Detail: detail, Line: line}
}
