// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import "fmt"

// Error is a configuration problem detected before serving
type Error struct {
	Field  string // variable name without prefix
	Reason string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s%s: %s", EnvPrefix, e.Field, e.Reason)
}
