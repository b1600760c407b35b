// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mysensors

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeBinary hex-encodes binary data (uppercase) for the payload field
func EncodeBinary(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// DecodeBinary decodes a hex payload. Either case is accepted.
func DecodeBinary(payload string) ([]byte, error) {
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid binary payload: %w", err)
	}
	return data, nil
}
