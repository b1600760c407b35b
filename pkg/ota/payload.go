// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

// ErrPayload is returned for OTA payloads with the wrong size or encoding
var ErrPayload = errors.New("invalid OTA payload")

// ConfigRequest is the node's FIRMWARE_CONFIG_REQUEST. Blocks, CRC and
// BootloaderVersion are zero when the node omitted them.
type ConfigRequest struct {
	Type              uint16
	Version           uint16
	Blocks            uint16
	CRC               uint16
	BootloaderVersion uint16
}

// ConfigResponse is the FIRMWARE_CONFIG_RESPONSE sent to a node
type ConfigResponse struct {
	Type    uint16
	Version uint16
	Blocks  uint16
	CRC     uint16
}

// FirmwareRequest is the node's FIRMWARE_REQUEST for one block
type FirmwareRequest struct {
	Type    uint16
	Version uint16
	Block   uint16
}

// FirmwareResponse carries one block of image data
type FirmwareResponse struct {
	Type    uint16
	Version uint16
	Block   uint16
	Data    []byte
}

// ParseConfigRequest decodes a config request payload (2 to 5 words)
func ParseConfigRequest(payload string) (ConfigRequest, error) {
	words, err := decodeWords(payload, 2, 5)
	if err != nil {
		return ConfigRequest{}, err
	}
	words = append(words, make([]uint16, 5-len(words))...)
	return ConfigRequest{
		Type:              words[0],
		Version:           words[1],
		Blocks:            words[2],
		CRC:               words[3],
		BootloaderVersion: words[4],
	}, nil
}

// Payload encodes the request
func (r ConfigRequest) Payload() string {
	return encodeWords(nil, r.Type, r.Version, r.Blocks, r.CRC, r.BootloaderVersion)
}

// ParseConfigResponse decodes a config response payload
func ParseConfigResponse(payload string) (ConfigResponse, error) {
	words, err := decodeWords(payload, 4, 4)
	if err != nil {
		return ConfigResponse{}, err
	}
	return ConfigResponse{Type: words[0], Version: words[1], Blocks: words[2], CRC: words[3]}, nil
}

// Payload encodes the response
func (r ConfigResponse) Payload() string {
	return encodeWords(nil, r.Type, r.Version, r.Blocks, r.CRC)
}

// ParseFirmwareRequest decodes a firmware request payload
func ParseFirmwareRequest(payload string) (FirmwareRequest, error) {
	words, err := decodeWords(payload, 3, 3)
	if err != nil {
		return FirmwareRequest{}, err
	}
	return FirmwareRequest{Type: words[0], Version: words[1], Block: words[2]}, nil
}

// Payload encodes the request
func (r FirmwareRequest) Payload() string {
	return encodeWords(nil, r.Type, r.Version, r.Block)
}

// ParseFirmwareResponse decodes a firmware response payload
func ParseFirmwareResponse(payload string) (FirmwareResponse, error) {
	data, err := mysensors.DecodeBinary(payload)
	if err != nil {
		return FirmwareResponse{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(data) != 6+firmware.BlockSize {
		return FirmwareResponse{}, fmt.Errorf("%w: %d bytes, want %d", ErrPayload, len(data), 6+firmware.BlockSize)
	}
	return FirmwareResponse{
		Type:    binary.LittleEndian.Uint16(data[0:]),
		Version: binary.LittleEndian.Uint16(data[2:]),
		Block:   binary.LittleEndian.Uint16(data[4:]),
		Data:    data[6:],
	}, nil
}

// Payload encodes the response
func (r FirmwareResponse) Payload() string {
	return encodeWords(r.Data, r.Type, r.Version, r.Block)
}

// decodeWords decodes between lo and hi little-endian uint16 words
func decodeWords(payload string, lo, hi int) ([]uint16, error) {
	data, err := mysensors.DecodeBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(data)%2 != 0 || len(data) < lo*2 || len(data) > hi*2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayload, len(data))
	}

	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// encodeWords hex-encodes words followed by tail
func encodeWords(tail []byte, words ...uint16) string {
	buf := make([]byte, 0, len(words)*2+len(tail))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint16(buf, w)
	}
	return mysensors.EncodeBinary(append(buf, tail...))
}
