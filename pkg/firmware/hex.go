// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Intel HEX record types
const (
	recData                   = 0x00
	recEOF                    = 0x01
	recExtendedSegmentAddress = 0x02
	recStartSegmentAddress    = 0x03
	recExtendedLinearAddress  = 0x04
	recStartLinearAddress     = 0x05
)

// Chunk is a run of data at an absolute address
type Chunk struct {
	Address uint32
	Data    []byte
	Line    int
}

// End returns the address one past the last byte
func (c Chunk) End() uint32 {
	return c.Address + uint32(len(c.Data))
}

// ParseHex reads Intel HEX records and returns their data chunks in file order.
// Parsing stops at the end-of-file record.
func ParseHex(r io.Reader) ([]Chunk, error) {
	scanner := bufio.NewScanner(r)

	var chunks []Chunk
	var base uint32
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		recType, addr, data, err := parseRecord(line)
		if err != nil {
			return nil, &LoadError{Line: lineNo, Err: err}
		}

		switch recType {
		case recData:
			if len(data) > 0 {
				chunks = append(chunks, Chunk{Address: base + uint32(addr), Data: data, Line: lineNo})
			}
		case recEOF:
			return chunks, nil
		case recExtendedSegmentAddress:
			if len(data) != 2 {
				return nil, &LoadError{Line: lineNo, Err: fmt.Errorf("%w: segment address length %d", ErrSyntax, len(data))}
			}
			base = (uint32(data[0])<<8 | uint32(data[1])) << 4
		case recExtendedLinearAddress:
			if len(data) != 2 {
				return nil, &LoadError{Line: lineNo, Err: fmt.Errorf("%w: linear address length %d", ErrSyntax, len(data))}
			}
			base = (uint32(data[0])<<8 | uint32(data[1])) << 16
		case recStartSegmentAddress, recStartLinearAddress:
			// Entry point, not part of the image
		default:
			return nil, &LoadError{Line: lineNo, Err: fmt.Errorf("%w: unknown record type 0x%02X", ErrSyntax, recType)}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Line: lineNo, Err: err}
	}

	// Missing EOF record is tolerated
	return chunks, nil
}

// parseRecord decodes ":LLAAAATT<data>CC" and verifies its checksum
func parseRecord(line string) (byte, uint16, []byte, error) {
	if line[0] != ':' {
		return 0, 0, nil, fmt.Errorf("%w: missing start code", ErrSyntax)
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if len(raw) < 5 {
		return 0, 0, nil, fmt.Errorf("%w: record too short", ErrSyntax)
	}

	length := int(raw[0])
	if len(raw) != length+5 {
		return 0, 0, nil, fmt.Errorf("%w: length byte %d does not match record", ErrSyntax, length)
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return 0, 0, nil, fmt.Errorf("%w: got 0x%02X", ErrChecksum, raw[len(raw)-1])
	}

	addr := uint16(raw[1])<<8 | uint16(raw[2])
	return raw[3], addr, raw[4 : 4+length], nil
}
