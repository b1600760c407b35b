// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware builds OTA firmware images from Intel HEX files.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// BlockSize is the OTA transfer unit in bytes
const BlockSize = 16

// MaxBlocks is the largest block count the OTA payload can express
const MaxBlocks = 0xFFFF

const fillByte = 0xFF

// Image is an immutable firmware image split into fixed-size blocks
type Image struct {
	Type    uint16
	Version uint16
	Base    uint32 // address of the first byte
	CRC     uint16

	data []byte // padded to a whole number of blocks
}

// NewImage creates an image from contiguous data, padding it with 0xFF to a
// whole number of blocks
func NewImage(typ, version uint16, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	blocks := (len(data) + BlockSize - 1) / BlockSize
	if blocks > MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks", ErrTooLarge, blocks)
	}

	padded := make([]byte, blocks*BlockSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = fillByte
	}

	return &Image{
		Type:    typ,
		Version: version,
		CRC:     CalculateCRC(padded),
		data:    padded,
	}, nil
}

// Build merges HEX chunks in address order into an image. Gaps shorter than
// a block are filled with 0xFF; longer gaps and overlaps fail.
func Build(typ, version uint16, chunks []Chunk) (*Image, error) {
	if len(chunks) == 0 {
		return nil, &LoadError{Err: ErrEmpty}
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})

	base := sorted[0].Address
	var data []byte
	end := base

	for _, c := range sorted {
		switch {
		case c.Address < end:
			return nil, &LoadError{Line: c.Line, Err: fmt.Errorf("%w: 0x%08X starts before 0x%08X", ErrOverlap, c.Address, end)}
		case c.Address-end >= BlockSize:
			return nil, &LoadError{Line: c.Line, Err: fmt.Errorf("%w: 0x%08X-0x%08X", ErrGap, end, c.Address)}
		}

		for ; end < c.Address; end++ {
			data = append(data, fillByte)
		}
		data = append(data, c.Data...)
		end = c.End()
	}

	img, err := NewImage(typ, version, data)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	img.Base = base
	return img, nil
}

// Parse reads an Intel HEX stream into an image
func Parse(r io.Reader, typ, version uint16) (*Image, error) {
	chunks, err := ParseHex(r)
	if err != nil {
		return nil, err
	}
	return Build(typ, version, chunks)
}

// Load reads an Intel HEX file into an image
func Load(path string, typ, version uint16) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	img, err := Parse(f, typ, version)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return img, nil
}

// BlockCount returns the number of blocks in the image
func (i *Image) BlockCount() uint16 {
	return uint16(len(i.data) / BlockSize)
}

// Size returns the padded image size in bytes
func (i *Image) Size() int {
	return len(i.data)
}

// Block returns a copy of block n
func (i *Image) Block(n uint16) ([]byte, bool) {
	if n >= i.BlockCount() {
		return nil, false
	}
	block := make([]byte, BlockSize)
	copy(block, i.data[int(n)*BlockSize:])
	return block, true
}

// String returns a one-line description of the image
func (i *Image) String() string {
	return fmt.Sprintf("type=%d version=%d blocks=%d crc=0x%04X base=0x%08X", i.Type, i.Version, i.BlockCount(), i.CRC, i.Base)
}
