// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

const (
	crcInitial    = 0xFFFF
	crcPolynomial = 0xA001 // 0x8005 reflected
)

// CalculateCRC computes the CRC-16 the OTA bootloader verifies images with
func CalculateCRC(data []byte) uint16 {
	return updateCRC(crcInitial, data)
}

func updateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
