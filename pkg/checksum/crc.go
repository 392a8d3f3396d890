// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package checksum provides the CRC used by framed links and stored records.
package checksum

const (
	// CRC-16-CCITT
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	return Update(crcInitial, data)
}

// Update continues a CRC-16-CCITT computation over more data
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Checksum16 is the 16-bit integrity digest stored alongside configuration
// records and certificate blobs.
func Checksum16(data []byte) uint16 {
	return CalculateCRC(data)
}
