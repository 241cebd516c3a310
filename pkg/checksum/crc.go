// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package checksum

import "github.com/sigurn/crc16"

// CRC16Variant selects the polynomial and seed of a table-free CRC-16.
type CRC16Variant int

const (
	// VariantCCITT is CRC-16-CCITT (poly 0x1021, seed 0xFFFF, MSB first),
	// used by safety laser scanners.
	VariantCCITT CRC16Variant = iota
	// VariantLMS is the LMS2xx laser CRC (poly 0x8005, seed 0) which folds
	// the current and previous input byte into the register each step.
	VariantLMS
)

// CRC-16-CCITT configuration
const (
	ccittPolynomial = 0x1021
	ccittInitial    = 0xFFFF
)

// LMS2xx configuration
const (
	lmsPolynomial = 0x8005
	lmsInitial    = 0x0000
)

func (v CRC16Variant) String() string {
	switch v {
	case VariantCCITT:
		return "crc16-ccitt"
	case VariantLMS:
		return "crc16-lms"
	default:
		return "crc16-unknown"
	}
}

// CRC16 is a bit-shifting CRC-16 strategy.
type CRC16 struct {
	Variant CRC16Variant
}

// Name returns the variant name.
func (c CRC16) Name() string { return c.Variant.String() }

// Size returns 2.
func (c CRC16) Size() int { return 2 }

// Sum computes the CRC of data for the configured variant.
func (c CRC16) Sum(data []byte) uint16 {
	if c.Variant == VariantLMS {
		return CalculateLMSCRC(data)
	}
	return CalculateCRC(data)
}

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(ccittInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ ccittPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CalculateLMSCRC computes the LMS2xx laser CRC for the given data
func CalculateLMSCRC(data []byte) uint16 {
	crc := uint16(lmsInitial)
	var cur, prev byte
	for _, b := range data {
		prev = cur
		cur = b
		if crc&0x8000 != 0 {
			crc = ((crc & 0x7fff) << 1) ^ lmsPolynomial
		} else {
			crc <<= 1
		}
		crc ^= uint16(cur) | uint16(prev)<<8
	}
	return crc
}

// Modbus is CRC-16/MODBUS, computed with a precomputed table.
type Modbus struct {
	table *crc16.Table
}

// NewModbus creates a Modbus CRC strategy.
func NewModbus() Modbus {
	return Modbus{table: crc16.MakeTable(crc16.CRC16_MODBUS)}
}

// Name returns "modbus".
func (m Modbus) Name() string { return "modbus" }

// Size returns 2.
func (m Modbus) Size() int { return 2 }

// Sum computes the Modbus CRC of data.
func (m Modbus) Sum(data []byte) uint16 {
	table := m.table
	if table == nil {
		table = crc16.MakeTable(crc16.CRC16_MODBUS)
	}
	return crc16.Checksum(data, table)
}
