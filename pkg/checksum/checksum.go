// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package checksum provides the frame checksum algorithms used by robot
// controllers and their peripherals.
//
// Every algorithm is a pure function of its input bytes. The Strategy
// interface lets a framer select the algorithm per device protocol.
package checksum

import (
	"fmt"
	"strings"
)

// Strategy computes a frame checksum.
type Strategy interface {
	// Name identifies the algorithm in logs and configuration.
	Name() string
	// Size is the number of checksum bytes carried on the wire.
	Size() int
	// Sum computes the checksum of data.
	Sum(data []byte) uint16
}

// XorAccumulate16 is the robot controller checksum: 16-bit big-endian words
// are summed modulo 2^16 and a trailing odd byte is XORed into the low byte.
type XorAccumulate16 struct{}

// Name returns "xor16".
func (XorAccumulate16) Name() string { return "xor16" }

// Size returns 2.
func (XorAccumulate16) Size() int { return 2 }

// Sum computes the controller checksum over data.
func (XorAccumulate16) Sum(data []byte) uint16 {
	return RobotChecksum(data)
}

// RobotChecksum computes the controller checksum over data.
func RobotChecksum(data []byte) uint16 {
	var c uint16
	n := len(data)
	i := 0
	for n > 1 {
		c += uint16(data[i])<<8 | uint16(data[i+1])
		n -= 2
		i += 2
	}
	if n > 0 {
		c ^= uint16(data[i])
	}
	return c
}

// NMEA is the XOR-8 checksum used by ASCII sentence protocols (GPS, compass).
type NMEA struct{}

// Name returns "nmea".
func (NMEA) Name() string { return "nmea" }

// Size returns 1.
func (NMEA) Size() int { return 1 }

// Sum XORs every byte of data.
func (NMEA) Sum(data []byte) uint16 {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return uint16(c)
}

// ByName returns the strategy registered under name.
func ByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "xor16", "robot":
		return XorAccumulate16{}, nil
	case "crc16-ccitt", "ccitt":
		return CRC16{Variant: VariantCCITT}, nil
	case "crc16-lms", "lms", "lms2xx":
		return CRC16{Variant: VariantLMS}, nil
	case "nmea":
		return NMEA{}, nil
	case "modbus", "crc16-modbus":
		return NewModbus(), nil
	default:
		return nil, fmt.Errorf("unknown checksum strategy %q", name)
	}
}

// Names lists the names accepted by ByName.
func Names() []string {
	return []string{"xor16", "crc16-ccitt", "crc16-lms", "nmea", "modbus"}
}
