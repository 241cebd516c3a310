// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"encoding/binary"

	"github.com/Thermoquad/robolink/pkg/checksum"
)

// Frame markers
const (
	RobotSync1   = 0xFA
	RobotSync2   = 0xFB
	BatterySync2 = 0xBA
	LMS2xxSTX    = 0x02
)

// RobotMaxLength is the largest length byte a controller frame can carry.
const RobotMaxLength = 255

// RobotProtocol is the controller frame: FA FB, a length byte counting id,
// body and checksum, then the word-sum checksum over id and body, high byte
// first.
func RobotProtocol() Protocol {
	return Protocol{
		Name:                   "robot",
		Sync:                   []byte{RobotSync1, RobotSync2},
		LengthWidth:            1,
		LengthIncludesChecksum: true,
		MinLength:              3,
		MaxLength:              RobotMaxLength,
		HasID:                  true,
		Checksum:               checksum.XorAccumulate16{},
		ChecksumOrder:          binary.BigEndian,
		Order:                  binary.LittleEndian,
	}
}

// BatteryProtocol is the controller frame layout with the FA BA marker used by
// battery modules.
func BatteryProtocol() Protocol {
	p := RobotProtocol()
	p.Name = "battery"
	p.Sync = []byte{RobotSync1, BatterySync2}
	return p
}

// SonarProtocol is the controller frame layout spoken by standalone sonar
// boards.
func SonarProtocol() Protocol {
	p := RobotProtocol()
	p.Name = "sonar"
	return p
}

// LMS2xxProtocol is the laser range finder frame: STX, address, a
// little-endian 16-bit length counting command and data, then the LMS CRC
// over the whole frame, low byte first.
func LMS2xxProtocol() Protocol {
	return Protocol{
		Name:                 "lms2xx",
		Sync:                 []byte{LMS2xxSTX},
		Address:              []byte{0x00},
		LengthWidth:          2,
		LengthOrder:          binary.LittleEndian,
		MinLength:            1,
		MaxLength:            812,
		HasID:                true,
		Checksum:             checksum.CRC16{Variant: checksum.VariantLMS},
		ChecksumOrder:        binary.LittleEndian,
		ChecksumCoversHeader: true,
		Order:                binary.LittleEndian,
	}
}
