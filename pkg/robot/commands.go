// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package robot

import (
	"fmt"

	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
)

// Command argument types
const (
	ArgInt    uint8 = 0x3B // positive integer, or zero
	ArgNegInt uint8 = 0x1B // magnitude of a negative integer
	ArgString uint8 = 0x2B // length-prefixed string
)

// MaxStringArg is the longest string a command can carry.
const MaxStringArg = 200

// NewCommand creates an outbound packet for command id in the robot's
// protocol.
func (r *Robot) NewCommand(id uint8) *packet.Packet {
	return r.enc.NewPacket(id)
}

// Send finalizes p and queues it for the next output phase.
func (r *Robot) Send(p *packet.Packet) error {
	if !r.link.IsConnected() {
		return link.ErrNotConnected
	}
	frame, err := r.enc.Encode(p)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	select {
	case r.outbox <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Com sends a command without arguments.
func (r *Robot) Com(cmd uint8) error {
	return r.Send(r.NewCommand(cmd))
}

// ComInt sends a command with a signed 16-bit argument. The sign travels in
// the argument type byte and the magnitude as an unsigned word.
func (r *Robot) ComInt(cmd uint8, arg int16) error {
	p := r.NewCommand(cmd)
	PutIntArg(p, arg)
	return r.Send(p)
}

// Com2Bytes sends a command whose argument word is built from two bytes.
func (r *Robot) Com2Bytes(cmd uint8, high, low byte) error {
	p := r.NewCommand(cmd)
	p.PutUint8(ArgInt)
	p.PutUint16(uint16(high)<<8 | uint16(low))
	return r.Send(p)
}

// ComStr sends a command with a string argument.
func (r *Robot) ComStr(cmd uint8, s string) error {
	if len(s) > MaxStringArg {
		return fmt.Errorf("string argument of %d bytes exceeds %d", len(s), MaxStringArg)
	}
	p := r.NewCommand(cmd)
	p.PutUint8(ArgString)
	p.PutUint8(uint8(len(s)))
	p.PutBytes([]byte(s))
	return r.Send(p)
}

// PutIntArg appends a signed integer command argument to p.
func PutIntArg(p *packet.Packet, arg int16) {
	if arg >= 0 {
		p.PutUint8(ArgInt)
		p.PutUint16(uint16(arg))
		return
	}
	p.PutUint8(ArgNegInt)
	p.PutUint16(uint16(-int32(arg)))
}

// IntArg decodes an argument written by PutIntArg. ok is false if the type
// byte is not an integer type.
func IntArg(p *packet.Packet) (v int32, ok bool) {
	switch p.GetUint8() {
	case ArgInt:
		return int32(p.GetUint16()), p.IsValid()
	case ArgNegInt:
		return -int32(p.GetUint16()), p.IsValid()
	default:
		return 0, false
	}
}

// StringArg decodes a length-prefixed string argument.
func StringArg(p *packet.Packet) (string, bool) {
	if p.GetUint8() != ArgString {
		return "", false
	}
	n := int(p.GetUint8())
	b := p.GetBytes(n)
	return string(b), p.IsValid()
}
