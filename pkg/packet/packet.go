// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package packet

import (
	"encoding/binary"
	"time"
)

// NoID marks a layout whose frames carry no id byte.
const NoID = -1

// Layout describes where a protocol puts its header fields.
type Layout struct {
	Protocol     string           // protocol name, for logs
	HeaderLength int              // bytes before the body, id included
	FooterLength int              // checksum bytes after the body
	IDOffset     int              // position of the id byte, or NoID
	MaxLength    int              // capacity of a whole frame
	Order        binary.ByteOrder // byte order of body fields
}

// Packet is a framed message: a Buffer plus the protocol it belongs to and
// the time it was decoded.
type Packet struct {
	*Buffer

	protocol  string
	idOffset  int
	timestamp time.Time
}

// New creates an empty fixed-capacity packet for layout.
func New(layout Layout) *Packet {
	return newPacket(layout, false)
}

// NewGrowable creates an empty outbound packet that grows past
// layout.MaxLength as needed.
func NewGrowable(layout Layout) *Packet {
	return newPacket(layout, true)
}

func newPacket(layout Layout, growable bool) *Packet {
	opts := []Option{WithByteOrder(layout.Order)}
	if growable {
		opts = append(opts, WithGrowable())
	}
	return &Packet{
		Buffer:    NewBuffer(layout.HeaderLength, layout.FooterLength, layout.MaxLength, opts...),
		protocol:  layout.Protocol,
		idOffset:  layout.IDOffset,
		timestamp: time.Now(),
	}
}

// FromFrame creates a packet holding a complete received frame.
func FromFrame(layout Layout, frame []byte) *Packet {
	p := New(layout)
	if len(frame) > p.MaxCapacity() {
		p.Buffer = NewBuffer(layout.HeaderLength, layout.FooterLength, len(frame), WithByteOrder(layout.Order))
	}
	p.Load(frame)
	return p
}

// Protocol returns the protocol name.
func (p *Packet) Protocol() string {
	return p.protocol
}

// ID returns the packet id byte, or 0 when the layout has none.
func (p *Packet) ID() uint8 {
	if p.idOffset < 0 {
		return 0
	}
	return p.ByteAt(p.idOffset)
}

// HasID reports whether the layout carries an id byte.
func (p *Packet) HasID() bool {
	return p.idOffset >= 0
}

// SetID writes the id byte into the header.
func (p *Packet) SetID(id uint8) {
	if p.idOffset >= 0 {
		p.SetByte(p.idOffset, id)
	}
}

// Timestamp returns the packet's decode (or creation) time
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// SetTimestamp overrides the packet time.
func (p *Packet) SetTimestamp(t time.Time) {
	p.timestamp = t
}

// Clone returns an independent copy.
func (p *Packet) Clone() *Packet {
	return &Packet{
		Buffer:    p.Buffer.Clone(),
		protocol:  p.protocol,
		idOffset:  p.idOffset,
		timestamp: p.timestamp,
	}
}
