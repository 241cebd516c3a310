// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/robolink/pkg/checksum"
	"github.com/Thermoquad/robolink/pkg/packet"
)

// Protocol describes a binary fixed-header frame:
//
//	[sync][address][length][id][body][checksum]
type Protocol struct {
	Name string

	// Sync is the frame marker.
	Sync []byte
	// Address is written after the sync bytes of outbound frames. Inbound
	// frames carry len(Address) bytes in the same place.
	Address []byte

	// LengthWidth is 1 or 2 bytes.
	LengthWidth int
	LengthOrder binary.ByteOrder
	// LengthIncludesChecksum is set when the length field counts id, body
	// and checksum. Otherwise it counts id and body only.
	LengthIncludesChecksum bool
	// MinLength and MaxLength bound the value of the length field.
	MinLength int
	MaxLength int

	// HasID is set when the first byte after the length field is a packet id.
	HasID bool

	Checksum      checksum.Strategy
	ChecksumOrder binary.ByteOrder
	// ChecksumCoversHeader computes the checksum over the whole frame instead
	// of starting after the length field.
	ChecksumCoversHeader bool

	// Order is the byte order of body fields.
	Order binary.ByteOrder
}

// ErrInvalidProtocol is returned for an unusable protocol description.
var ErrInvalidProtocol = errors.New("invalid protocol")

func (p Protocol) validate() error {
	switch {
	case len(p.Sync) == 0:
		return fmt.Errorf("%w: %s: no sync bytes", ErrInvalidProtocol, p.Name)
	case p.LengthWidth != 1 && p.LengthWidth != 2:
		return fmt.Errorf("%w: %s: length width %d", ErrInvalidProtocol, p.Name, p.LengthWidth)
	case p.Checksum == nil:
		return fmt.Errorf("%w: %s: no checksum", ErrInvalidProtocol, p.Name)
	case p.MaxLength < p.MinLength || p.MaxLength > 1<<(8*p.LengthWidth)-1:
		return fmt.Errorf("%w: %s: length bounds %d..%d", ErrInvalidProtocol, p.Name, p.MinLength, p.MaxLength)
	}
	return nil
}

// lengthEnd is the offset of the first byte after the length field.
func (p Protocol) lengthEnd() int {
	return len(p.Sync) + len(p.Address) + p.LengthWidth
}

func (p Protocol) layout() packet.Layout {
	header := p.lengthEnd()
	idOffset := packet.NoID
	if p.HasID {
		idOffset = header
		header++
	}
	maxFrame := p.lengthEnd() + p.MaxLength
	if !p.LengthIncludesChecksum {
		maxFrame += p.Checksum.Size()
	}
	order := p.Order
	if order == nil {
		order = binary.LittleEndian
	}
	return packet.Layout{
		Protocol:     p.Name,
		HeaderLength: header,
		FooterLength: p.Checksum.Size(),
		IDOffset:     idOffset,
		MaxLength:    maxFrame,
		Order:        order,
	}
}

// Binary frames a byte stream of fixed-header binary packets.
type Binary struct {
	core
	proto  Protocol
	layout packet.Layout
}

var _ Framer = (*Binary)(nil)

// NewBinary creates a framer for proto.
func NewBinary(proto Protocol, opts ...Option) (*Binary, error) {
	if err := proto.validate(); err != nil {
		return nil, err
	}
	if proto.LengthOrder == nil {
		proto.LengthOrder = binary.LittleEndian
	}
	if proto.ChecksumOrder == nil {
		proto.ChecksumOrder = binary.BigEndian
	}
	return &Binary{
		core:   newCore(proto.Name, newSettings(opts)),
		proto:  proto,
		layout: proto.layout(),
	}, nil
}

// Protocol returns the frame description.
func (f *Binary) Protocol() Protocol { return f.proto }

// Layout returns the packet layout of this protocol's frames.
func (f *Binary) Layout() packet.Layout { return f.layout }

// Feed implements Framer.
func (f *Binary) Feed(data []byte) (Result, *packet.Packet, error) {
	f.append(data)
	if len(f.buf) == 0 {
		f.state = Seeking
		return Finished, nil, nil
	}

	if f.state == Seeking {
		i := bytes.Index(f.buf, f.proto.Sync)
		if i < 0 {
			keep := partialMarker(f.buf, f.proto.Sync)
			if err := f.skip(len(f.buf)-keep, false); err != nil {
				return Error, nil, err
			}
			return f.idle()
		}
		f.state = ReadingBody
		if err := f.skip(i, true); err != nil {
			return Error, nil, err
		}
	}

	return f.readBody()
}

func (f *Binary) readBody() (Result, *packet.Packet, error) {
	lenEnd := f.proto.lengthEnd()
	if len(f.buf) < lenEnd {
		f.state = HoldingRemainder
		return PartialData, nil, nil
	}

	length := f.readLength(f.buf[lenEnd-f.proto.LengthWidth : lenEnd])
	if length < f.proto.MinLength || length > f.proto.MaxLength {
		return Error, nil, f.reject(len(f.proto.Sync), &FrameError{
			Kind:    KindBadLength,
			Message: fmt.Sprintf("invalid length: %d (valid %d-%d)", length, f.proto.MinLength, f.proto.MaxLength),
		})
	}

	size := f.proto.Checksum.Size()
	total := lenEnd + length
	if !f.proto.LengthIncludesChecksum {
		total += size
	}
	if len(f.buf) < total {
		f.state = HoldingRemainder
		return PartialData, nil, nil
	}

	frame := f.buf[:total]
	want := f.proto.Checksum.Sum(frame[f.coverageStart() : total-size])
	got := readChecksum(frame[total-size:], f.proto.ChecksumOrder)
	if want != got {
		return Error, nil, f.reject(len(f.proto.Sync), &FrameError{
			Kind:     KindChecksum,
			Expected: want,
			Got:      got,
		})
	}

	p := packet.FromFrame(f.layout, frame)
	p.SetTimestamp(time.Now())
	f.consume(total)
	f.state = Seeking
	f.stats.Frames++
	return FrameReady, p, nil
}

func (f *Binary) coverageStart() int {
	if f.proto.ChecksumCoversHeader {
		return 0
	}
	return f.proto.lengthEnd()
}

func (f *Binary) readLength(b []byte) int {
	if f.proto.LengthWidth == 1 {
		return int(b[0])
	}
	return int(f.proto.LengthOrder.Uint16(b))
}

// NewPacket implements Framer. The packet grows as needed; Finalize rejects
// it if the body no longer fits the length field.
func (f *Binary) NewPacket(id uint8) *packet.Packet {
	p := packet.NewGrowable(f.layout)
	p.SetID(id)
	return p
}

// Finalize implements Framer.
func (f *Binary) Finalize(p *packet.Packet) error {
	p.StripFooter()
	if !p.IsValid() {
		return fmt.Errorf("finalize %s packet: %w", f.proto.Name, packet.ErrCapacityExceeded)
	}
	if p.HeaderLength() != f.layout.HeaderLength || p.FooterLength() != f.layout.FooterLength {
		return fmt.Errorf("finalize %s packet: header/footer %d/%d does not match protocol %d/%d",
			f.proto.Name, p.HeaderLength(), p.FooterLength(), f.layout.HeaderLength, f.layout.FooterLength)
	}

	lenEnd := f.proto.lengthEnd()
	size := f.proto.Checksum.Size()
	length := p.Length() - lenEnd
	if f.proto.LengthIncludesChecksum {
		length += size
	}
	if length < f.proto.MinLength || length > f.proto.MaxLength {
		return &FrameError{
			Kind:    KindBadLength,
			Message: fmt.Sprintf("packet length %d outside %d-%d", length, f.proto.MinLength, f.proto.MaxLength),
		}
	}

	for i, b := range f.proto.Sync {
		p.SetByte(i, b)
	}
	for i, b := range f.proto.Address {
		p.SetByte(len(f.proto.Sync)+i, b)
	}
	if f.proto.LengthWidth == 1 {
		p.SetByte(lenEnd-1, byte(length))
	} else {
		var lb [2]byte
		f.proto.LengthOrder.PutUint16(lb[:], uint16(length))
		p.SetByte(lenEnd-2, lb[0])
		p.SetByte(lenEnd-1, lb[1])
	}

	sum := f.proto.Checksum.Sum(p.Bytes()[f.coverageStart():])
	footer := make([]byte, size)
	writeChecksum(footer, sum, f.proto.ChecksumOrder)
	if !p.SetFooter(footer) {
		return fmt.Errorf("finalize %s packet: %w", f.proto.Name, packet.ErrCapacityExceeded)
	}
	return nil
}

// Encode implements Framer.
func (f *Binary) Encode(p *packet.Packet) ([]byte, error) {
	if err := f.Finalize(p); err != nil {
		return nil, err
	}
	return bytes.Clone(p.Bytes()), nil
}

// partialMarker returns the length of the longest tail of buf that is a
// proper prefix of marker.
func partialMarker(buf, marker []byte) int {
	n := len(marker) - 1
	if n > len(buf) {
		n = len(buf)
	}
	for ; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], marker[:n]) {
			return n
		}
	}
	return 0
}

func readChecksum(b []byte, order binary.ByteOrder) uint16 {
	if len(b) == 1 {
		return uint16(b[0])
	}
	return order.Uint16(b)
}

func writeChecksum(b []byte, sum uint16, order binary.ByteOrder) {
	if len(b) == 1 {
		b[0] = byte(sum)
		return
	}
	order.PutUint16(b, sum)
}
