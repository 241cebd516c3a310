// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/robolink/pkg/checksum"
	"github.com/Thermoquad/robolink/pkg/packet"
)

// ASCIIProtocol describes a delimited text sentence:
//
//	[start][field sep field ...][checksum delimiter][hh][end]
type ASCIIProtocol struct {
	Name          string
	Start         byte
	Separator     byte
	ChecksumDelim byte
	End           []byte
	MaxLength     int // longest sentence body
	Checksum      checksum.Strategy
}

// NMEAProtocol is the $...*hh\r\n sentence spoken by GPS receivers and
// compasses.
func NMEAProtocol() ASCIIProtocol {
	return ASCIIProtocol{
		Name:          "nmea",
		Start:         '$',
		Separator:     ',',
		ChecksumDelim: '*',
		End:           []byte("\r\n"),
		MaxLength:     120,
		Checksum:      checksum.NMEA{},
	}
}

func (p ASCIIProtocol) footerLength() int {
	return 1 + 2 + len(p.End)
}

// ASCII frames a stream of delimited text sentences. Emitted packets have the
// start delimiter as header, the checksum and end delimiter as footer, and
// the sentence as body.
type ASCII struct {
	core
	proto  ASCIIProtocol
	layout packet.Layout
}

var _ Framer = (*ASCII)(nil)

// NewASCII creates a framer for proto.
func NewASCII(proto ASCIIProtocol, opts ...Option) (*ASCII, error) {
	switch {
	case proto.Checksum == nil:
		return nil, fmt.Errorf("%w: %s: no checksum", ErrInvalidProtocol, proto.Name)
	case len(proto.End) == 0:
		return nil, fmt.Errorf("%w: %s: no end delimiter", ErrInvalidProtocol, proto.Name)
	case proto.MaxLength <= 0:
		return nil, fmt.Errorf("%w: %s: max length %d", ErrInvalidProtocol, proto.Name, proto.MaxLength)
	}
	return &ASCII{
		core:  newCore(proto.Name, newSettings(opts)),
		proto: proto,
		layout: packet.Layout{
			Protocol:     proto.Name,
			HeaderLength: 1,
			FooterLength: proto.footerLength(),
			IDOffset:     packet.NoID,
			MaxLength:    1 + proto.MaxLength + proto.footerLength(),
		},
	}, nil
}

// Layout returns the packet layout of this protocol's sentences.
func (f *ASCII) Layout() packet.Layout { return f.layout }

// Feed implements Framer.
func (f *ASCII) Feed(data []byte) (Result, *packet.Packet, error) {
	f.append(data)
	if len(f.buf) == 0 {
		f.state = Seeking
		return Finished, nil, nil
	}

	if f.state == Seeking {
		i := bytes.IndexByte(f.buf, f.proto.Start)
		if i < 0 {
			if err := f.skip(len(f.buf), false); err != nil {
				return Error, nil, err
			}
			return f.idle()
		}
		f.state = ReadingBody
		if err := f.skip(i, true); err != nil {
			return Error, nil, err
		}
	}

	return f.readSentence()
}

func (f *ASCII) readSentence() (Result, *packet.Packet, error) {
	star := -1
	for j := 1; j < len(f.buf); j++ {
		c := f.buf[j]
		if c == f.proto.ChecksumDelim {
			star = j
			break
		}
		if c == f.proto.Start || c == '\r' || c == '\n' {
			// A new sentence or line end before the checksum: drop the partial
			// sentence and resume at j.
			return Error, nil, f.reject(j, &FrameError{
				Kind:    KindMalformed,
				Message: fmt.Sprintf("sentence interrupted by 0x%02X", c),
			})
		}
	}

	if star < 0 {
		if len(f.buf)-1 > f.proto.MaxLength {
			return Error, nil, f.reject(1, &FrameError{
				Kind:    KindBadLength,
				Message: fmt.Sprintf("sentence longer than %d bytes", f.proto.MaxLength),
			})
		}
		f.state = HoldingRemainder
		return PartialData, nil, nil
	}
	if star-1 > f.proto.MaxLength {
		return Error, nil, f.reject(1, &FrameError{
			Kind:    KindBadLength,
			Message: fmt.Sprintf("sentence longer than %d bytes", f.proto.MaxLength),
		})
	}

	total := star + f.proto.footerLength()
	if len(f.buf) < total {
		f.state = HoldingRemainder
		return PartialData, nil, nil
	}

	hi, okHi := hexValue(f.buf[star+1])
	lo, okLo := hexValue(f.buf[star+2])
	if !okHi || !okLo {
		return Error, nil, f.reject(1, &FrameError{
			Kind:    KindMalformed,
			Message: fmt.Sprintf("invalid checksum digits %q", f.buf[star+1:star+3]),
		})
	}
	if !bytes.Equal(f.buf[star+3:total], f.proto.End) {
		return Error, nil, f.reject(1, &FrameError{
			Kind:    KindMalformed,
			Message: "missing end delimiter",
		})
	}

	got := uint16(hi<<4 | lo)
	want := f.proto.Checksum.Sum(f.buf[1:star])
	if want != got {
		return Error, nil, f.reject(1, &FrameError{
			Kind:     KindChecksum,
			Expected: want,
			Got:      got,
		})
	}

	p := packet.FromFrame(f.layout, f.buf[:total])
	p.SetTimestamp(time.Now())
	f.consume(total)
	f.state = Seeking
	f.stats.Frames++
	return FrameReady, p, nil
}

// NewPacket implements Framer. Sentences have no id byte; id is ignored.
func (f *ASCII) NewPacket(uint8) *packet.Packet {
	return packet.NewGrowable(f.layout)
}

// NewSentence creates an outbound sentence from its fields.
func (f *ASCII) NewSentence(fields ...string) *packet.Packet {
	p := f.NewPacket(0)
	p.PutBytes([]byte(strings.Join(fields, string(f.proto.Separator))))
	return p
}

// Finalize implements Framer.
func (f *ASCII) Finalize(p *packet.Packet) error {
	p.StripFooter()
	if !p.IsValid() {
		return fmt.Errorf("finalize %s sentence: %w", f.proto.Name, packet.ErrCapacityExceeded)
	}
	if p.DataLength() > f.proto.MaxLength {
		return &FrameError{
			Kind:    KindBadLength,
			Message: fmt.Sprintf("sentence longer than %d bytes", f.proto.MaxLength),
		}
	}
	if bytes.IndexByte(p.Body(), f.proto.ChecksumDelim) >= 0 || bytes.IndexByte(p.Body(), f.proto.Start) >= 0 {
		return &FrameError{Kind: KindMalformed, Message: "sentence contains a delimiter"}
	}

	p.SetByte(0, f.proto.Start)
	sum := f.proto.Checksum.Sum(p.Body())
	footer := append([]byte{f.proto.ChecksumDelim}, fmt.Sprintf("%02X", byte(sum))...)
	footer = append(footer, f.proto.End...)
	if !p.SetFooter(footer) {
		return fmt.Errorf("finalize %s sentence: %w", f.proto.Name, packet.ErrCapacityExceeded)
	}
	return nil
}

// Encode implements Framer.
func (f *ASCII) Encode(p *packet.Packet) ([]byte, error) {
	if err := f.Finalize(p); err != nil {
		return nil, err
	}
	return bytes.Clone(p.Bytes()), nil
}

// Fields splits the sentence body of p.
func (f *ASCII) Fields(p *packet.Packet) []string {
	return SplitSentence(p.Body(), f.proto.Separator)
}

// SplitSentence splits a sentence body on sep. The first field is the
// sentence id.
func SplitSentence(body []byte, sep byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), string(sep))
}

// hexValue accepts exactly one hex digit, either case.
func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
