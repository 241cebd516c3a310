// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package framer turns a raw transport byte stream into checksum-verified
// packets, and finalizes outbound packets for the wire.
//
// A framer keeps the bytes of an incomplete frame between Feed calls, so a
// frame split across any number of transport reads comes out exactly once.
// A corrupted frame is dropped and scanning resumes right after its marker.
//
// Framers are driven by a single goroutine and are not safe for concurrent
// use.
package framer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/packet"
)

// Result tells the caller what a Feed call produced.
type Result int

const (
	// Finished means no bytes are buffered.
	Finished Result = iota
	// Error means a frame or run of bytes was discarded. More frames may be
	// buffered; call Feed(nil) again.
	Error
	// PartialData means bytes are held for an incomplete frame.
	PartialData
	// FrameReady means a packet was returned. More frames may be buffered;
	// call Feed(nil) again.
	FrameReady
)

func (r Result) String() string {
	switch r {
	case Finished:
		return "finished"
	case Error:
		return "error"
	case PartialData:
		return "partial"
	case FrameReady:
		return "frame"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// State is the position of the framing state machine.
type State int

const (
	// Seeking scans for a frame marker.
	Seeking State = iota
	// ReadingBody accumulates a frame after its marker.
	ReadingBody
	// HoldingRemainder waits for the rest of an incomplete frame.
	HoldingRemainder
)

func (s State) String() string {
	switch s {
	case Seeking:
		return "seeking"
	case ReadingBody:
		return "reading"
	case HoldingRemainder:
		return "holding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Framer converts between byte streams and packets for one protocol.
type Framer interface {
	// Feed appends data to the held bytes and extracts at most one frame.
	// Loop with Feed(nil) while the result is FrameReady or Error.
	Feed(data []byte) (Result, *packet.Packet, error)
	// NewPacket creates an outbound packet with the protocol layout.
	NewPacket(id uint8) *packet.Packet
	// Finalize writes the header fields and checksum of p in place.
	Finalize(p *packet.Packet) error
	// Encode finalizes p and returns a copy of its wire bytes.
	Encode(p *packet.Packet) ([]byte, error)

	Name() string
	Layout() packet.Layout
	State() State
	Buffered() int
	Stats() Stats
	History() []byte
	Reset()
}

// Stats counts framer activity.
type Stats struct {
	BytesIn        uint64
	Frames         uint64
	ChecksumErrors uint64
	FramingErrors  uint64
	DiscardedBytes uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("Frames: %d  Checksum errors: %d  Framing errors: %d  Discarded: %d/%d bytes\n",
		s.Frames, s.ChecksumErrors, s.FramingErrors, s.DiscardedBytes, s.BytesIn)
}

// Defaults
const (
	DefaultScanWindow  = 1024
	DefaultHistorySize = 256
)

// Option configures a framer.
type Option func(*settings)

type settings struct {
	log         zerolog.Logger
	scanWindow  int
	historySize int
}

// WithLogger sets the logger used for discarded frames.
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithScanWindow sets how many bytes may be discarded while seeking before a
// framing error is reported.
func WithScanWindow(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.scanWindow = n
		}
	}
}

// WithHistory sets the size of the raw byte history kept for diagnostics.
// Zero disables it.
func WithHistory(n int) Option {
	return func(s *settings) {
		s.historySize = n
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		log:         zerolog.Nop(),
		scanWindow:  DefaultScanWindow,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// core holds the state shared by binary and ASCII framers.
type core struct {
	name       string
	log        zerolog.Logger
	buf        []byte
	state      State
	skipped    int
	scanWindow int
	history    *circbuf.Buffer
	stats      Stats
}

func newCore(name string, s settings) core {
	c := core{
		name:       name,
		log:        s.log.With().Str("component", "framer").Str("protocol", name).Logger(),
		scanWindow: s.scanWindow,
	}
	if s.historySize > 0 {
		if h, err := circbuf.NewBuffer(int64(s.historySize)); err == nil {
			c.history = h
		}
	}
	return c
}

func (c *core) Name() string  { return c.name }
func (c *core) State() State  { return c.state }
func (c *core) Buffered() int { return len(c.buf) }
func (c *core) Stats() Stats  { return c.stats }

// History returns the most recent raw bytes fed to the framer.
func (c *core) History() []byte {
	if c.history == nil {
		return nil
	}
	return c.history.Bytes()
}

// Reset drops all held bytes and returns to Seeking.
func (c *core) Reset() {
	c.buf = c.buf[:0]
	c.state = Seeking
	c.skipped = 0
	if c.history != nil {
		c.history.Reset()
	}
}

func (c *core) append(data []byte) {
	if len(data) == 0 {
		return
	}
	c.buf = append(c.buf, data...)
	c.stats.BytesIn += uint64(len(data))
	if c.history != nil {
		c.history.Write(data)
	}
}

// consume removes n bytes from the front of the held buffer.
func (c *core) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.buf) {
		c.buf = c.buf[:0]
		return
	}
	copy(c.buf, c.buf[n:])
	c.buf = c.buf[:len(c.buf)-n]
}

// discard drops n bytes that did not belong to a frame.
func (c *core) discard(n int) {
	c.consume(n)
	c.stats.DiscardedBytes += uint64(n)
}

// skip discards n bytes found while seeking. Once the run of skipped bytes
// reaches the scan window a framing error is returned and the run restarts.
func (c *core) skip(n int, found bool) error {
	c.discard(n)
	c.skipped += n
	if c.skipped >= c.scanWindow {
		err := &FrameError{
			Kind:      KindNoMarker,
			Message:   fmt.Sprintf("no frame marker in %d bytes", c.skipped),
			Discarded: c.skipped,
		}
		c.skipped = 0
		return c.fail(err)
	}
	if found {
		c.skipped = 0
	}
	return nil
}

// reject drops the marker of a bad frame so scanning resumes right after it.
func (c *core) reject(markerLen int, err *FrameError) error {
	if err.Discarded == 0 {
		err.Discarded = markerLen
	}
	c.discard(markerLen)
	c.state = Seeking
	return c.fail(err)
}

func (c *core) fail(err *FrameError) error {
	if err.Kind == KindChecksum {
		c.stats.ChecksumErrors++
	} else {
		c.stats.FramingErrors++
	}
	if c.log.GetLevel() <= zerolog.DebugLevel {
		c.log.Debug().
			Err(err).
			Str("history", packet.FormatHex(c.History())).
			Msg("frame discarded")
	}
	return err
}

func (c *core) idle() (Result, *packet.Packet, error) {
	if len(c.buf) > 0 {
		return PartialData, nil, nil
	}
	c.state = Seeking
	return Finished, nil, nil
}

// ============================================================
// Protocol registry
// ============================================================

var registry = map[string]func(opts ...Option) (Framer, error){
	"robot":   func(opts ...Option) (Framer, error) { return NewBinary(RobotProtocol(), opts...) },
	"battery": func(opts ...Option) (Framer, error) { return NewBinary(BatteryProtocol(), opts...) },
	"sonar":   func(opts ...Option) (Framer, error) { return NewBinary(SonarProtocol(), opts...) },
	"lms2xx":  func(opts ...Option) (Framer, error) { return NewBinary(LMS2xxProtocol(), opts...) },
	"nmea":    func(opts ...Option) (Framer, error) { return NewASCII(NMEAProtocol(), opts...) },
}

// ErrUnknownProtocol is returned by New for an unregistered name.
var ErrUnknownProtocol = errors.New("unknown protocol")

// New creates the framer for a named protocol.
func New(name string, opts ...Option) (Framer, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return ctor(opts...)
}

// Names lists the protocols accepted by New.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
