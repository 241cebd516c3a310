// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Thermoquad/robolink/pkg/checksum"
	"github.com/Thermoquad/robolink/pkg/packet"
)

// drain feeds data and keeps calling Feed(nil) until the framer has nothing
// more to report.
func drain(f Framer, data []byte) ([]*packet.Packet, []error) {
	var pkts []*packet.Packet
	var errs []error
	res, p, err := f.Feed(data)
	for {
		switch res {
		case FrameReady:
			pkts = append(pkts, p)
		case Error:
			errs = append(errs, err)
		default:
			return pkts, errs
		}
		res, p, err = f.Feed(nil)
	}
}

func mustRobot(t testing.TB, opts ...Option) *Binary {
	t.Helper()
	f, err := NewBinary(RobotProtocol(), opts...)
	if err != nil {
		t.Fatalf("NewBinary: %v", err)
	}
	return f
}

var sonarFrame = []byte{0xFA, 0xFB, 0x07, 0x01, 0x0B, 0x00, 0xFF, 0xFF, 0x02, 0xF5}

// ============================================================
// Binary Framer Tests
// ============================================================

func TestBinary_AliveFrame(t *testing.T) {
	f := mustRobot(t)
	res, p, err := f.Feed([]byte{0xFA, 0xFB, 0x03, 0x00, 0x00, 0x00})
	if res != FrameReady || err != nil {
		t.Fatalf("expected FrameReady, got %v (%v)", res, err)
	}
	if p.ID() != 0x00 {
		t.Errorf("expected id 0x00, got 0x%02X", p.ID())
	}
	if p.DataLength() != 0 {
		t.Errorf("expected empty body, got %d bytes", p.DataLength())
	}

	res, p, err = f.Feed(nil)
	if res != Finished || p != nil || err != nil {
		t.Errorf("expected Finished after single frame, got %v", res)
	}
	if f.Stats().Frames != 1 {
		t.Errorf("expected 1 frame counted, got %d", f.Stats().Frames)
	}
}

func TestBinary_SonarFrame(t *testing.T) {
	f := mustRobot(t)
	pkts, errs := drain(f, sonarFrame)
	if len(errs) != 0 || len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d packets %v", len(pkts), errs)
	}
	p := pkts[0]
	if p.ID() != 0x01 {
		t.Errorf("expected id 0x01, got 0x%02X", p.ID())
	}
	if !bytes.Equal(p.Body(), []byte{0x0B, 0x00, 0xFF, 0xFF}) {
		t.Errorf("unexpected body % X", p.Body())
	}
	if p.GetUint8() != 0x0B || p.GetUint8() != 0x00 || p.GetUint16() != 0xFFFF {
		t.Error("body fields misread")
	}
}

func TestBinary_ByteAtATime(t *testing.T) {
	f := mustRobot(t)
	var got []*packet.Packet
	for i, b := range sonarFrame {
		pkts, errs := drain(f, []byte{b})
		if len(errs) > 0 {
			t.Fatalf("byte %d: unexpected error %v", i, errs[0])
		}
		got = append(got, pkts...)
		if i < len(sonarFrame)-1 && len(pkts) > 0 {
			t.Fatalf("frame emitted early at byte %d", i)
		}
		if i > 0 && i < len(sonarFrame)-1 && f.State() != HoldingRemainder {
			t.Errorf("byte %d: expected HoldingRemainder, got %v", i, f.State())
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(got))
	}
	if f.Buffered() != 0 {
		t.Errorf("expected nothing buffered, got %d", f.Buffered())
	}
}

func TestBinary_MultipleFramesOneFeed(t *testing.T) {
	f := mustRobot(t)
	alive := []byte{0xFA, 0xFB, 0x03, 0x00, 0x00, 0x00}
	stream := append(append(append([]byte{}, alive...), sonarFrame...), alive...)
	pkts, errs := drain(f, stream)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(pkts) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(pkts))
	}
	if pkts[0].ID() != 0 || pkts[1].ID() != 1 || pkts[2].ID() != 0 {
		t.Error("packets out of order")
	}
}

func TestBinary_GarbageBeforeMarker(t *testing.T) {
	f := mustRobot(t)
	stream := append([]byte{0x00, 0x11, 0xFA, 0x22, 0xFB}, sonarFrame...)
	pkts, errs := drain(f, stream)
	if len(errs) != 0 || len(pkts) != 1 {
		t.Fatalf("expected 1 packet and no errors, got %d / %v", len(pkts), errs)
	}
	if f.Stats().DiscardedBytes != 5 {
		t.Errorf("expected 5 discarded bytes, got %d", f.Stats().DiscardedBytes)
	}
}

func TestBinary_MarkerSplitAcrossFeeds(t *testing.T) {
	f := mustRobot(t)
	res, _, _ := f.Feed([]byte{0x55, 0xFA})
	if res != PartialData {
		t.Fatalf("trailing sync byte should be held, got %v", res)
	}
	pkts, errs := drain(f, sonarFrame[1:])
	if len(errs) != 0 || len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d / %v", len(pkts), errs)
	}
}

func TestBinary_ChecksumMismatchResync(t *testing.T) {
	f := mustRobot(t)
	bad := append([]byte{}, sonarFrame...)
	bad[len(bad)-1] ^= 0xFF

	pkts, errs := drain(f, append(bad, sonarFrame...))
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if !errors.Is(errs[0], ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", errs[0])
	}
	var fe *FrameError
	if !errors.As(errs[0], &fe) || fe.Expected != 0x02F5 || fe.Got != 0x020A {
		t.Errorf("unexpected frame error %+v", fe)
	}
	if len(pkts) != 1 || pkts[0].ID() != 0x01 {
		t.Fatalf("valid frame after a corrupt one must be emitted, got %d", len(pkts))
	}
	if f.Stats().ChecksumErrors != 1 {
		t.Errorf("expected 1 checksum error, got %d", f.Stats().ChecksumErrors)
	}
}

func TestBinary_CorruptLengthDoesNotSwallowNextFrame(t *testing.T) {
	f := mustRobot(t)
	// Length claims 0x20 bytes; the next real frame starts inside that span.
	stream := append([]byte{0xFA, 0xFB, 0x20, 0x01}, sonarFrame...)
	stream = append(stream, make([]byte, 40)...)

	pkts, errs := drain(f, stream)
	if len(errs) == 0 {
		t.Error("expected the bogus frame to be rejected")
	}
	if len(pkts) != 1 || pkts[0].ID() != 0x01 {
		t.Fatalf("expected the sonar frame to survive, got %d packets", len(pkts))
	}
}

func TestBinary_ImplausibleLength(t *testing.T) {
	f := mustRobot(t)
	pkts, errs := drain(f, append([]byte{0xFA, 0xFB, 0x02, 0x00, 0x00}, sonarFrame...))
	if len(errs) != 1 || !errors.Is(errs[0], ErrFraming) {
		t.Fatalf("expected one framing error, got %v", errs)
	}
	var fe *FrameError
	if errors.As(errs[0], &fe) && fe.Kind != KindBadLength {
		t.Errorf("expected KindBadLength, got %v", fe.Kind)
	}
	if len(pkts) != 1 {
		t.Errorf("expected the following frame, got %d", len(pkts))
	}
}

func TestBinary_ScanWindow(t *testing.T) {
	f := mustRobot(t, WithScanWindow(100))
	pkts, errs := drain(f, make([]byte, 250))
	if len(pkts) != 0 {
		t.Fatal("no frames expected")
	}
	if len(errs) != 1 {
		t.Fatalf("expected one framing error per call, got %d", len(errs))
	}
	var fe *FrameError
	if !errors.As(errs[0], &fe) || fe.Kind != KindNoMarker || fe.Discarded != 250 {
		t.Errorf("unexpected error %+v", errs[0])
	}

	// Window restarts after being reported
	_, errs = drain(f, make([]byte, 50))
	if len(errs) != 0 {
		t.Errorf("short run after report should not error, got %v", errs)
	}
	_, errs = drain(f, make([]byte, 50))
	if len(errs) != 1 {
		t.Errorf("window should trip again at 100 bytes, got %v", errs)
	}
}

func TestBinary_BatteryMarker(t *testing.T) {
	robot := mustRobot(t)
	battery, err := NewBinary(BatteryProtocol())
	if err != nil {
		t.Fatal(err)
	}

	p := battery.NewPacket(0x10)
	p.PutUint16(1234)
	frame, err := battery.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if frame[1] != BatterySync2 {
		t.Fatalf("expected battery marker, got % X", frame[:2])
	}

	if pkts, _ := drain(robot, frame); len(pkts) != 0 {
		t.Error("robot framer must not accept battery frames")
	}
	pkts, errs := drain(battery, frame)
	if len(pkts) != 1 || len(errs) != 0 {
		t.Fatalf("battery framer should accept its frame: %d %v", len(pkts), errs)
	}
	if pkts[0].GetUint16() != 1234 {
		t.Error("body misread")
	}
}

func TestBinary_Reset(t *testing.T) {
	f := mustRobot(t)
	f.Feed(sonarFrame[:5])
	if f.Buffered() != 5 {
		t.Fatalf("expected 5 buffered, got %d", f.Buffered())
	}
	f.Reset()
	if f.Buffered() != 0 || f.State() != Seeking {
		t.Error("reset should drop held bytes")
	}
	if pkts, _ := drain(f, sonarFrame[5:]); len(pkts) != 0 {
		t.Error("tail of a dropped frame must not decode")
	}
}

func TestBinary_History(t *testing.T) {
	f := mustRobot(t, WithHistory(4))
	f.Feed([]byte{1, 2, 3, 4, 5, 6})
	if !bytes.Equal(f.History(), []byte{3, 4, 5, 6}) {
		t.Errorf("expected last 4 bytes, got % X", f.History())
	}

	none := mustRobot(t, WithHistory(0))
	none.Feed([]byte{1})
	if none.History() != nil {
		t.Error("history disabled")
	}
}

// ============================================================
// Encode Tests
// ============================================================

func TestBinary_EncodeSonarVector(t *testing.T) {
	f := mustRobot(t)
	p := f.NewPacket(0x01)
	p.PutUint8(0x0B)
	p.PutUint8(0x00)
	p.PutUint16(0xFFFF)

	frame, err := f.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(frame, sonarFrame) {
		t.Errorf("expected % X, got % X", sonarFrame, frame)
	}

	// Finalize is repeatable
	again, err := f.Encode(p)
	if err != nil || !bytes.Equal(again, sonarFrame) {
		t.Errorf("second encode differs: % X (%v)", again, err)
	}
}

func TestBinary_EncodeAlive(t *testing.T) {
	f := mustRobot(t)
	frame, err := f.Encode(f.NewPacket(0x00))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xFA, 0xFB, 0x03, 0x00, 0x00, 0x00}
	if !bytes.Equal(frame, want) {
		t.Errorf("expected % X, got % X", want, frame)
	}
}

func TestBinary_EncodeTooLarge(t *testing.T) {
	f := mustRobot(t)
	p := f.NewPacket(0x01)
	p.PutBytes(make([]byte, 300))
	if _, err := f.Encode(p); !errors.Is(err, ErrFraming) {
		t.Errorf("expected framing error for oversized packet, got %v", err)
	}
}

func TestBinary_EncodeInvalidPacket(t *testing.T) {
	f := mustRobot(t)
	p := packet.New(f.Layout())
	p.PutBytes(make([]byte, 1000))
	if _, err := f.Encode(p); !errors.Is(err, packet.ErrCapacityExceeded) {
		t.Errorf("expected capacity error, got %v", err)
	}
}

func TestLMS2xx_RoundTrip(t *testing.T) {
	f, err := NewBinary(LMS2xxProtocol())
	if err != nil {
		t.Fatal(err)
	}
	p := f.NewPacket(0x20)
	p.PutUint8(0x25)
	p.PutUint16(0x0102)

	frame, err := f.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if frame[0] != LMS2xxSTX || frame[1] != 0x00 {
		t.Errorf("unexpected header % X", frame[:2])
	}
	if n := binary.LittleEndian.Uint16(frame[2:4]); n != 4 {
		t.Errorf("length should count command and data (4), got %d", n)
	}
	crc := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if want := checksum.CalculateLMSCRC(frame[:len(frame)-2]); crc != want {
		t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", want, crc)
	}

	pkts, errs := drain(f, frame)
	if len(pkts) != 1 || len(errs) != 0 {
		t.Fatalf("expected round trip, got %d %v", len(pkts), errs)
	}
	got := pkts[0]
	if got.ID() != 0x20 || got.GetUint8() != 0x25 || got.GetUint16() != 0x0102 {
		t.Error("decoded fields differ")
	}
}

// ============================================================
// Registry Tests
// ============================================================

func TestNew(t *testing.T) {
	for _, name := range Names() {
		f, err := New(name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if f.Name() != name {
			t.Errorf("expected name %q, got %q", name, f.Name())
		}
	}
	if _, err := New("canbus"); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestNewBinary_RejectsBadProtocol(t *testing.T) {
	p := RobotProtocol()
	p.LengthWidth = 3
	if _, err := NewBinary(p); !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("expected ErrInvalidProtocol, got %v", err)
	}
	p = RobotProtocol()
	p.MaxLength = 400
	if _, err := NewBinary(p); !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("length bound past field width should be rejected, got %v", err)
	}
}
