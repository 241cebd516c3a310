// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

// ============================================================
// Encode / Decode Round Trip Tests
// ============================================================

func TestBuffer_Int16LittleEndian(t *testing.T) {
	b := NewBuffer(0, 0, 16)
	b.PutInt16(-1234)

	if !bytes.Equal(b.Bytes(), []byte{0x2E, 0xFB}) {
		t.Fatalf("expected [2E FB], got % X", b.Bytes())
	}
	if got := b.GetInt16(); got != -1234 {
		t.Errorf("expected -1234, got %d", got)
	}
	if !b.IsValid() {
		t.Error("buffer should be valid")
	}
}

func TestBuffer_RoundTripAllTypes(t *testing.T) {
	orders := []struct {
		name  string
		order binary.ByteOrder
	}{
		{"little-endian", binary.LittleEndian},
		{"big-endian", binary.BigEndian},
	}

	for _, o := range orders {
		t.Run(o.name, func(t *testing.T) {
			b := NewBuffer(0, 0, 128, WithByteOrder(o.order))
			b.PutInt8(-5)
			b.PutUint8(250)
			b.PutInt16(math.MinInt16)
			b.PutUint16(0xBEEF)
			b.PutInt32(-123456789)
			b.PutUint32(0xDEADBEEF)
			b.PutInt64(math.MinInt64 + 7)
			b.PutUint64(0x0102030405060708)
			b.PutBool(true)
			b.PutString("sonar")
			b.PutFixed([]byte("ab"), 4)
			b.PutString("")

			if !b.IsValid() {
				t.Fatal("writes should fit")
			}

			if v := b.GetInt8(); v != -5 {
				t.Errorf("int8: got %d", v)
			}
			if v := b.GetUint8(); v != 250 {
				t.Errorf("uint8: got %d", v)
			}
			if v := b.GetInt16(); v != math.MinInt16 {
				t.Errorf("int16: got %d", v)
			}
			if v := b.GetUint16(); v != 0xBEEF {
				t.Errorf("uint16: got 0x%X", v)
			}
			if v := b.GetInt32(); v != -123456789 {
				t.Errorf("int32: got %d", v)
			}
			if v := b.GetUint32(); v != 0xDEADBEEF {
				t.Errorf("uint32: got 0x%X", v)
			}
			if v := b.GetInt64(); v != math.MinInt64+7 {
				t.Errorf("int64: got %d", v)
			}
			if v := b.GetUint64(); v != 0x0102030405060708 {
				t.Errorf("uint64: got 0x%X", v)
			}
			if v := b.GetBool(); !v {
				t.Error("bool: got false")
			}
			if v := b.GetString(32); v != "sonar" {
				t.Errorf("string: got %q", v)
			}
			if v := b.GetFixed(4); v != "ab" {
				t.Errorf("fixed: got %q", v)
			}
			if v := b.GetString(32); v != "" {
				t.Errorf("empty string: got %q", v)
			}
			if !b.IsValid() {
				t.Error("reads should stay valid")
			}
			if b.Remaining() != 0 {
				t.Errorf("expected everything consumed, %d left", b.Remaining())
			}
		})
	}
}

func TestBuffer_Scaled(t *testing.T) {
	b := NewBuffer(0, 0, 8)
	b.PutScaled(-12.3456)
	if got := b.GetScaled(); math.Abs(got-(-12.3456)) > 1e-9 {
		t.Errorf("expected -12.3456, got %f", got)
	}
}

// ============================================================
// Capacity Tests
// ============================================================

func TestBuffer_WriteBeyondCapacity(t *testing.T) {
	b := NewBuffer(0, 0, 3)
	b.PutUint16(0x1122)
	b.PutUint16(0x3344)

	if b.IsValid() {
		t.Error("overflowing write should invalidate")
	}
	if !errors.Is(b.Err(), ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", b.Err())
	}
	if b.Length() != 2 {
		t.Errorf("rejected write must not change length, got %d", b.Length())
	}
	if b.data[2] != 0 {
		t.Errorf("rejected write must not touch spare capacity, got 0x%02X", b.data[2])
	}
}

func TestBuffer_ExactlyAtCapacity(t *testing.T) {
	b := NewBuffer(0, 0, 4)
	b.PutUint32(0xCAFEBABE)
	if !b.IsValid() {
		t.Error("write exactly at capacity should succeed")
	}
	b.PutUint8(1)
	if b.IsValid() {
		t.Error("one more byte should fail")
	}
}

func TestBuffer_FooterReserved(t *testing.T) {
	b := NewBuffer(1, 2, 5)
	b.PutUint16(0xAAAA)
	if !b.IsValid() {
		t.Fatal("body write should fit")
	}
	b.PutUint8(1)
	if b.IsValid() {
		t.Error("write into footer space should fail")
	}
}

func TestBuffer_OversizedString(t *testing.T) {
	b := NewBuffer(0, 0, 4)
	b.PutString("four")
	if b.IsValid() {
		t.Error("string plus terminator exceeds capacity")
	}
	if b.Length() != 0 {
		t.Errorf("string write is all or nothing, length %d", b.Length())
	}
}

func TestBuffer_Growable(t *testing.T) {
	b := NewBuffer(2, 2, 4, WithGrowable())
	for i := 0; i < 100; i++ {
		b.PutUint32(uint32(i))
	}
	if !b.IsValid() {
		t.Fatal("growable buffer should extend")
	}
	if b.DataLength() != 400 {
		t.Errorf("expected 400 body bytes, got %d", b.DataLength())
	}
	if !b.SetFooter([]byte{0x01, 0x02}) {
		t.Fatal("footer should fit after growth")
	}
	if b.Length() != 404 {
		t.Errorf("expected total length 404, got %d", b.Length())
	}
}

func TestBuffer_PutFixed(t *testing.T) {
	b := NewBuffer(0, 0, 16)
	b.PutFixed([]byte("abcdef"), 3)
	b.PutFixed([]byte("x"), 3)
	if !bytes.Equal(b.Bytes(), []byte{'a', 'b', 'c', 'x', 0, 0}) {
		t.Errorf("unexpected bytes % X", b.Bytes())
	}
}

// ============================================================
// Read Tests
// ============================================================

func TestBuffer_ReadPastEndIdempotent(t *testing.T) {
	b := NewBuffer(0, 0, 8)
	b.PutUint16(7)

	if v := b.GetUint32(); v != 0 {
		t.Errorf("short read should return zero, got %d", v)
	}
	cursor := b.ReadCursor()
	for i := 0; i < 5; i++ {
		if v := b.GetUint32(); v != 0 {
			t.Errorf("repeat %d: expected zero, got %d", i, v)
		}
		if b.ReadCursor() != cursor {
			t.Fatalf("cursor moved from %d to %d", cursor, b.ReadCursor())
		}
		if b.IsValid() {
			t.Fatal("buffer must stay invalid")
		}
	}

	b.ResetRead()
	if !b.IsValid() || b.GetUint16() != 7 {
		t.Error("ResetRead should make the buffer readable again")
	}
}

func TestBuffer_ReadStopsAtFooter(t *testing.T) {
	b := NewBuffer(1, 2, 16)
	if !b.Load([]byte{0xAA, 0x01, 0x02, 0xC1, 0xC2}) {
		t.Fatal("load failed")
	}
	if b.DataLength() != 2 {
		t.Errorf("expected 2 body bytes, got %d", b.DataLength())
	}
	if v := b.GetUint16(); v != 0x0201 {
		t.Errorf("expected 0x0201, got 0x%04X", v)
	}
	if v := b.GetUint8(); v != 0 || b.IsValid() {
		t.Error("footer bytes must not be readable")
	}
}

func TestBuffer_GetStringTruncatedKeepsFraming(t *testing.T) {
	b := NewBuffer(0, 0, 32)
	b.PutString("hello")
	b.PutUint8(7)

	if s := b.GetString(3); s != "he" {
		t.Errorf("expected %q, got %q", "he", s)
	}
	if v := b.GetUint8(); v != 7 {
		t.Errorf("field after truncated string misread: %d", v)
	}
	if !b.IsValid() {
		t.Error("truncation is not an error")
	}
}

func TestBuffer_GetStringUnterminated(t *testing.T) {
	b := NewBuffer(0, 0, 8)
	b.PutBytes([]byte("abc"))
	if s := b.GetString(10); s != "abc" {
		t.Errorf("expected abc, got %q", s)
	}
	if b.Remaining() != 0 {
		t.Errorf("expected all bytes consumed, %d left", b.Remaining())
	}
	if s := b.GetString(10); s != "" || b.IsValid() {
		t.Error("reading a string with nothing left should invalidate")
	}
}

func TestBuffer_ResetPreservesLayout(t *testing.T) {
	b := NewBuffer(3, 2, 20)
	b.PutUint32(1)
	b.SetFooter([]byte{9, 9})
	b.GetUint64()

	b.Reset()
	if !b.IsValid() {
		t.Error("reset should clear invalid flag")
	}
	if b.Length() != 3 || b.ReadCursor() != 3 {
		t.Errorf("expected length/cursor at header (3), got %d/%d", b.Length(), b.ReadCursor())
	}
	if b.HeaderLength() != 3 || b.FooterLength() != 2 {
		t.Error("header/footer lengths must survive reset")
	}
}

func TestBuffer_CloneIsIndependent(t *testing.T) {
	b := NewBuffer(0, 0, 8)
	b.PutUint16(0x1234)
	c := b.Clone()
	b.SetByte(0, 0xFF)
	if c.ByteAt(0) != 0x34 {
		t.Errorf("clone shares memory with original")
	}
}

// ============================================================
// Packet Tests
// ============================================================

var testLayout = Layout{
	Protocol:     "robot",
	HeaderLength: 4,
	FooterLength: 2,
	IDOffset:     3,
	MaxLength:    207,
	Order:        binary.LittleEndian,
}

func TestPacket_FromFrame(t *testing.T) {
	p := FromFrame(testLayout, []byte{0xFA, 0xFB, 0x05, 0x20, 0x34, 0x12, 0x00, 0x00})
	if !p.IsValid() {
		t.Fatal("frame should load")
	}
	if p.ID() != 0x20 {
		t.Errorf("expected id 0x20, got 0x%02X", p.ID())
	}
	if p.GetUint16() != 0x1234 {
		t.Error("body misread")
	}
	if p.Protocol() != "robot" {
		t.Errorf("unexpected protocol %q", p.Protocol())
	}
}

func TestPacket_SetID(t *testing.T) {
	p := NewGrowable(testLayout)
	p.SetID(0x0B)
	if p.ID() != 0x0B {
		t.Errorf("expected id 0x0B, got 0x%02X", p.ID())
	}
}

func TestFormatPacket(t *testing.T) {
	p := FromFrame(testLayout, []byte{0xFA, 0xFB, 0x05, 0x20, 'h', 'i', 0x00, 0x00})
	out := FormatPacket(p)
	if !strings.Contains(out, "robot id=0x20 len=2") {
		t.Errorf("unexpected header line: %q", out)
	}
	if !strings.Contains(out, "68 69") || !strings.Contains(out, "hi") {
		t.Errorf("hex dump missing body: %q", out)
	}

	empty := FromFrame(testLayout, []byte{0xFA, 0xFB, 0x03, 0x00, 0x00, 0x00})
	if !strings.Contains(FormatPacket(empty), "(no payload)") {
		t.Error("empty body should be labelled")
	}
}

func TestFormatHex(t *testing.T) {
	if got := FormatHex([]byte{0xFA, 0xFB, 0x03}); got != "FA FB 03" {
		t.Errorf("unexpected %q", got)
	}
}
