// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package packet provides the bounded byte buffer every device packet is
// built on, and the Packet type exchanged between framers and handlers.
//
// A Buffer has a header region, a body written and read through cursors,
// and an optional footer (the checksum). Out-of-bounds writes and reads
// never touch memory outside the buffer: they are rejected and the buffer
// is marked invalid. Callers check IsValid after a sequence of operations
// instead of checking every call.
package packet

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrCapacityExceeded is reported by Err when a read or write went past the
// buffer bounds.
var ErrCapacityExceeded = errors.New("packet capacity exceeded")

// Buffer is a byte buffer with a write length, a read cursor and a validity
// flag.
type Buffer struct {
	headerLength int
	footerLength int
	maxCapacity  int
	data         []byte
	length       int
	readCursor   int
	valid        bool
	hasFooter    bool
	growable     bool
	order        binary.ByteOrder
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithByteOrder sets the byte order of typed fields. Default is little-endian.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(b *Buffer) {
		if order != nil {
			b.order = order
		}
	}
}

// WithGrowable lets the buffer extend past its initial capacity. Only
// client-constructed outbound packets should use it.
func WithGrowable() Option {
	return func(b *Buffer) {
		b.growable = true
	}
}

// NewBuffer creates an empty buffer. maxCapacity covers header, body and
// footer.
func NewBuffer(headerLength, footerLength, maxCapacity int, opts ...Option) *Buffer {
	if headerLength < 0 {
		headerLength = 0
	}
	if footerLength < 0 {
		footerLength = 0
	}
	if maxCapacity < headerLength+footerLength {
		maxCapacity = headerLength + footerLength
	}
	b := &Buffer{
		headerLength: headerLength,
		footerLength: footerLength,
		maxCapacity:  maxCapacity,
		data:         make([]byte, maxCapacity),
		order:        binary.LittleEndian,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Reset()
	return b
}

// Reset empties the buffer for writing: the length returns to the end of the
// header, the read cursor to the start of the body, and the buffer is valid
// again. Header and footer lengths are preserved.
func (b *Buffer) Reset() {
	b.length = b.headerLength
	b.readCursor = b.headerLength
	b.hasFooter = false
	b.valid = true
}

// ResetRead moves the read cursor back to the start of the body and marks
// the buffer valid.
func (b *Buffer) ResetRead() {
	b.readCursor = b.headerLength
	b.valid = true
}

// IsValid reports whether every operation since the last reset stayed in
// bounds.
func (b *Buffer) IsValid() bool { return b.valid }

// Err returns ErrCapacityExceeded when the buffer is invalid.
func (b *Buffer) Err() error {
	if !b.valid {
		return ErrCapacityExceeded
	}
	return nil
}

func (b *Buffer) HeaderLength() int { return b.headerLength }
func (b *Buffer) FooterLength() int { return b.footerLength }
func (b *Buffer) MaxCapacity() int { return b.maxCapacity }
func (b *Buffer) Length() int { return b.length }
func (b *Buffer) ReadCursor() int { return b.readCursor }
func (b *Buffer) ByteOrder() binary.ByteOrder { return b.order }
func (b *Buffer) Growable() bool { return b.growable }

// HasFooter reports whether the footer bytes are part of Length.
func (b *Buffer) HasFooter() bool { return b.hasFooter }

// DataLength is the number of body bytes, excluding header and footer.
func (b *Buffer) DataLength() int {
	return b.readLimit() - b.headerLength
}

// Remaining is the number of body bytes left to read.
func (b *Buffer) Remaining() int {
	return b.readLimit() - b.readCursor
}

// Bytes returns the written bytes, header and footer included. The slice
// aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Body returns the body bytes. The slice aliases the buffer.
func (b *Buffer) Body() []byte {
	return b.data[b.headerLength:b.readLimit()]
}

// SetLength sets the write length. Lengths outside [header, capacity] are
// rejected and mark the buffer invalid.
func (b *Buffer) SetLength(n int) bool {
	if n < b.headerLength || n > b.maxCapacity {
		b.valid = false
		return false
	}
	b.length = n
	if b.readCursor > b.readLimit() {
		b.readCursor = b.readLimit()
	}
	return true
}

// SetReadCursor moves the read cursor within the body.
func (b *Buffer) SetReadCursor(n int) bool {
	if n < b.headerLength || n > b.readLimit() {
		b.valid = false
		return false
	}
	b.readCursor = n
	return true
}

// SetByte overwrites a byte that has already been written, typically a
// header field.
func (b *Buffer) SetByte(pos int, v byte) bool {
	if pos < 0 || pos >= b.maxCapacity {
		b.valid = false
		return false
	}
	b.data[pos] = v
	return true
}

// ByteAt returns the byte at pos, or 0 if pos is past the written length.
func (b *Buffer) ByteAt(pos int) byte {
	if pos < 0 || pos >= b.length {
		return 0
	}
	return b.data[pos]
}

// Load replaces the contents with a complete frame, header and footer
// included, and rewinds the read cursor. Frames larger than the capacity
// are rejected.
func (b *Buffer) Load(frame []byte) bool {
	if len(frame) < b.headerLength+b.footerLength {
		b.valid = false
		return false
	}
	if len(frame) > b.maxCapacity && !b.grow(len(frame)) {
		b.valid = false
		return false
	}
	copy(b.data, frame)
	b.length = len(frame)
	b.hasFooter = b.footerLength > 0
	b.readCursor = b.headerLength
	b.valid = true
	return true
}

// SetFooter writes the footer after the body. Calling it again replaces
// the previous footer.
func (b *Buffer) SetFooter(footer []byte) bool {
	if len(footer) != b.footerLength {
		b.valid = false
		return false
	}
	if b.hasFooter {
		b.length -= b.footerLength
	}
	if b.length+b.footerLength > b.maxCapacity && !b.grow(b.length+b.footerLength) {
		b.valid = false
		return false
	}
	copy(b.data[b.length:], footer)
	b.length += b.footerLength
	b.hasFooter = true
	return true
}

// StripFooter drops the footer so the body can be extended again.
func (b *Buffer) StripFooter() {
	if b.hasFooter {
		b.length -= b.footerLength
		b.hasFooter = false
	}
}

// Duplicate copies the contents and cursors of other into b.
func (b *Buffer) Duplicate(other *Buffer) {
	b.headerLength = other.headerLength
	b.footerLength = other.footerLength
	b.maxCapacity = other.maxCapacity
	b.data = make([]byte, len(other.data))
	copy(b.data, other.data)
	b.length = other.length
	b.readCursor = other.readCursor
	b.valid = other.valid
	b.hasFooter = other.hasFooter
	b.growable = other.growable
	b.order = other.order
}

// Clone returns an independent copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{}
	c.Duplicate(b)
	return c
}

func (b *Buffer) readLimit() int {
	if b.hasFooter {
		return b.length - b.footerLength
	}
	return b.length
}

// hasWriteCapacity checks room for n body bytes, keeping the footer
// reserved. A growable buffer extends instead of failing.
func (b *Buffer) hasWriteCapacity(n int) bool {
	if n < 0 || b.hasFooter {
		b.valid = false
		return false
	}
	if b.length+n+b.footerLength <= b.maxCapacity {
		return true
	}
	if b.grow(b.length + n + b.footerLength) {
		return true
	}
	b.valid = false
	return false
}

func (b *Buffer) grow(need int) bool {
	if !b.growable {
		return false
	}
	size := len(b.data) * 2
	if size < need {
		size = need
	}
	data := make([]byte, size)
	copy(data, b.data[:b.length])
	b.data = data
	b.maxCapacity = size
	return true
}

// isNextGood checks that n bytes can be read before the footer.
func (b *Buffer) isNextGood(n int) bool {
	if n < 0 || b.readCursor+n > b.readLimit() {
		b.valid = false
		return false
	}
	return true
}

func (b *Buffer) next(n int) []byte {
	if !b.isNextGood(n) {
		return nil
	}
	p := b.data[b.readCursor : b.readCursor+n]
	b.readCursor += n
	return p
}

func (b *Buffer) reserve(n int) []byte {
	if !b.hasWriteCapacity(n) {
		return nil
	}
	p := b.data[b.length : b.length+n]
	b.length += n
	return p
}

// ============================================================
// Writers
// ============================================================

func (b *Buffer) PutUint8(v uint8) {
	if p := b.reserve(1); p != nil {
		p[0] = v
	}
}

func (b *Buffer) PutUint16(v uint16) {
	if p := b.reserve(2); p != nil {
		b.order.PutUint16(p, v)
	}
}

func (b *Buffer) PutUint32(v uint32) {
	if p := b.reserve(4); p != nil {
		b.order.PutUint32(p, v)
	}
}

func (b *Buffer) PutUint64(v uint64) {
	if p := b.reserve(8); p != nil {
		b.order.PutUint64(p, v)
	}
}

func (b *Buffer) PutInt8(v int8) { b.PutUint8(uint8(v)) }
func (b *Buffer) PutInt16(v int16) { b.PutUint16(uint16(v)) }
func (b *Buffer) PutInt32(v int32) { b.PutUint32(uint32(v)) }
func (b *Buffer) PutInt64(v int64) { b.PutUint64(uint64(v)) }

// PutBool writes 1 or 0.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
}

// PutBytes appends raw bytes, all or nothing.
func (b *Buffer) PutBytes(data []byte) {
	if p := b.reserve(len(data)); p != nil {
		copy(p, data)
	}
}

// PutString appends s followed by a NUL terminator.
func (b *Buffer) PutString(s string) {
	if p := b.reserve(len(s) + 1); p != nil {
		copy(p, s)
		p[len(s)] = 0
	}
}

// PutFixed writes exactly n bytes: data zero-padded when shorter,
// truncated when longer.
func (b *Buffer) PutFixed(data []byte, n int) {
	p := b.reserve(n)
	if p == nil {
		return
	}
	c := copy(p, data)
	for i := c; i < n; i++ {
		p[i] = 0
	}
}

// PutScaled writes v multiplied by 10^4 as an int32.
func (b *Buffer) PutScaled(v float64) {
	b.PutInt32(int32(math.Round(v * scaledFactor)))
}

const scaledFactor = 10000

// ============================================================
// Readers
// ============================================================

func (b *Buffer) GetUint8() uint8 {
	if p := b.next(1); p != nil {
		return p[0]
	}
	return 0
}

func (b *Buffer) GetUint16() uint16 {
	if p := b.next(2); p != nil {
		return b.order.Uint16(p)
	}
	return 0
}

func (b *Buffer) GetUint32() uint32 {
	if p := b.next(4); p != nil {
		return b.order.Uint32(p)
	}
	return 0
}

func (b *Buffer) GetUint64() uint64 {
	if p := b.next(8); p != nil {
		return b.order.Uint64(p)
	}
	return 0
}

func (b *Buffer) GetInt8() int8 { return int8(b.GetUint8()) }
func (b *Buffer) GetInt16() int16 { return int16(b.GetUint16()) }
func (b *Buffer) GetInt32() int32 { return int32(b.GetUint32()) }
func (b *Buffer) GetInt64() int64 { return int64(b.GetUint64()) }

// GetBool reads one byte and reports whether it is non-zero.
func (b *Buffer) GetBool() bool { return b.GetUint8() != 0 }

// GetScaled reads an int32 written by PutScaled.
func (b *Buffer) GetScaled() float64 {
	return float64(b.GetInt32()) / scaledFactor
}

// GetBytes reads n raw bytes into a new slice.
func (b *Buffer) GetBytes(n int) []byte {
	p := b.next(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// GetFixed reads an n byte field and returns it up to the first NUL.
func (b *Buffer) GetFixed(n int) string {
	p := b.next(n)
	if p == nil {
		return ""
	}
	for i, c := range p {
		if c == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}

// GetString reads a NUL-terminated string, keeping at most maxLen-1
// bytes. A longer string is still consumed up to its terminator (or the
// end of the body) so the fields after it stay aligned. Reading with no
// body bytes left marks the buffer invalid.
func (b *Buffer) GetString(maxLen int) string {
	if !b.isNextGood(1) {
		return ""
	}
	limit := b.readLimit()
	start := b.readCursor
	end := start
	for end < limit && b.data[end] != 0 {
		end++
	}
	keep := end - start
	if maxLen <= 0 {
		keep = 0
	} else if keep > maxLen-1 {
		keep = maxLen - 1
	}
	s := string(b.data[start : start+keep])
	b.readCursor = end
	if end < limit {
		b.readCursor++ // terminator
	}
	return s
}
