// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming matches every framing failure: missing marker, implausible
	// length, malformed delimiters.
	ErrFraming = errors.New("framing error")
	// ErrChecksumMismatch matches frames whose checksum did not verify.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ErrorKind classifies a discarded frame.
type ErrorKind int

const (
	KindNoMarker ErrorKind = iota
	KindBadLength
	KindMalformed
	KindChecksum
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoMarker:
		return "no-marker"
	case KindBadLength:
		return "bad-length"
	case KindMalformed:
		return "malformed"
	case KindChecksum:
		return "checksum"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameError describes a discarded frame or run of bytes.
type FrameError struct {
	Kind      ErrorKind
	Message   string
	Expected  uint16 // checksum computed locally
	Got       uint16 // checksum carried by the frame
	Discarded int    // bytes dropped
}

// Error implements the error interface
func (e *FrameError) Error() string {
	if e.Kind == KindChecksum {
		return fmt.Sprintf("checksum mismatch: expected 0x%04X, got 0x%04X", e.Expected, e.Got)
	}
	return e.Message
}

// Unwrap maps the kind onto ErrChecksumMismatch or ErrFraming.
func (e *FrameError) Unwrap() error {
	if e.Kind == KindChecksum {
		return ErrChecksumMismatch
	}
	return ErrFraming
}
