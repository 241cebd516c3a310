// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport provides the byte-oriented links a robot connection runs
// over: serial ports, TCP sockets, WebSockets, and an in-memory pipe.
//
// Every Read takes a timeout and returns 0 bytes with a nil error when no
// data arrived in time, so callers polling a link never block indefinitely.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a byte-oriented link with timed reads.
type Transport interface {
	// Read reads up to len(p) bytes, waiting at most timeout. It returns
	// 0, nil when no data arrived in time.
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	IsOpen() bool
	Close() error
	// String describes the link for logs and status lines.
	String() string
}

// Dialer opens a transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls fn.
func (fn DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return fn(ctx)
}

// isTimeout reports whether err is a read deadline expiring.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
