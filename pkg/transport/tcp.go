// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// TCP is a stream socket link, as used by robot simulators and
// serial-to-ethernet bridges.
type TCP struct {
	conn   net.Conn
	closed atomic.Bool
}

var _ Transport = (*TCP)(nil)

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn) *TCP {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCP{conn: conn}
}

func (t *TCP) Read(p []byte, timeout time.Duration) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, t.mapErr(err)
	}
	n, err := t.conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, t.mapErr(err)
}

func (t *TCP) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	n, err := t.conn.Write(p)
	return n, t.mapErr(err)
}

func (t *TCP) IsOpen() bool {
	return !t.closed.Load()
}

func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCP) String() string {
	return fmt.Sprintf("TCP: %s", t.conn.RemoteAddr())
}

func (t *TCP) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		t.closed.Store(true)
		return ErrClosed
	}
	return err
}

// TCPDialer connects to Address on each Dial.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Address, err)
	}
	return NewTCP(conn), nil
}
