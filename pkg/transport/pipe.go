// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipe returns two connected in-memory transports. Bytes written to one end
// are read from the other. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	closed := &atomic.Bool{}
	a := &PipeEnd{name: "pipe:a", closed: closed, notify: make(chan struct{}, 1)}
	b := &PipeEnd{name: "pipe:b", closed: closed, notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	name   string
	peer   *PipeEnd
	closed *atomic.Bool
	notify chan struct{}

	mu  sync.Mutex
	buf []byte
}

var _ Transport = (*PipeEnd)(nil)

func (e *PipeEnd) Read(p []byte, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	for {
		e.mu.Lock()
		if len(e.buf) > 0 {
			n := copy(p, e.buf)
			e.buf = e.buf[n:]
			e.mu.Unlock()
			return n, nil
		}
		e.mu.Unlock()

		if e.closed.Load() {
			return 0, ErrClosed
		}
		if timeout <= 0 {
			return 0, nil
		}
		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-e.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (e *PipeEnd) Write(p []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.peer.mu.Lock()
	e.peer.buf = append(e.peer.buf, p...)
	e.peer.mu.Unlock()
	e.peer.signal()
	return len(p), nil
}

func (e *PipeEnd) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *PipeEnd) IsOpen() bool {
	return !e.closed.Load()
}

func (e *PipeEnd) Close() error {
	e.closed.Store(true)
	e.signal()
	e.peer.signal()
	return nil
}

func (e *PipeEnd) String() string {
	return e.name
}

// Buffered returns the number of bytes waiting to be read.
func (e *PipeEnd) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}
