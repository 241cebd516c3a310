// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records the raw traffic of a transport as a stream of CBOR
// records, and replays a recording as a transport.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/robolink/pkg/transport"
)

// Direction of a recorded chunk.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Record is one chunk of traffic. Offset is the time since recording started.
type Record struct {
	_      struct{} `cbor:",toarray"`
	Offset time.Duration
	Dir    Direction
	Data   []byte
}

// Recorder is a transport that copies everything read and written through
// it to a CBOR stream.
type Recorder struct {
	inner transport.Transport
	out   io.Writer

	mu    sync.Mutex
	enc   *cbor.Encoder
	start time.Time
	err   error
}

var _ transport.Transport = (*Recorder)(nil)

// NewRecorder wraps inner. If out is an io.Closer it is closed with the
// transport.
func NewRecorder(inner transport.Transport, out io.Writer) *Recorder {
	return &Recorder{
		inner: inner,
		out:   out,
		enc:   cbor.NewEncoder(out),
		start: time.Now(),
	}
}

func (r *Recorder) record(dir Direction, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	rec := Record{
		Offset: time.Since(r.start),
		Dir:    dir,
		Data:   append([]byte(nil), data...),
	}
	if err := r.enc.Encode(rec); err != nil {
		r.err = fmt.Errorf("record %s chunk: %w", dir, err)
	}
}

// Err returns the first error writing the recording.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) Read(p []byte, timeout time.Duration) (int, error) {
	n, err := r.inner.Read(p, timeout)
	if n > 0 {
		r.record(Inbound, p[:n])
	}
	return n, err
}

func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.inner.Write(p)
	if n > 0 {
		r.record(Outbound, p[:n])
	}
	return n, err
}

func (r *Recorder) IsOpen() bool { return r.inner.IsOpen() }

func (r *Recorder) Close() error {
	err := r.inner.Close()
	if c, ok := r.out.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Recorder) String() string {
	return r.inner.String() + " (recording)"
}

// ReadRecords decodes every record in a recording.
func ReadRecords(in io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(in)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// ============================================================
// Replay
// ============================================================

// Replay is a transport that plays back the inbound side of a recording.
// Writes are accepted and dropped. When the recording ends the transport
// reports ErrClosed.
type Replay struct {
	dec      *cbor.Decoder
	src      io.Reader
	realtime bool
	name     string

	mu      sync.Mutex
	start   time.Time
	next    *Record
	pending []byte
	closed  bool
	written int
}

var _ transport.Transport = (*Replay)(nil)

// ReplayOption configures a Replay.
type ReplayOption func(*Replay)

// WithRealtime delivers records no earlier than their recorded offsets.
func WithRealtime() ReplayOption {
	return func(r *Replay) {
		r.realtime = true
	}
}

// WithName sets the description returned by String.
func WithName(name string) ReplayOption {
	return func(r *Replay) {
		r.name = name
	}
}

// NewReplay plays the recording read from src.
func NewReplay(src io.Reader, opts ...ReplayOption) *Replay {
	r := &Replay{
		dec:   cbor.NewDecoder(src),
		src:   src,
		name:  "replay",
		start: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// advance loads the next inbound record, or returns io.EOF.
func (r *Replay) advance() error {
	for r.next == nil {
		var rec Record
		if err := r.dec.Decode(&rec); err != nil {
			return err
		}
		if rec.Dir == Inbound && len(rec.Data) > 0 {
			r.next = &rec
		}
	}
	return nil
}

func (r *Replay) Read(p []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, transport.ErrClosed
	}

	if len(r.pending) == 0 {
		if err := r.advance(); err != nil {
			r.closed = true
			if errors.Is(err, io.EOF) {
				return 0, transport.ErrClosed
			}
			return 0, fmt.Errorf("replay: %w", err)
		}
		if r.realtime {
			wait := r.next.Offset - time.Since(r.start)
			if wait > 0 {
				if wait > timeout {
					r.mu.Unlock()
					time.Sleep(timeout)
					r.mu.Lock()
					return 0, nil
				}
				r.mu.Unlock()
				time.Sleep(wait)
				r.mu.Lock()
			}
		}
		r.pending = r.next.Data
		r.next = nil
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *Replay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, transport.ErrClosed
	}
	r.written += len(p)
	return len(p), nil
}

// Written returns the number of bytes written to the replay.
func (r *Replay) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Replay) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Replay) String() string {
	return r.name
}

// ============================================================
// Dialers
// ============================================================

// ReplayDialer opens a recording file on each Dial.
type ReplayDialer struct {
	Path     string
	Realtime bool
}

// Dial implements transport.Dialer.
func (d ReplayDialer) Dial(ctx context.Context) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	opts := []ReplayOption{WithName("Replay: " + d.Path)}
	if d.Realtime {
		opts = append(opts, WithRealtime())
	}
	return NewReplay(f, opts...), nil
}

// RecordingDialer wraps every transport opened by Dialer in a Recorder that
// appends to Path.
type RecordingDialer struct {
	Dialer transport.Dialer
	Path   string
}

// Dial implements transport.Dialer.
func (d RecordingDialer) Dial(ctx context.Context) (transport.Transport, error) {
	inner, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(d.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return NewRecorder(inner, f), nil
}
