// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package robot composes the runtime of one device connection: the
// connection lifecycle, a receiver goroutine feeding the protocol framer,
// the task cycle that dispatches packets and runs user work, an outbound
// queue, and link statistics.
package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/cycle"
	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/transport"
)

var (
	// ErrLinkDegraded is the disconnect reason when checksum mismatches
	// exceed the configured rate.
	ErrLinkDegraded = errors.New("link degraded: checksum mismatch rate exceeded")
	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrUnknownHandshake is returned for an unrecognized handshake name.
	ErrUnknownHandshake = errors.New("unknown handshake")
)

// Handshake names accepted in Options.Handshake.
const (
	HandshakeNone = "none"
	HandshakeEcho = "echo"
	HandshakeSync = "sync"
)

// Defaults
const (
	DefaultReadTimeout    = 20 * time.Millisecond
	DefaultSendQueue      = 64
	DefaultMismatchWindow = time.Second
)

// Built-in task names and priorities.
const (
	TaskWatchdog = "watchdog"
	TaskMismatch = "mismatch-rate"
	TaskFlush    = "flush"
	TaskPulse    = "pulse"

	flushPriority = 1000
)

// Options configure a Robot.
type Options struct {
	// Protocol is the framer protocol name. Default "robot".
	Protocol string
	// Handshake is one of HandshakeNone, HandshakeEcho or HandshakeSync.
	// CustomHandshake, if set, takes precedence.
	Handshake       string
	CustomHandshake link.Handshake
	// HandshakeAttempts is the number of tries per handshake step.
	HandshakeAttempts int

	Link  link.Config
	Cycle cycle.Config

	// MismatchThreshold is the most checksum mismatches tolerated within
	// MismatchWindow. Zero disables the check.
	MismatchThreshold int
	MismatchWindow    time.Duration

	// ReadTimeout bounds each transport read of the receiver.
	ReadTimeout time.Duration
	// SendQueue bounds the outbound queue.
	SendQueue int
	// PulseInterval sends a PULSE command when nothing else was sent for
	// this long. Zero disables it.
	PulseInterval time.Duration

	Logger zerolog.Logger
}

// Robot is the runtime context of one connection.
type Robot struct {
	opts Options
	log  zerolog.Logger

	link  *link.Lifecycle
	cycle *cycle.Cycle
	stats *Statistics

	// recv is owned by the receiver goroutine; enc only finalizes packets
	// and is safe to share.
	recv   framer.Framer
	enc    framer.Framer
	syncer *link.RobotSync

	outbox   chan []byte
	mu       sync.Mutex
	lastSent time.Time
	recvDone chan struct{}

	// wmu serializes whole frames onto the transport
	wmu sync.Mutex
}

// New composes a robot runtime. Nothing is dialed until a connect call.
func New(opts Options) (*Robot, error) {
	if opts.Protocol == "" {
		opts.Protocol = "robot"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.MismatchWindow <= 0 {
		opts.MismatchWindow = DefaultMismatchWindow
	}

	log := opts.Logger.With().Str("component", "robot").Logger()
	fopts := []framer.Option{framer.WithLogger(opts.Logger)}
	recv, err := framer.New(opts.Protocol, fopts...)
	if err != nil {
		return nil, err
	}
	enc, err := framer.New(opts.Protocol, fopts...)
	if err != nil {
		return nil, err
	}

	r := &Robot{
		opts:   opts,
		log:    log,
		stats:  NewStatistics(),
		recv:   recv,
		enc:    enc,
		outbox: make(chan []byte, opts.SendQueue),
	}

	lcfg := opts.Link
	lcfg.Logger = opts.Logger
	lcfg.Handshake, err = r.handshake()
	if err != nil {
		return nil, err
	}
	r.link = link.New(lcfg)

	// Mismatch times are only kept while the rate check can read them
	if opts.MismatchThreshold > 0 {
		r.stats.SetMismatchWindow(opts.MismatchWindow)
	} else {
		r.stats.SetMismatchWindow(0)
	}

	ccfg := opts.Cycle
	ccfg.Logger = opts.Logger
	r.cycle = cycle.New(ccfg)

	r.link.OnConnect(r.startReceiver, -1000)
	if err := r.addBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Robot) handshake() (link.Handshake, error) {
	if r.opts.CustomHandshake != nil {
		return r.opts.CustomHandshake, nil
	}
	switch r.opts.Handshake {
	case "", HandshakeNone:
		return nil, nil
	case HandshakeEcho, HandshakeSync:
		f, err := framer.New(r.opts.Protocol, framer.WithLogger(r.opts.Logger))
		if err != nil {
			return nil, err
		}
		if r.opts.Handshake == HandshakeEcho {
			hs := link.EchoHandshake(f)
			hs.Attempts = r.opts.HandshakeAttempts
			hs.Logger = r.opts.Logger
			return hs, nil
		}
		r.syncer = link.NewRobotSync(f, r.opts.Logger)
		r.syncer.Attempts = r.opts.HandshakeAttempts
		return r.syncer, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandshake, r.opts.Handshake)
	}
}

func (r *Robot) addBuiltins() error {
	if _, err := r.cycle.AddTask(cycle.PhaseSensorInterp, TaskWatchdog, 0, r.checkStale); err != nil {
		return err
	}
	if r.opts.MismatchThreshold > 0 {
		if _, err := r.cycle.AddTask(cycle.PhaseSensorInterp, TaskMismatch, 0, r.checkMismatchRate); err != nil {
			return err
		}
	}
	if r.opts.PulseInterval > 0 {
		if _, err := r.cycle.AddTask(cycle.PhaseOutput, TaskPulse, flushPriority-1, r.pulse); err != nil {
			return err
		}
	}
	_, err := r.cycle.AddTask(cycle.PhaseOutput, TaskFlush, flushPriority, r.flush)
	return err
}

// ============================================================
// Accessors
// ============================================================

func (r *Robot) Link() *link.Lifecycle { return r.link }
func (r *Robot) Cycle() *cycle.Cycle { return r.cycle }
func (r *Robot) Statistics() *Statistics { return r.stats }
func (r *Robot) Protocol() string { return r.opts.Protocol }
func (r *Robot) Layout() packet.Layout { return r.enc.Layout() }
func (r *Robot) IsConnected() bool { return r.link.IsConnected() }
func (r *Robot) IsConnecting() bool { return r.link.IsConnecting() }
func (r *Robot) State() link.State { return r.link.State() }
func (r *Robot) Transport() transport.Transport { return r.link.Transport() }

// Identity returns the controller identity from the last sync handshake.
func (r *Robot) Identity() link.RobotIdentity {
	if r.syncer == nil {
		return link.RobotIdentity{}
	}
	return r.syncer.Identity()
}

// Status is a snapshot of the whole runtime.
type Status struct {
	State      string      `json:"state" yaml:"state"`
	Transport  string      `json:"transport,omitempty" yaml:"transport,omitempty"`
	Statistics Snapshot    `json:"statistics" yaml:"statistics"`
	Cycle      CycleStatus `json:"cycle" yaml:"cycle"`
}

// CycleStatus is the serializable part of cycle.Stats.
type CycleStatus struct {
	Ticks        uint64        `json:"ticks" yaml:"ticks"`
	Overruns     uint64        `json:"overruns" yaml:"overruns"`
	Panics       uint64        `json:"panics" yaml:"panics"`
	Dispatched   uint64        `json:"dispatched" yaml:"dispatched"`
	Unclaimed    uint64        `json:"unclaimed" yaml:"unclaimed"`
	Dropped      uint64        `json:"dropped" yaml:"dropped"`
	LastDuration time.Duration `json:"last_duration" yaml:"last_duration"`
	MaxDuration  time.Duration `json:"max_duration" yaml:"max_duration"`
}

// Stats returns a snapshot of link state, traffic and cycle timing.
func (r *Robot) Stats() Status {
	cs := r.cycle.Stats()
	st := Status{
		State:      r.link.State().String(),
		Statistics: r.stats.Snapshot(),
		Cycle: CycleStatus{
			Ticks:        cs.Ticks,
			Overruns:     cs.Overruns,
			Panics:       cs.Panics,
			Dispatched:   cs.Dispatched,
			Unclaimed:    cs.Unclaimed,
			Dropped:      cs.Dropped,
			LastDuration: cs.LastDuration,
			MaxDuration:  cs.MaxDuration,
		},
	}
	if tr := r.link.Transport(); tr != nil {
		st.Transport = tr.String()
	}
	return st
}

// ============================================================
// Registration
// ============================================================

// AddPacketHandler registers a packet handler in the dispatch phase.
func (r *Robot) AddPacketHandler(name string, match cycle.Matcher, handle cycle.Handler, priority int) (*cycle.Task, error) {
	return r.cycle.AddPacketHandler(name, match, handle, priority)
}

// AddScheduledTask registers fn in phase.
func (r *Robot) AddScheduledTask(phase cycle.Phase, name string, priority int, fn func()) (*cycle.Task, error) {
	return r.cycle.AddTask(phase, name, priority, fn)
}

// AddSensorInterpTask registers fn in the sensor-interpretation phase.
func (r *Robot) AddSensorInterpTask(name string, priority int, fn func()) (*cycle.Task, error) {
	return r.cycle.AddTask(cycle.PhaseSensorInterp, name, priority, fn)
}

// AddUserTask registers fn in the user phase.
func (r *Robot) AddUserTask(name string, priority int, fn func()) (*cycle.Task, error) {
	return r.cycle.AddTask(cycle.PhaseUser, name, priority, fn)
}

func (r *Robot) AddConnectCallback(fn func(), priority int) *link.Handle {
	return r.link.OnConnect(fn, priority)
}

func (r *Robot) AddFailedConnectCallback(fn func(error), priority int) *link.Handle {
	return r.link.OnConnectFailed(fn, priority)
}

func (r *Robot) AddDisconnectNormallyCallback(fn func(), priority int) *link.Handle {
	return r.link.OnDisconnectNormally(fn, priority)
}

func (r *Robot) AddDisconnectOnErrorCallback(fn func(error), priority int) *link.Handle {
	return r.link.OnDisconnectOnError(fn, priority)
}

func (r *Robot) AddStabilizingCallback(fn func(), priority int) *link.Handle {
	return r.link.OnStabilizing(fn, priority)
}

// ============================================================
// Lifecycle
// ============================================================

func (r *Robot) ConnectAsync(ctx context.Context) error {
	return r.link.ConnectAsync(ctx)
}

func (r *Robot) ConnectBlocking(ctx context.Context, timeout time.Duration) error {
	return r.link.ConnectBlocking(ctx, timeout)
}

// Disconnect sends any queued commands and then a CLOSE command when the
// controller was synced, and closes the link. It may be called from a
// cycle task.
func (r *Robot) Disconnect() error {
	if r.link.Transport() != nil && r.syncer != nil {
		if frame, err := r.enc.Encode(r.enc.NewPacket(link.CommandClose)); err == nil {
			if err := r.drain(frame); err != nil {
				r.log.Debug().Err(err).Msg("close not sent")
			}
		}
	}
	return r.link.Disconnect()
}

func (r *Robot) Run(ctx context.Context) error { return r.cycle.Run(ctx) }
func (r *Robot) Start(ctx context.Context) error { return r.cycle.Start(ctx) }
func (r *Robot) StopRunning() { r.cycle.StopRunning() }
func (r *Robot) Wait() { r.cycle.Wait() }
func (r *Robot) IsRunning() bool { return r.cycle.IsRunning() }

// Lock acquires the coarse lock shared with the task cycle.
func (r *Robot) Lock() { r.cycle.Lock() }
func (r *Robot) Unlock() { r.cycle.Unlock() }
func (r *Robot) WithLock(fn func()) { r.cycle.WithLock(fn) }

// ============================================================
// Receiver
// ============================================================

func (r *Robot) startReceiver() {
	tr := r.link.Transport()
	if tr == nil {
		return
	}
	r.mu.Lock()
	prev := r.recvDone
	done := make(chan struct{})
	r.recvDone = done
	r.mu.Unlock()

	go func() {
		// The previous receiver exits once its transport is closed
		if prev != nil {
			<-prev
		}
		defer close(done)
		// The framer is ours alone from here on
		r.recv.Reset()
		r.stats.ClearMismatches()
		r.receive(tr)
	}()
}

// receive reads tr until it fails or the link moves to another transport.
func (r *Robot) receive(tr transport.Transport) {
	log := r.log.With().Str("transport", tr.String()).Logger()
	log.Debug().Msg("receiver started")
	defer log.Debug().Msg("receiver stopped")

	buf := make([]byte, 512)
	for {
		n, err := tr.Read(buf, r.opts.ReadTimeout)
		if err != nil {
			if r.link.Transport() == tr {
				r.link.DisconnectOnError(fmt.Errorf("read: %w", err))
			}
			return
		}
		if n == 0 {
			if r.link.Transport() != tr {
				return
			}
			continue
		}
		r.stats.RecordBytesIn(n)
		r.feed(buf[:n])
	}
}

func (r *Robot) feed(data []byte) {
	res, p, err := r.recv.Feed(data)
	for res == framer.FrameReady || res == framer.Error {
		now := r.link.Now()
		if p != nil {
			p.SetTimestamp(now)
			r.link.NoteData(now)
			r.stats.RecordFrame(now)
			r.cycle.Deliver(p)
		} else if err != nil {
			r.stats.RecordError(err, now)
		}
		res, p, err = r.recv.Feed(nil)
	}
}

// ============================================================
// Built-in tasks
// ============================================================

func (r *Robot) checkStale() {
	r.link.CheckStale(r.link.Now())
}

func (r *Robot) checkMismatchRate() {
	if !r.link.IsConnected() {
		return
	}
	n := r.stats.MismatchesWithin(r.opts.MismatchWindow, r.link.Now())
	if n > r.opts.MismatchThreshold {
		r.log.Warn().
			Int("mismatches", n).
			Dur("window", r.opts.MismatchWindow).
			Msg("checksum mismatch rate exceeded")
		r.stats.ClearMismatches()
		r.link.DisconnectOnError(fmt.Errorf("%w: %d in %s", ErrLinkDegraded, n, r.opts.MismatchWindow))
	}
}

// flush writes every queued outbound frame.
func (r *Robot) flush() {
	if err := r.drain(nil); err != nil {
		r.link.DisconnectOnError(err)
	}
}

// drain writes every queued outbound frame, then final if it is not nil,
// holding the write lock throughout. It stops at the first write error.
func (r *Robot) drain(final []byte) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	for {
		var frame []byte
		select {
		case frame = <-r.outbox:
		default:
			if final == nil {
				return nil
			}
			frame, final = final, nil
		}
		tr := r.link.Transport()
		if tr == nil {
			r.log.Debug().Int("bytes", len(frame)).Msg("dropping outbound frame, not connected")
			continue
		}
		if _, err := tr.Write(frame); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		r.stats.RecordSent(len(frame))
		r.mu.Lock()
		r.lastSent = r.link.Now()
		r.mu.Unlock()
	}
}

func (r *Robot) pulse() {
	if !r.link.IsConnected() {
		return
	}
	r.mu.Lock()
	idle := r.link.Now().Sub(r.lastSent)
	r.mu.Unlock()
	if idle >= r.opts.PulseInterval {
		r.Com(link.CommandPulse)
	}
}
