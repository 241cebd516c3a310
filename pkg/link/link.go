// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link manages the connection lifecycle of a device: dialing the
// transport, running the protocol handshake, watching for a stale link, and
// notifying ordered callback lists on every transition.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/transport"
)

// State of a Lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrConnectTimeout is returned when a connect attempt misses its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrStaleConnection is reported when no data arrives within the stale
	// timeout.
	ErrStaleConnection = errors.New("connection stale")
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrBusy is returned when a connect is requested while one is in
	// progress or the link is already up.
	ErrBusy = errors.New("connect already in progress or connected")
	// ErrNoDialer is returned when the Config has no Dialer.
	ErrNoDialer = errors.New("no dialer configured")
)

// Defaults
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRetryInitial   = 100 * time.Millisecond
	DefaultRetryMax       = 2 * time.Second
)

// Config describes how a Lifecycle connects.
type Config struct {
	Dialer    transport.Dialer
	Handshake Handshake // optional

	// ConnectTimeout bounds ConnectAsync attempts. Zero uses the default.
	ConnectTimeout time.Duration
	// StaleTimeout is the longest gap between frames before CheckStale
	// drops the link. Zero disables the watchdog.
	StaleTimeout time.Duration

	// RetryInitial and RetryMax bound the exponential backoff between
	// dial and handshake attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Stabilizing is the settle time between a successful handshake and the
	// connect callbacks. It counts toward the connect deadline.
	Stabilizing time.Duration

	Logger zerolog.Logger
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Lifecycle is the connection state machine of one device.
type Lifecycle struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	state    State
	tr       transport.Transport
	lastData time.Time
	lastErr  error
	cancel   context.CancelFunc
	changed  chan struct{}

	onConnect            callbackList[func()]
	onConnectFailed      callbackList[func(error)]
	onDisconnectNormally callbackList[func()]
	onDisconnectOnError  callbackList[func(error)]
	onStabilizing        callbackList[func()]
}

// New creates an idle Lifecycle.
func New(cfg Config) *Lifecycle {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = max(DefaultRetryMax, cfg.RetryInitial)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "link").Logger(),
		now:     now,
		changed: make(chan struct{}),
	}
}

// setState must be called with mu held.
func (l *Lifecycle) setState(s State) {
	if l.state == s {
		return
	}
	l.log.Debug().Stringer("from", l.state).Stringer("to", s).Msg("state change")
	l.state = s
	close(l.changed)
	l.changed = make(chan struct{})
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) IsConnected() bool  { return l.State() == Connected }
func (l *Lifecycle) IsConnecting() bool { return l.State() == Connecting }

// Transport returns the open transport, or nil when not connected.
func (l *Lifecycle) Transport() transport.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected {
		return nil
	}
	return l.tr
}

// LastError returns the error of the last failed connect or error
// disconnect. It is cleared when a new attempt starts.
func (l *Lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// LastData returns the time of the last NoteData call.
func (l *Lifecycle) LastData() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastData
}

// ============================================================
// Callback registration
// ============================================================

// OnConnect registers fn to run once the link is up.
func (l *Lifecycle) OnConnect(fn func(), priority int) *Handle {
	return l.onConnect.add(fn, priority)
}

// OnConnectFailed registers fn to run when a connect attempt gives up.
func (l *Lifecycle) OnConnectFailed(fn func(error), priority int) *Handle {
	return l.onConnectFailed.add(fn, priority)
}

// OnDisconnectNormally registers fn to run after Disconnect closes the link.
func (l *Lifecycle) OnDisconnectNormally(fn func(), priority int) *Handle {
	return l.onDisconnectNormally.add(fn, priority)
}

// OnDisconnectOnError registers fn to run after the link is dropped because
// of an error.
func (l *Lifecycle) OnDisconnectOnError(fn func(error), priority int) *Handle {
	return l.onDisconnectOnError.add(fn, priority)
}

// OnStabilizing registers fn to run when the handshake completes, before
// the stabilizing delay.
func (l *Lifecycle) OnStabilizing(fn func(), priority int) *Handle {
	return l.onStabilizing.add(fn, priority)
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func fireErr(fns []func(error), err error) {
	for _, fn := range fns {
		fn(err)
	}
}

// ============================================================
// Connecting
// ============================================================

// begin moves Idle to Connecting and returns the attempt context.
func (l *Lifecycle) begin(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if l.cfg.Dialer == nil {
		return nil, nil, ErrNoDialer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle && l.state != Failed {
		return nil, nil, fmt.Errorf("%w (state %s)", ErrBusy, l.state)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	l.cancel = cancel
	l.lastErr = nil
	l.setState(Connecting)
	return actx, cancel, nil
}

// ConnectAsync starts a connect attempt in the background and returns
// immediately. Progress is visible through IsConnecting and IsConnected.
func (l *Lifecycle) ConnectAsync(ctx context.Context) error {
	actx, cancel, err := l.begin(ctx, l.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		l.attempt(actx)
	}()
	return nil
}

// ConnectBlocking runs a connect attempt and waits for it. It returns an
// error wrapping ErrConnectTimeout if the link is not up within timeout.
func (l *Lifecycle) ConnectBlocking(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = l.cfg.ConnectTimeout
	}
	actx, cancel, err := l.begin(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	return l.attempt(actx)
}

func (l *Lifecycle) attempt(ctx context.Context) error {
	start := l.now()
	l.log.Info().Msg("connecting")

	var lastErr error
	var tr transport.Transport
	op := func() error {
		t, err := l.cfg.Dialer.Dial(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if l.cfg.Handshake != nil {
			if err := l.cfg.Handshake.Handshake(ctx, t); err != nil {
				t.Close()
				lastErr = err
				return err
			}
		}
		tr = t
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMax
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		l.log.Debug().Err(err).Dur("retry_in", wait).Msg("connect attempt failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return l.fail(ctx, err, lastErr)
	}

	if l.cfg.Stabilizing > 0 {
		l.log.Debug().Dur("stabilizing", l.cfg.Stabilizing).Msg("handshake complete, stabilizing")
		fire(l.onStabilizing.snapshot())
		timer := time.NewTimer(l.cfg.Stabilizing)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			tr.Close()
			return l.fail(ctx, ctx.Err(), nil)
		}
	}

	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		tr.Close()
		return l.fail(ctx, ctx.Err(), nil)
	}
	l.tr = tr
	l.lastData = l.now()
	l.cancel = nil
	l.setState(Connected)
	l.mu.Unlock()

	l.log.Info().
		Str("transport", tr.String()).
		Dur("took", l.now().Sub(start)).
		Msg("connected")
	fire(l.onConnect.snapshot())
	return nil
}

// fail moves the attempt through Failed back to Idle and notifies the
// failed-connect callbacks.
func (l *Lifecycle) fail(ctx context.Context, err, cause error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if cause != nil {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, cause)
		} else {
			err = ErrConnectTimeout
		}
	case errors.Is(ctx.Err(), context.Canceled):
		err = fmt.Errorf("connect canceled: %w", ctx.Err())
	}

	l.mu.Lock()
	l.lastErr = err
	l.cancel = nil
	l.setState(Failed)
	l.mu.Unlock()

	l.log.Warn().Err(err).Msg("connect failed")
	fireErr(l.onConnectFailed.snapshot(), err)

	l.mu.Lock()
	if l.state == Failed {
		l.setState(Idle)
	}
	l.mu.Unlock()
	return err
}

// ============================================================
// Waiting
// ============================================================

// WaitForConnect blocks until the link is connected or ctx is done.
func (l *Lifecycle) WaitForConnect(ctx context.Context) error {
	for {
		l.mu.Lock()
		state, changed := l.state, l.changed
		l.mu.Unlock()
		if state == Connected {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForConnectOrFail blocks until the current attempt either connects or
// fails. It returns the failure, or ErrNotConnected if no attempt is in
// progress.
func (l *Lifecycle) WaitForConnectOrFail(ctx context.Context) error {
	for {
		l.mu.Lock()
		state, changed, lastErr := l.state, l.changed, l.lastErr
		l.mu.Unlock()
		switch state {
		case Connected:
			return nil
		case Idle, Failed:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ============================================================
// Disconnecting
// ============================================================

// take moves Connected to Disconnecting and hands back the transport. It
// returns nil if the link was not connected.
func (l *Lifecycle) take() transport.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected {
		return nil
	}
	tr := l.tr
	l.tr = nil
	l.setState(Disconnecting)
	return tr
}

func (l *Lifecycle) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.lastErr = err
	}
	l.setState(Idle)
}

// Disconnect closes the link. A connect attempt in progress is canceled.
// Calling Disconnect while idle does nothing.
func (l *Lifecycle) Disconnect() error {
	l.mu.Lock()
	if l.state == Connecting && l.cancel != nil {
		cancel := l.cancel
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.mu.Unlock()

	tr := l.take()
	if tr == nil {
		return nil
	}
	err := tr.Close()
	l.finish(nil)

	l.log.Info().Msg("disconnected")
	fire(l.onDisconnectNormally.snapshot())
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// DisconnectOnError drops the link because of err and notifies the
// disconnect-on-error callbacks. It reports whether the link was connected.
func (l *Lifecycle) DisconnectOnError(err error) bool {
	tr := l.take()
	if tr == nil {
		return false
	}
	tr.Close()
	l.finish(err)

	l.log.Error().Err(err).Msg("disconnected on error")
	fireErr(l.onDisconnectOnError.snapshot(), err)
	return true
}

// ============================================================
// Stale-connection watchdog
// ============================================================

// NoteData records that a valid frame arrived at t.
func (l *Lifecycle) NoteData(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.lastData) {
		l.lastData = t
	}
}

// CheckStale drops the link with ErrStaleConnection if no data has been
// noted for longer than the stale timeout. It reports whether it did.
func (l *Lifecycle) CheckStale(now time.Time) bool {
	if l.cfg.StaleTimeout <= 0 {
		return false
	}
	l.mu.Lock()
	connected := l.state == Connected
	elapsed := now.Sub(l.lastData)
	l.mu.Unlock()

	if !connected || elapsed <= l.cfg.StaleTimeout {
		return false
	}
	return l.DisconnectOnError(fmt.Errorf("%w: no data for %s", ErrStaleConnection, elapsed.Round(time.Millisecond)))
}

// Now returns the lifecycle clock.
func (l *Lifecycle) Now() time.Time {
	return l.now()
}
