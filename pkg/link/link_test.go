// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/transport"
)

// pipeDialer hands out the near end of a fresh pipe on every dial and
// passes the far end to serve.
func pipeDialer(serve func(peer *transport.PipeEnd)) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, b := transport.Pipe()
		if serve != nil {
			go serve(b)
		}
		return a, nil
	})
}

func failingDialer(calls *atomic.Int32) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		calls.Add(1)
		return nil, errors.New("port busy")
	})
}

func connected(t *testing.T, cfg Config) (*Lifecycle, *transport.PipeEnd) {
	t.Helper()
	peers := make(chan *transport.PipeEnd, 1)
	cfg.Dialer = pipeDialer(func(p *transport.PipeEnd) { peers <- p })
	l := New(cfg)
	if err := l.ConnectBlocking(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return l, <-peers
}

// ============================================================
// Connect Tests
// ============================================================

func TestConnectBlocking_Succeeds(t *testing.T) {
	l, peer := connected(t, Config{})
	if !l.IsConnected() {
		t.Fatalf("expected connected, got %s", l.State())
	}
	if l.Transport() == nil {
		t.Fatal("connected lifecycle must expose its transport")
	}
	l.Transport().Write([]byte{1})
	if peer.Buffered() != 1 {
		t.Error("transport should reach the peer")
	}
}

func TestConnectBlocking_TimesOut(t *testing.T) {
	var calls atomic.Int32
	l := New(Config{
		Dialer:       failingDialer(&calls),
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     10 * time.Millisecond,
	})

	var failed []error
	l.OnConnectFailed(func(err error) { failed = append(failed, err) }, 0)

	start := time.Now()
	err := l.ConnectBlocking(context.Background(), 60*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("connect did not honor its timeout")
	}
	if calls.Load() < 2 {
		t.Errorf("expected dial retries, got %d calls", calls.Load())
	}
	if len(failed) != 1 || !errors.Is(failed[0], ErrConnectTimeout) {
		t.Errorf("expected one failed callback with timeout, got %v", failed)
	}
	if l.State() != Idle {
		t.Errorf("expected Idle after failure, got %s", l.State())
	}
	if !errors.Is(l.LastError(), ErrConnectTimeout) {
		t.Errorf("unexpected last error %v", l.LastError())
	}
}

func TestConnectAsync(t *testing.T) {
	release := make(chan struct{})
	d := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		<-release
		a, _ := transport.Pipe()
		return a, nil
	})
	l := New(Config{Dialer: d})

	var connects atomic.Int32
	l.OnConnect(func() { connects.Add(1) }, 0)

	if err := l.ConnectAsync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !l.IsConnecting() {
		t.Errorf("expected connecting, got %s", l.State())
	}
	if err := l.ConnectAsync(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second connect should be rejected, got %v", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitForConnect(ctx); err != nil {
		t.Fatal(err)
	}
	if connects.Load() != 1 {
		t.Errorf("expected one connect callback, got %d", connects.Load())
	}
}

func TestWaitForConnectOrFail(t *testing.T) {
	var calls atomic.Int32
	l := New(Config{Dialer: failingDialer(&calls), ConnectTimeout: 30 * time.Millisecond})

	if err := l.WaitForConnectOrFail(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("no attempt in progress: expected ErrNotConnected, got %v", err)
	}

	l.ConnectAsync(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitForConnectOrFail(ctx); !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("expected ErrConnectTimeout, got %v", err)
	}
}

func TestDisconnectCancelsAttempt(t *testing.T) {
	var calls atomic.Int32
	l := New(Config{Dialer: failingDialer(&calls), ConnectTimeout: 5 * time.Second})
	l.ConnectAsync(context.Background())
	if err := l.Disconnect(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := l.WaitForConnectOrFail(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled attempt, got %v", err)
	}
}

func TestStabilizing(t *testing.T) {
	var order []string
	var mu sync.Mutex
	note := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	cfg := Config{Stabilizing: 20 * time.Millisecond}
	cfg.Dialer = pipeDialer(nil)
	l := New(cfg)
	l.OnConnect(note("connect"), 0)
	l.OnStabilizing(note("stabilizing"), 0)

	start := time.Now()
	if err := l.ConnectBlocking(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("connect callbacks ran before the stabilizing delay")
	}
	if len(order) != 2 || order[0] != "stabilizing" || order[1] != "connect" {
		t.Errorf("unexpected order %v", order)
	}
}

// ============================================================
// Disconnect Tests
// ============================================================

func TestDisconnect_Idempotent(t *testing.T) {
	l, peer := connected(t, Config{})
	var normal atomic.Int32
	l.OnDisconnectNormally(func() { normal.Add(1) }, 0)

	if err := l.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := l.Disconnect(); err != nil {
		t.Errorf("second disconnect should be a no-op, got %v", err)
	}
	if normal.Load() != 1 {
		t.Errorf("expected exactly one disconnect callback, got %d", normal.Load())
	}
	if peer.IsOpen() {
		t.Error("transport should be closed")
	}
	if l.Transport() != nil {
		t.Error("idle lifecycle must not expose a transport")
	}
}

func TestDisconnectOnError(t *testing.T) {
	l, _ := connected(t, Config{})
	var got []error
	l.OnDisconnectOnError(func(err error) { got = append(got, err) }, 0)
	var normal atomic.Int32
	l.OnDisconnectNormally(func() { normal.Add(1) }, 0)

	boom := errors.New("boom")
	if !l.DisconnectOnError(boom) {
		t.Fatal("expected a transition")
	}
	if l.DisconnectOnError(boom) {
		t.Error("second error disconnect should be a no-op")
	}
	if len(got) != 1 || got[0] != boom {
		t.Errorf("unexpected callbacks %v", got)
	}
	if normal.Load() != 0 {
		t.Error("error disconnect must not fire normal callbacks")
	}
	if l.LastError() != boom {
		t.Errorf("expected last error boom, got %v", l.LastError())
	}
}

// ============================================================
// Stale Watchdog Tests
// ============================================================

func TestCheckStale_FiresOnce(t *testing.T) {
	var clock atomic.Int64
	base := time.Unix(1000, 0)
	now := func() time.Time { return base.Add(time.Duration(clock.Load())) }

	l, _ := connected(t, Config{StaleTimeout: 100 * time.Millisecond, Now: now})
	var stale atomic.Int32
	l.OnDisconnectOnError(func(err error) {
		if errors.Is(err, ErrStaleConnection) {
			stale.Add(1)
		}
	}, 0)

	clock.Store(int64(50 * time.Millisecond))
	if l.CheckStale(now()) {
		t.Fatal("not stale yet")
	}
	l.NoteData(now())

	clock.Store(int64(140 * time.Millisecond))
	if l.CheckStale(now()) {
		t.Fatal("data was noted 90ms ago")
	}

	clock.Store(int64(300 * time.Millisecond))
	for i := 0; i < 5; i++ {
		l.CheckStale(now())
	}
	if stale.Load() != 1 {
		t.Errorf("expected exactly one stale callback, got %d", stale.Load())
	}
	if l.State() != Idle {
		t.Errorf("expected Idle, got %s", l.State())
	}
}

func TestCheckStale_Disabled(t *testing.T) {
	l, _ := connected(t, Config{})
	if l.CheckStale(time.Now().Add(time.Hour)) {
		t.Error("zero stale timeout disables the watchdog")
	}
}

// ============================================================
// Callback Ordering Tests
// ============================================================

func TestCallbacks_PriorityOrder(t *testing.T) {
	l, _ := connected(t, Config{})
	var order []int
	add := func(prio, tag int) *Handle {
		return l.OnDisconnectNormally(func() { order = append(order, tag) }, prio)
	}
	add(5, 1)
	add(1, 2)
	add(5, 3)
	h := add(3, 4)
	add(-1, 5)
	h.Remove()
	h.Remove()

	l.Disconnect()
	want := []int{5, 2, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestCallbacks_MutationDuringIteration(t *testing.T) {
	l, _ := connected(t, Config{})
	var calls []string
	var second *Handle
	l.OnDisconnectNormally(func() {
		calls = append(calls, "first")
		second.Remove()
		l.OnDisconnectNormally(func() { calls = append(calls, "late") }, 0)
	}, 0)
	second = l.OnDisconnectNormally(func() { calls = append(calls, "second") }, 1)

	l.Disconnect()
	// The snapshot taken before iteration still runs "second"
	if len(calls) != 2 || calls[1] != "second" {
		t.Errorf("unexpected calls %v", calls)
	}
	if l.onDisconnectNormally.len() != 2 {
		t.Errorf("expected first and late registered, got %d", l.onDisconnectNormally.len())
	}
}

// ============================================================
// Handshake Tests
// ============================================================

// controller echoes SYNC0 and SYNC1, answers SYNC2 with its identity, then
// stops answering like a robot controller after sync.
func controller(t *testing.T, sawOpen chan<- struct{}) func(peer *transport.PipeEnd) {
	return func(peer *transport.PipeEnd) {
		f, err := framer.NewBinary(framer.RobotProtocol())
		if err != nil {
			t.Error(err)
			return
		}
		buf := make([]byte, 64)
		synced := false
		for {
			n, err := peer.Read(buf, 20*time.Millisecond)
			if err != nil {
				return
			}
			res, p, _ := f.Feed(buf[:n])
			for res == framer.FrameReady || res == framer.Error {
				if p != nil && !synced {
					switch p.ID() {
					case Sync0, Sync1:
						frame, _ := f.Encode(f.NewPacket(p.ID()))
						peer.Write(frame)
					case Sync2:
						reply := f.NewPacket(Sync2)
						reply.PutString("pioneer")
						reply.PutString("Pioneer")
						reply.PutString("p3dx")
						frame, _ := f.Encode(reply)
						peer.Write(frame)
						synced = true
					}
				}
				res, p, _ = f.Feed(nil)
			}
			if sawOpen != nil && f.Stats().Frames >= 4 {
				select {
				case sawOpen <- struct{}{}:
				default:
				}
			}
		}
	}
}

func TestRobotSync(t *testing.T) {
	f, _ := framer.NewBinary(framer.RobotProtocol())
	hs := NewRobotSync(f, zerolog.Nop())
	sawOpen := make(chan struct{}, 1)

	l := New(Config{Dialer: pipeDialer(controller(t, sawOpen)), Handshake: hs})
	if err := l.ConnectBlocking(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer l.Disconnect()
	id := hs.Identity()
	if id.Name != "pioneer" || id.Class != "Pioneer" || id.Subclass != "p3dx" {
		t.Errorf("unexpected identity %+v", id)
	}
	select {
	case <-sawOpen:
	case <-time.After(time.Second):
		t.Error("controller never saw the open command")
	}
}

func TestEchoHandshake_NoReplyRetries(t *testing.T) {
	f, _ := framer.NewBinary(framer.RobotProtocol())
	hs := EchoHandshake(f)
	hs.Attempts = 2
	hs.Wait = 20 * time.Millisecond

	a, b := transport.Pipe()
	err := hs.Handshake(context.Background(), a)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
	// Two attempts, each sending one 6-byte alive frame
	if b.Buffered() != 12 {
		t.Errorf("expected 2 alive frames on the wire, got %d bytes", b.Buffered())
	}
}

func TestEchoHandshake_ClosedTransportIsPermanent(t *testing.T) {
	f, _ := framer.NewBinary(framer.RobotProtocol())
	hs := EchoHandshake(f)
	hs.Attempts = 5

	a, _ := transport.Pipe()
	a.Close()
	err := hs.Handshake(context.Background(), a)
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
