// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package robot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thermoquad/robolink/pkg/cycle"
	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/transport"
)

var sonarFrame = []byte{0xFA, 0xFB, 0x07, 0x01, 0x0B, 0x00, 0xFF, 0xFF, 0x02, 0xF5}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// connectedRobot returns a robot connected over a pipe, and the far end.
func connectedRobot(t *testing.T, opts Options) (*Robot, *transport.PipeEnd) {
	t.Helper()
	peers := make(chan *transport.PipeEnd, 1)
	opts.Link.Dialer = transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, b := transport.Pipe()
		peers <- b
		return a, nil
	})
	r, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ConnectBlocking(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Disconnect() })
	return r, <-peers
}

// readFrames decodes every frame the robot wrote to peer.
func readFrames(t *testing.T, peer *transport.PipeEnd, want int) []*packet.Packet {
	t.Helper()
	f, err := framer.NewBinary(framer.RobotProtocol())
	if err != nil {
		t.Fatal(err)
	}
	var out []*packet.Packet
	buf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := peer.Read(buf, 20*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		res, p, _ := f.Feed(buf[:n])
		for res == framer.FrameReady || res == framer.Error {
			if p != nil {
				out = append(out, p)
			}
			res, p, _ = f.Feed(nil)
		}
	}
	if f.Stats().ChecksumErrors != 0 {
		t.Errorf("robot wrote %d frames with bad checksums", f.Stats().ChecksumErrors)
	}
	return out
}

// ============================================================
// Composition Tests
// ============================================================

func TestNew_Defaults(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Protocol() != "robot" {
		t.Errorf("expected robot protocol, got %q", r.Protocol())
	}
	names := map[string]bool{}
	for _, info := range r.Cycle().Tasks() {
		names[info.Name] = true
	}
	if !names[TaskWatchdog] || !names[TaskFlush] || names[TaskMismatch] || names[TaskPulse] {
		t.Errorf("unexpected built-in tasks %v", names)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Options{Protocol: "bogus"}); !errors.Is(err, framer.ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
	if _, err := New(Options{Handshake: "dance"}); !errors.Is(err, ErrUnknownHandshake) {
		t.Errorf("expected ErrUnknownHandshake, got %v", err)
	}
}

func TestDispatchBeforeUserTasks(t *testing.T) {
	r, peer := connectedRobot(t, Options{})

	var order []string
	r.AddPacketHandler("sonar", cycle.MatchID(0x01), func(p *packet.Packet) bool {
		order = append(order, "handler")
		return true
	}, 0)
	r.AddSensorInterpTask("interp", 0, func() { order = append(order, "sensor") })
	r.AddUserTask("behavior", 0, func() { order = append(order, "user") })

	peer.Write(sonarFrame)
	waitFor(t, "packet queued", func() bool { return r.Cycle().Stats().Queued == 1 })

	r.Cycle().Tick()
	if got := strings.Join(order, " "); got != "handler sensor user" {
		t.Errorf("expected handler before tasks, got %q", got)
	}

	s := r.Statistics().Snapshot()
	if s.ValidFrames != 1 || s.BytesIn != uint64(len(sonarFrame)) {
		t.Errorf("unexpected statistics %+v", s)
	}
	if r.Link().LastData().IsZero() {
		t.Error("receiver should note data")
	}
}

func TestDispatch_TimestampedPackets(t *testing.T) {
	r, peer := connectedRobot(t, Options{})
	var stamp time.Time
	r.AddPacketHandler("any", nil, func(p *packet.Packet) bool {
		stamp = p.Timestamp()
		return true
	}, 0)

	before := time.Now()
	peer.Write(sonarFrame)
	waitFor(t, "packet queued", func() bool { return r.Cycle().Stats().Queued == 1 })
	r.Cycle().Tick()
	if stamp.Before(before) {
		t.Errorf("packet timestamp %v precedes its arrival", stamp)
	}
}

// ============================================================
// Command Tests
// ============================================================

func TestCommands_WrittenWithValidChecksums(t *testing.T) {
	r, peer := connectedRobot(t, Options{})

	if err := r.Com(link.CommandOpen); err != nil {
		t.Fatal(err)
	}
	if err := r.ComInt(11, -300); err != nil {
		t.Fatal(err)
	}
	if err := r.ComInt(12, 450); err != nil {
		t.Fatal(err)
	}
	if err := r.ComStr(13, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := r.Com2Bytes(14, 0x01, 0x02); err != nil {
		t.Fatal(err)
	}
	// Nothing is written until the output phase
	if peer.Buffered() != 0 {
		t.Fatal("commands written before the output phase")
	}
	r.Cycle().Tick()

	frames := readFrames(t, peer, 5)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	if frames[0].ID() != link.CommandOpen || frames[0].DataLength() != 0 {
		t.Errorf("unexpected open frame")
	}
	if v, ok := IntArg(frames[1]); !ok || v != -300 || frames[1].ID() != 11 {
		t.Errorf("expected -300, got %d %v", v, ok)
	}
	if v, ok := IntArg(frames[2]); !ok || v != 450 {
		t.Errorf("expected 450, got %d %v", v, ok)
	}
	if s, ok := StringArg(frames[3]); !ok || s != "hello" {
		t.Errorf("expected hello, got %q %v", s, ok)
	}
	if v, ok := IntArg(frames[4]); !ok || v != 0x0102 {
		t.Errorf("expected 0x0102, got %#x %v", v, ok)
	}

	if s := r.Statistics().Snapshot(); s.PacketsOut != 5 {
		t.Errorf("expected 5 packets out, got %d", s.PacketsOut)
	}
}

func TestSend_Errors(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Com(link.CommandPulse); !errors.Is(err, link.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	r, _ = connectedRobot(t, Options{SendQueue: 1})
	r.Com(link.CommandPulse)
	if err := r.Com(link.CommandPulse); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if err := r.ComStr(1, strings.Repeat("x", MaxStringArg+1)); err == nil {
		t.Error("expected oversized string error")
	}
}

func TestPulse(t *testing.T) {
	r, peer := connectedRobot(t, Options{PulseInterval: time.Millisecond})
	r.Cycle().Tick()
	frames := readFrames(t, peer, 1)
	if len(frames) != 1 || frames[0].ID() != link.CommandPulse {
		t.Fatalf("expected a pulse frame, got %d frames", len(frames))
	}
}

// ============================================================
// Watchdog Tests
// ============================================================

func TestStaleWatchdog_DisconnectsOnce(t *testing.T) {
	r, _ := connectedRobot(t, Options{Link: link.Config{StaleTimeout: 30 * time.Millisecond}})
	var stale atomic.Int32
	r.AddDisconnectOnErrorCallback(func(err error) {
		if errors.Is(err, link.ErrStaleConnection) {
			stale.Add(1)
		}
	}, 0)

	r.Cycle().Tick()
	if !r.IsConnected() {
		t.Fatal("disconnected before the stale timeout")
	}
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		r.Cycle().Tick()
	}
	if stale.Load() != 1 {
		t.Errorf("expected one stale disconnect, got %d", stale.Load())
	}
}

func TestMismatchRate_Disconnects(t *testing.T) {
	r, peer := connectedRobot(t, Options{MismatchThreshold: 1, MismatchWindow: time.Minute})
	var reason error
	var mu sync.Mutex
	r.AddDisconnectOnErrorCallback(func(err error) {
		mu.Lock()
		reason = err
		mu.Unlock()
	}, 0)

	bad := append([]byte(nil), sonarFrame...)
	bad[len(bad)-1] ^= 0xFF
	peer.Write(bad)
	waitFor(t, "first mismatch", func() bool { return r.Statistics().Snapshot().ChecksumErrors == 1 })
	r.Cycle().Tick()
	if !r.IsConnected() {
		t.Fatal("one mismatch is within the threshold")
	}

	peer.Write(bad)
	waitFor(t, "second mismatch", func() bool { return r.Statistics().Snapshot().ChecksumErrors == 2 })
	r.Cycle().Tick()

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(reason, ErrLinkDegraded) {
		t.Errorf("expected ErrLinkDegraded, got %v", reason)
	}
}

func TestReceiver_PeerCloseDisconnects(t *testing.T) {
	r, peer := connectedRobot(t, Options{})
	errs := make(chan error, 1)
	r.AddDisconnectOnErrorCallback(func(err error) { errs <- err }, 0)

	peer.Close()
	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not notice the closed transport")
	}
}

func TestMismatches_NotKeptWhenCheckDisabled(t *testing.T) {
	r, peer := connectedRobot(t, Options{})

	bad := append([]byte(nil), sonarFrame...)
	bad[len(bad)-1] ^= 0xFF
	noisy := make([]byte, 0, len(bad)*5000)
	for i := 0; i < 5000; i++ {
		noisy = append(noisy, bad...)
	}
	peer.Write(noisy)
	waitFor(t, "mismatches counted", func() bool { return r.Statistics().Snapshot().ChecksumErrors == 5000 })
	for i := 0; i < 10; i++ {
		r.Cycle().Tick()
	}

	r.stats.mu.Lock()
	kept := len(r.stats.mismatches)
	r.stats.mu.Unlock()
	if kept != 0 {
		t.Errorf("expected no mismatch times kept, got %d", kept)
	}
}

// ============================================================
// Reconnect Tests
// ============================================================

func TestReconnect_ReceiverOwnsFramer(t *testing.T) {
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, b := transport.Pipe()
		go func() {
			// Stream frames until the link is closed
			for {
				if _, err := b.Write(sonarFrame); err != nil {
					return
				}
				time.Sleep(100 * time.Microsecond)
			}
		}()
		return a, nil
	})
	r, err := New(Options{Link: link.Config{Dialer: dialer}, ReadTimeout: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		if err := r.ConnectBlocking(context.Background(), time.Second); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if err := r.Disconnect(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}

	// Every link carried whole frames, so nothing may be reported bad
	s := r.Statistics().Snapshot()
	if s.ChecksumErrors != 0 || s.FramingErrors != 0 {
		t.Errorf("fresh links reported errors %+v", s)
	}
}

func TestStabilizingCallback(t *testing.T) {
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, _ := transport.Pipe()
		return a, nil
	})
	r, err := New(Options{Link: link.Config{Dialer: dialer, Stabilizing: time.Millisecond}})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	var mu sync.Mutex
	r.AddStabilizingCallback(func() {
		mu.Lock()
		order = append(order, "stabilizing")
		mu.Unlock()
	}, 0)
	r.AddConnectCallback(func() {
		mu.Lock()
		order = append(order, "connect")
		mu.Unlock()
	}, 0)

	if err := r.ConnectBlocking(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer r.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(order, " "); got != "stabilizing connect" {
		t.Errorf("expected stabilizing before connect, got %q", got)
	}
}

// ============================================================
// Handshake and Run Tests
// ============================================================

func TestEchoHandshakeAndRun(t *testing.T) {
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, b := transport.Pipe()
		go func() {
			// Echo everything back
			buf := make([]byte, 64)
			for {
				n, err := b.Read(buf, 20*time.Millisecond)
				if err != nil {
					return
				}
				b.Write(buf[:n])
			}
		}()
		return a, nil
	})
	r, err := New(Options{
		Handshake: HandshakeEcho,
		Link:      link.Config{Dialer: dialer},
		Cycle:     cycle.Config{Period: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	var echoed atomic.Int32
	r.AddPacketHandler("echo", cycle.MatchID(42), func(p *packet.Packet) bool {
		echoed.Add(1)
		return true
	}, 0)

	if err := r.ConnectBlocking(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Com(42)
	waitFor(t, "echoed command", func() bool { return echoed.Load() == 1 })

	r.Disconnect()
	r.StopRunning()
	r.Wait()

	st := r.Stats()
	if st.State != link.Idle.String() || st.Cycle.Ticks == 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

// syncedController answers the controller sync handshake, then reports the
// id of every frame it receives afterwards.
func syncedController(ids chan<- uint8) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		a, b := transport.Pipe()
		f, err := framer.NewBinary(framer.RobotProtocol())
		if err != nil {
			return nil, err
		}
		go func() {
			buf := make([]byte, 64)
			synced := false
			for {
				n, err := b.Read(buf, 20*time.Millisecond)
				if err != nil {
					close(ids)
					return
				}
				res, p, _ := f.Feed(buf[:n])
				for res == framer.FrameReady || res == framer.Error {
					switch {
					case p == nil:
					case synced:
						ids <- p.ID()
					case p.ID() == link.Sync2:
						reply := f.NewPacket(link.Sync2)
						reply.PutString("pioneer")
						reply.PutString("Pioneer")
						reply.PutString("p3dx")
						frame, _ := f.Encode(reply)
						b.Write(frame)
						synced = true
					default:
						frame, _ := f.Encode(f.NewPacket(p.ID()))
						b.Write(frame)
					}
					res, p, _ = f.Feed(nil)
				}
			}
		}()
		return a, nil
	})
}

func TestDisconnect_QueuedCommandsPrecedeClose(t *testing.T) {
	ids := make(chan uint8, 64)
	r, err := New(Options{Handshake: HandshakeSync, Link: link.Config{Dialer: syncedController(ids)}})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ConnectBlocking(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if id := r.Identity(); id.Name != "pioneer" {
		t.Errorf("unexpected identity %+v", id)
	}

	r.Com(11)
	r.Com(12)
	if err := r.Disconnect(); err != nil {
		t.Fatal(err)
	}

	var got []uint8
	for id := range ids {
		got = append(got, id)
	}
	// OPEN and PULSE from the handshake, the queued commands, then CLOSE
	want := []uint8{link.CommandOpen, link.CommandPulse, 11, 12, link.CommandClose}
	if len(got) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected frames %v, got %v", want, got)
		}
	}
	if s := r.Statistics().Snapshot(); s.PacketsOut != 3 {
		t.Errorf("expected 3 packets out, got %d", s.PacketsOut)
	}
}
