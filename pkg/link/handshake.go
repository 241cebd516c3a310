// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/transport"
)

// Handshake negotiates a freshly dialed transport before it is handed to
// the rest of the runtime.
type Handshake interface {
	Handshake(ctx context.Context, tr transport.Transport) error
}

// HandshakeFunc adapts a function to Handshake.
type HandshakeFunc func(ctx context.Context, tr transport.Transport) error

func (f HandshakeFunc) Handshake(ctx context.Context, tr transport.Transport) error {
	return f(ctx, tr)
}

// Robot controller command and sync packet ids.
const (
	Sync0 uint8 = 0
	Sync1 uint8 = 1
	Sync2 uint8 = 2

	CommandPulse uint8 = 0
	CommandOpen  uint8 = 1
	CommandClose uint8 = 2
)

// Handshake defaults
const (
	DefaultStepAttempts = 3
	DefaultStepWait     = 500 * time.Millisecond
)

const maxIdentityLength = 64

// ErrNoReply is returned when a handshake step gets no matching reply.
var ErrNoReply = errors.New("no reply")

// Step is one request/expect exchange of a handshake.
type Step struct {
	Name string
	// Send is finalized and written on every attempt. Nil sends nothing.
	Send *packet.Packet
	// Expect accepts the reply. Nil means no reply is awaited.
	Expect func(p *packet.Packet) bool
}

// Steps runs a fixed sequence of exchanges, retrying each step a bounded
// number of times.
type Steps struct {
	Framer   framer.Framer
	Steps    []Step
	Attempts int           // per step; zero uses DefaultStepAttempts
	Wait     time.Duration // reply wait per attempt; zero uses DefaultStepWait
	Logger   zerolog.Logger
}

// Handshake implements Handshake.
func (s *Steps) Handshake(ctx context.Context, tr transport.Transport) error {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = DefaultStepAttempts
	}
	log := s.Logger.With().Str("component", "handshake").Logger()

	s.Framer.Reset()
	for _, step := range s.Steps {
		op := func() error {
			return s.exchange(ctx, tr, step)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
		notify := func(err error, _ time.Duration) {
			log.Debug().Str("step", step.Name).Err(err).Msg("retrying")
		}
		if err := backoff.RetryNotify(op, b, notify); err != nil {
			return fmt.Errorf("handshake %s: %w", step.Name, err)
		}
		log.Trace().Str("step", step.Name).Msg("ok")
	}
	return nil
}

func (s *Steps) exchange(ctx context.Context, tr transport.Transport, step Step) error {
	if step.Send != nil {
		frame, err := s.Framer.Encode(step.Send)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := tr.Write(frame); err != nil {
			return backoff.Permanent(fmt.Errorf("write: %w", err))
		}
	}
	if step.Expect == nil {
		return nil
	}

	wait := s.Wait
	if wait <= 0 {
		wait = DefaultStepWait
	}
	deadline := time.Now().Add(wait)
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNoReply
		}
		n, err := tr.Read(buf, min(remaining, 50*time.Millisecond))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read: %w", err))
		}
		if n == 0 {
			continue
		}
		res, p, _ := s.Framer.Feed(buf[:n])
		for res == framer.FrameReady || res == framer.Error {
			if p != nil && step.Expect(p) {
				return nil
			}
			res, p, _ = s.Framer.Feed(nil)
		}
	}
}

func expectID(id uint8) func(*packet.Packet) bool {
	return func(p *packet.Packet) bool {
		return p.HasID() && p.ID() == id
	}
}

// EchoHandshake sends an alive packet and waits for it to be echoed.
func EchoHandshake(f framer.Framer) *Steps {
	return &Steps{
		Framer: f,
		Steps: []Step{
			{Name: "alive", Send: f.NewPacket(Sync0), Expect: expectID(Sync0)},
		},
	}
}

// RobotIdentity is reported by the controller in its SYNC2 reply.
type RobotIdentity struct {
	Name     string
	Class    string
	Subclass string
}

// RobotSync is the controller handshake: SYNC0, SYNC1 and SYNC2 are each
// echoed back by the controller, then OPEN starts the controller and a
// PULSE keeps it alive.
type RobotSync struct {
	Framer   framer.Framer
	Attempts int
	Wait     time.Duration
	Logger   zerolog.Logger

	mu       sync.Mutex
	identity RobotIdentity
}

// NewRobotSync creates the controller handshake over f.
func NewRobotSync(f framer.Framer, log zerolog.Logger) *RobotSync {
	return &RobotSync{Framer: f, Logger: log}
}

// SyncSteps returns the SYNC0, SYNC1 and SYNC2 exchanges alone. The
// identity carried by the SYNC2 reply is stored in id when it is not nil.
func SyncSteps(f framer.Framer, id *RobotIdentity) *Steps {
	return &Steps{
		Framer: f,
		Steps: []Step{
			{Name: "sync0", Send: f.NewPacket(Sync0), Expect: expectID(Sync0)},
			{Name: "sync1", Send: f.NewPacket(Sync1), Expect: expectID(Sync1)},
			{Name: "sync2", Send: f.NewPacket(Sync2), Expect: func(p *packet.Packet) bool {
				if !expectID(Sync2)(p) {
					return false
				}
				if id != nil {
					*id = parseIdentity(p)
				}
				return true
			}},
		},
	}
}

// Handshake implements Handshake.
func (r *RobotSync) Handshake(ctx context.Context, tr transport.Transport) error {
	f := r.Framer
	var id RobotIdentity
	steps := SyncSteps(f, &id)
	steps.Attempts = r.Attempts
	steps.Wait = r.Wait
	steps.Logger = r.Logger
	steps.Steps = append(steps.Steps,
		Step{Name: "open", Send: f.NewPacket(CommandOpen)},
		Step{Name: "pulse", Send: f.NewPacket(CommandPulse)},
	)
	if err := steps.Handshake(ctx, tr); err != nil {
		return err
	}

	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
	r.Logger.Info().
		Str("name", id.Name).
		Str("class", id.Class).
		Str("subclass", id.Subclass).
		Msg("controller synced")
	return nil
}

// parseIdentity reads the three NUL-terminated strings of a SYNC2 reply. A
// reply without them yields an empty identity.
func parseIdentity(p *packet.Packet) RobotIdentity {
	p.ResetRead()
	var id RobotIdentity
	if p.Remaining() > 0 {
		id.Name = p.GetString(maxIdentityLength)
		id.Class = p.GetString(maxIdentityLength)
		id.Subclass = p.GetString(maxIdentityLength)
	}
	return id
}

// Identity returns the identity from the last successful sync.
func (r *RobotSync) Identity() RobotIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}
