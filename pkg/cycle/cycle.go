// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cycle runs the fixed-period task cycle of a device connection.
//
// Every tick takes the coarse lock once and runs the phases in order:
// packet dispatch, sensor interpretation, user tasks, output. Within a phase
// tasks run by ascending priority, ties in registration order. A panic in
// one task is recovered and the tick carries on with the next task.
//
// The coarse lock is not reentrant. Tasks already hold it and must not call
// Lock or WithLock.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/robolink/pkg/packet"
)

var (
	// ErrAlreadyRunning is returned by Run and Start when the cycle is running.
	ErrAlreadyRunning = errors.New("cycle already running")
	// ErrDuplicateTask is returned when a phase already has a task by that name.
	ErrDuplicateTask = errors.New("duplicate task name")
	// ErrInvalidPhase is returned for a phase outside the known set.
	ErrInvalidPhase = errors.New("invalid phase")
)

// Defaults
const (
	DefaultPeriod    = 100 * time.Millisecond
	DefaultQueueSize = 256
)

// Config of a Cycle.
type Config struct {
	// Period between tick starts.
	Period time.Duration
	// WarningTime is the default time a single task may take before a
	// warning is logged. Zero disables task warnings.
	WarningTime time.Duration
	// QueueSize bounds the inbound packet queue.
	QueueSize int
	// DispatchBudget caps the packets dispatched per tick. Zero dispatches
	// every packet queued at the start of the dispatch phase.
	DispatchBudget int

	Logger zerolog.Logger
}

// Stats is a snapshot of cycle timing and dispatch counters.
type Stats struct {
	Ticks        uint64
	Overruns     uint64
	Panics       uint64
	Dispatched   uint64
	Unclaimed    uint64
	Dropped      uint64
	Queued       int
	LastTick     time.Time
	LastDuration time.Duration
	MaxDuration  time.Duration
	// Drift is how late the last tick started against its schedule.
	Drift time.Duration
	// LastPanic is the most recent recovered task panic.
	LastPanic error
}

// Cycle is the task scheduler of one connection.
type Cycle struct {
	cfg Config
	log zerolog.Logger

	lock sync.Mutex // coarse lock held for a whole tick

	mu        sync.Mutex // tasks, stats, run state
	seq       uint64
	tasks     [numPhases][]*Task
	stats     Stats
	done      chan struct{}
	onRunExit []func()

	queue   chan *packet.Packet
	running atomic.Bool
	stop    atomic.Bool
	wake    chan struct{}
}

// New creates a stopped cycle.
func New(cfg Config) *Cycle {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Cycle{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "cycle").Logger(),
		queue: make(chan *packet.Packet, cfg.QueueSize),
		wake:  make(chan struct{}, 1),
	}
}

// Period returns the tick period.
func (c *Cycle) Period() time.Duration { return c.cfg.Period }

// ============================================================
// Registration
// ============================================================

func (c *Cycle) add(t *Task) (*Task, error) {
	if !t.phase.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPhase, int(t.phase))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.tasks[t.phase]
	for _, existing := range list {
		if existing.name == t.name {
			return nil, fmt.Errorf("%w: %q in %s phase", ErrDuplicateTask, t.name, t.phase)
		}
	}

	c.seq++
	t.seq = c.seq
	i := sort.Search(len(list), func(i int) bool {
		return list[i].priority > t.priority
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	c.tasks[t.phase] = list
	return t, nil
}

// AddTask schedules fn in phase. Lower priorities run first.
func (c *Cycle) AddTask(phase Phase, name string, priority int, fn func()) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("task %q: nil function", name)
	}
	return c.add(&Task{name: name, phase: phase, priority: priority, fn: fn})
}

// AddPacketHandler registers a handler offered every dispatched packet that
// match accepts. Handlers are tried by ascending priority until one claims
// the packet.
func (c *Cycle) AddPacketHandler(name string, match Matcher, handle Handler, priority int) (*Task, error) {
	if handle == nil {
		return nil, fmt.Errorf("handler %q: nil function", name)
	}
	return c.add(&Task{name: name, phase: PhasePacketDispatch, priority: priority, match: match, handle: handle})
}

// RemoveTask unregisters the named task from phase. It reports whether a
// task was removed.
func (c *Cycle) RemoveTask(phase Phase, name string) bool {
	if !phase.valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.tasks[phase]
	for i, t := range list {
		if t.name == name {
			c.tasks[phase] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// FindTask returns the first task with name, searching phases in order.
func (c *Cycle) FindTask(name string) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range c.tasks {
		for _, t := range list {
			if t.name == name {
				return t
			}
		}
	}
	return nil
}

// Tasks lists every registered task in run order.
func (c *Cycle) Tasks() []TaskInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []TaskInfo
	for _, list := range c.tasks {
		for _, t := range list {
			out = append(out, TaskInfo{
				Phase:        t.phase,
				Name:         t.name,
				Priority:     t.priority,
				State:        t.State(),
				Handler:      t.IsHandler(),
				Runs:         t.runs,
				Panics:       t.panics,
				LastDuration: t.lastDuration,
			})
		}
	}
	return out
}

// LogTasks writes the task list to the cycle logger.
func (c *Cycle) LogTasks() {
	for _, info := range c.Tasks() {
		c.log.Info().Msg(info.String())
	}
}

// OnRunExit registers fn to run when Run returns.
func (c *Cycle) OnRunExit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRunExit = append(c.onRunExit, fn)
}

// ============================================================
// Coarse lock
// ============================================================

// Lock acquires the coarse lock, waiting for any tick in progress.
func (c *Cycle) Lock() { c.lock.Lock() }

// Unlock releases the coarse lock.
func (c *Cycle) Unlock() { c.lock.Unlock() }

// WithLock runs fn holding the coarse lock.
func (c *Cycle) WithLock(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	fn()
}

// ============================================================
// Packet queue
// ============================================================

// Deliver queues p for the next dispatch phase. It returns false and drops
// the packet if the queue is full.
func (c *Cycle) Deliver(p *packet.Packet) bool {
	select {
	case c.queue <- p:
		return true
	default:
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		c.log.Warn().Str("protocol", p.Protocol()).Msg("packet queue full, dropping packet")
		return false
	}
}

// ============================================================
// Running
// ============================================================

// Run ticks until StopRunning is called or ctx is done. The tick in progress
// always completes.
func (c *Cycle) Run(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	c.loop(ctx)
	return nil
}

// Start runs the cycle on its own goroutine.
func (c *Cycle) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	go c.loop(ctx)
	return nil
}

func (c *Cycle) begin() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.stop.Store(false)
	select {
	case <-c.wake:
	default:
	}
	c.mu.Lock()
	c.done = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// StopRunning asks the cycle to exit after the tick in progress.
func (c *Cycle) StopRunning() {
	c.stop.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the cycle loop is active.
func (c *Cycle) IsRunning() bool { return c.running.Load() }

// Wait blocks until the running loop exits. It returns at once if the cycle
// was never started.
func (c *Cycle) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Cycle) loop(ctx context.Context) {
	c.log.Debug().Dur("period", c.cfg.Period).Msg("cycle started")
	defer c.exit()

	period := c.cfg.Period
	next := time.Now()
	for !c.stop.Load() && ctx.Err() == nil {
		start := time.Now()
		drift := start.Sub(next)

		c.Tick()

		elapsed := time.Since(start)
		c.mu.Lock()
		c.stats.Drift = drift
		c.mu.Unlock()

		if elapsed > period {
			c.mu.Lock()
			c.stats.Overruns++
			c.mu.Unlock()
			c.log.Warn().
				Dur("took", elapsed).
				Dur("period", period).
				Msg("tick overran its period")
			next = time.Now()
			continue
		}

		next = start.Add(period)
		timer := time.NewTimer(period - elapsed)
		select {
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

func (c *Cycle) exit() {
	c.mu.Lock()
	fns := append([]func(){}, c.onRunExit...)
	done := c.done
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	c.log.Debug().Msg("cycle stopped")
	c.running.Store(false)
	close(done)
}

// Tick runs one pass of every phase under the coarse lock. Run calls it
// once per period; tests may drive it directly.
func (c *Cycle) Tick() {
	c.mu.Lock()
	var snapshot [numPhases][]*Task
	for i := range c.tasks {
		snapshot[i] = append([]*Task(nil), c.tasks[i]...)
	}
	c.mu.Unlock()

	start := time.Now()
	c.lock.Lock()
	c.dispatch(snapshot[PhasePacketDispatch])
	for _, phase := range Phases {
		for _, t := range snapshot[phase] {
			if t.fn != nil && t.State() == TaskActive {
				c.invoke(t, t.fn)
			}
		}
	}
	c.lock.Unlock()
	d := time.Since(start)

	c.mu.Lock()
	c.stats.Ticks++
	c.stats.LastTick = start
	c.stats.LastDuration = d
	if d > c.stats.MaxDuration {
		c.stats.MaxDuration = d
	}
	c.mu.Unlock()
}

// dispatch offers each queued packet to the handlers until one claims it.
func (c *Cycle) dispatch(tasks []*Task) {
	budget := len(c.queue)
	if c.cfg.DispatchBudget > 0 {
		budget = min(budget, c.cfg.DispatchBudget)
	}

	var dispatched, unclaimed uint64
	for ; budget > 0; budget-- {
		var p *packet.Packet
		select {
		case p = <-c.queue:
		default:
		}
		if p == nil {
			break
		}
		dispatched++

		claimed := false
		for _, t := range tasks {
			if t.handle == nil || t.State() != TaskActive {
				continue
			}
			if t.match != nil && !t.match(p) {
				continue
			}
			c.invoke(t, func() { claimed = t.handle(p) })
			if claimed {
				break
			}
		}
		if !claimed {
			unclaimed++
			c.log.Trace().Str("protocol", p.Protocol()).Int("id", int(p.ID())).Msg("packet not claimed")
		}
	}

	if dispatched > 0 {
		c.mu.Lock()
		c.stats.Dispatched += dispatched
		c.stats.Unclaimed += unclaimed
		c.mu.Unlock()
	}
}

// invoke runs fn on behalf of t, recovering a panic and timing the call.
func (c *Cycle) invoke(t *Task, fn func()) {
	start := time.Now()
	var perr *TaskPanicError
	func() {
		defer func() {
			if r := recover(); r != nil {
				perr = &TaskPanicError{Task: t.name, Phase: t.phase, Value: r, Stack: debug.Stack()}
			}
		}()
		fn()
	}()
	d := time.Since(start)

	c.mu.Lock()
	t.runs++
	t.lastDuration = d
	if perr != nil {
		t.panics++
		c.stats.Panics++
		c.stats.LastPanic = perr
	}
	c.mu.Unlock()

	if perr != nil {
		c.log.Error().
			Str("task", t.name).
			Stringer("phase", t.phase).
			Interface("panic", perr.Value).
			Bytes("stack", perr.Stack).
			Msg("task panicked")
	}

	warn := time.Duration(t.warn.Load())
	if warn == 0 {
		warn = c.cfg.WarningTime
	}
	if warn > 0 && d > warn {
		c.log.Warn().
			Str("task", t.name).
			Stringer("phase", t.phase).
			Dur("took", d).
			Dur("warning", warn).
			Msg("task exceeded its warning time")
	}
}

// Stats returns a snapshot of the cycle counters.
func (c *Cycle) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Queued = len(c.queue)
	return s
}
