// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cycle

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/robolink/pkg/packet"
)

// Phase is one stage of a tick. Phases run in declaration order.
type Phase int

const (
	PhasePacketDispatch Phase = iota
	PhaseSensorInterp
	PhaseUser
	PhaseOutput

	numPhases
)

// Phases lists every phase in run order.
var Phases = []Phase{PhasePacketDispatch, PhaseSensorInterp, PhaseUser, PhaseOutput}

func (p Phase) String() string {
	switch p {
	case PhasePacketDispatch:
		return "dispatch"
	case PhaseSensorInterp:
		return "sensor"
	case PhaseUser:
		return "user"
	case PhaseOutput:
		return "output"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) valid() bool {
	return p >= 0 && p < numPhases
}

// TaskState of a scheduled task.
type TaskState int32

const (
	TaskActive TaskState = iota
	TaskSuspended
)

func (s TaskState) String() string {
	if s == TaskSuspended {
		return "suspended"
	}
	return "active"
}

// Matcher selects the packets a handler is offered. A nil Matcher accepts
// every packet.
type Matcher func(p *packet.Packet) bool

// MatchID accepts packets with any of the given ids.
func MatchID(ids ...uint8) Matcher {
	return func(p *packet.Packet) bool {
		if !p.HasID() {
			return false
		}
		for _, id := range ids {
			if p.ID() == id {
				return true
			}
		}
		return false
	}
}

// Handler processes a dispatched packet and reports whether it claimed it.
// A claimed packet is not offered to later handlers.
type Handler func(p *packet.Packet) bool

// Task is a scheduled task or packet handler.
type Task struct {
	name     string
	phase    Phase
	priority int
	seq      uint64

	fn     func()
	match  Matcher
	handle Handler

	state atomic.Int32
	warn  atomic.Int64

	// updated by the cycle under its registry lock
	runs         uint64
	panics       uint64
	lastDuration time.Duration
}

func (t *Task) Name() string     { return t.name }
func (t *Task) Phase() Phase     { return t.phase }
func (t *Task) Priority() int    { return t.priority }
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// IsHandler reports whether the task is a packet handler.
func (t *Task) IsHandler() bool { return t.handle != nil }

// Suspend stops the task from running until Resume is called.
func (t *Task) Suspend() { t.state.Store(int32(TaskSuspended)) }

// Resume lets a suspended task run again.
func (t *Task) Resume() { t.state.Store(int32(TaskActive)) }

// SetWarningTime overrides the cycle's task warning time for this task.
// Zero restores the cycle default, a negative value disables the warning.
func (t *Task) SetWarningTime(d time.Duration) { t.warn.Store(int64(d)) }

// TaskInfo is a snapshot of a task for listing.
type TaskInfo struct {
	Phase        Phase
	Name         string
	Priority     int
	State        TaskState
	Handler      bool
	Runs         uint64
	Panics       uint64
	LastDuration time.Duration
}

func (i TaskInfo) String() string {
	kind := "task"
	if i.Handler {
		kind = "handler"
	}
	return fmt.Sprintf("%-8s %3d %-24s %-7s %-9s runs=%d panics=%d last=%s",
		i.Phase, i.Priority, i.Name, kind, i.State, i.Runs, i.Panics, i.LastDuration)
}

// TaskPanicError records a panic recovered from a task or handler.
type TaskPanicError struct {
	Task  string
	Phase Phase
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %q in %s phase panicked: %v", e.Task, e.Phase, e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *TaskPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
