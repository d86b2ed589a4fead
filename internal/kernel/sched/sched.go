// Package sched implements the scheduler: a round-robin ready queue and the four-step switch
// contract run on every timer tick, built atop task.Manager (C8) and mem/vmm (C3); see
// DESIGN.md.
package sched

import (
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/mem/vmm"
	"github.com/vulcan-os/vulcan/internal/kernel/task"
	"github.com/vulcan-os/vulcan/internal/kernel/trap"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Algorithm selects the ready-queue discipline. Round robin is the only one implemented; the
// type exists so Init's signature is stable and a future discipline has somewhere to live.
type Algorithm int

const RoundRobin Algorithm = 0

// Scheduler owns the ready queue and performs the switch described.
type Scheduler struct {
	mut sync.Mutex

	tasks *task.Manager
	vmm   *vmm.Manager

	ready []*task.TCB
	idle  *task.TCB

	running bool
	algo    Algorithm

	log *log.Logger
}

// New creates a scheduler over a task manager and the address-space manager it must switch
// between.
func New(tasks *task.Manager, v *vmm.Manager) *Scheduler {
	return &Scheduler{tasks: tasks, vmm: v, log: log.DefaultLogger()}
}

// Init resets the ready queue and selects the scheduling algorithm.
func (s *Scheduler) Init(algo Algorithm) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.algo = algo
	s.ready = nil
	s.idle = nil
	s.running = false
}

// Start enables timer-driven preemption; OnTimer is a no-op until this is called.
func (s *Scheduler) Start() {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.running = true
}

// Stop disables timer-driven preemption.
func (s *Scheduler) Stop() {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.running = false
}

// Add enrolls a task in the round-robin rotation.
func (s *Scheduler) Add(t *task.TCB) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.ready = append(s.ready, t)
}

// Remove withdraws a task from the rotation (it may still exist in task.Manager; this only
// affects scheduling eligibility).
func (s *Scheduler) Remove(t *task.TCB) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for i, x := range s.ready {
		if x == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// SetIdleTask designates the task run when no enrolled task is Ready. The idle task is never
// part of the round-robin rotation itself, so it is never selected while any other task is
// eligible.
func (s *Scheduler) SetIdleTask(t *task.TCB) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.idle = t
}

// pickNext rotates the ready queue by one eligible task and returns it, or the idle task if
// nothing in the rotation is currently Ready.
func (s *Scheduler) pickNext() *task.TCB {
	s.mut.Lock()
	defer s.mut.Unlock()

	attempts := len(s.ready)

	for i := 0; i < attempts; i++ {
		head := s.ready[0]
		s.ready = append(s.ready[1:], head)

		if head.State() == task.Ready {
			return head
		}
	}

	return s.idle
}

// OnTimer implements the switch contract. It is registered as the trap handler for the
// timer vector (by the kernel glue type, which also owns end-of-interrupt and tick accounting).
func (s *Scheduler) OnTimer(frame *trap.Frame) {
	s.mut.Lock()
	running := s.running
	s.mut.Unlock()

	if !running {
		return
	}

	cur := s.tasks.Current()

	if cur != nil {
		cur.Saved = snapshot(frame)

		if cur.State() == task.Running {
			s.tasks.MarkReady(cur)
		}
	}

	next := s.pickNext()
	if next == nil {
		return
	}

	s.tasks.SetCurrent(next)
	next.TotalTicks++

	restore(frame, next.Saved)

	if next.AddressSpace != s.vmm.CurrentTopTable() {
		s.vmm.SwitchTo(next.AddressSpace)
	}
}

// snapshot copies the task-relevant fields of a trap frame; Vector and ErrorCode belong to the
// trap that was taken, not to the task's saved context, so they are not copied.
func snapshot(f *trap.Frame) trap.Frame {
	return trap.Frame{
		Regs:   f.Regs,
		RIP:    f.RIP,
		CS:     f.CS,
		RFLAGS: f.RFLAGS,
		RSP:    f.RSP,
		SS:     f.SS,
	}
}

// restore overwrites the on-stack trap frame with a task's saved context, leaving Vector and
// ErrorCode untouched.
func restore(f *trap.Frame, saved trap.Frame) {
	f.Regs = saved.Regs
	f.RIP = saved.RIP
	f.CS = saved.CS
	f.RFLAGS = saved.RFLAGS
	f.RSP = saved.RSP
	f.SS = saved.SS
}

// Yield implements the "self-delivering the timer vector": this simulation has no real
// self-interrupt primitive, so it runs the same switch logic Tick would trigger directly.
func (s *Scheduler) Yield(frame *trap.Frame) {
	s.OnTimer(frame)
}

// BlockCurrent transitions the running task to Blocked, withdraws it from the rotation, and
// switches away immediately.
func (s *Scheduler) BlockCurrent(frame *trap.Frame) {
	cur := s.tasks.Current()
	if cur == nil {
		return
	}

	s.tasks.MarkBlocked(cur)
	s.Remove(cur)
	s.OnTimer(frame)
}

// Unblock transitions a Blocked task back to Ready and re-enrolls it in the rotation.
func (s *Scheduler) Unblock(t *task.TCB) {
	s.tasks.MarkReady(t)
	s.Add(t)
}

// Stats reports ready-queue occupancy for diagnostics.
type Stats struct {
	ReadyCount int
	Running    bool
}

func (s *Scheduler) Stats() Stats {
	s.mut.Lock()
	defer s.mut.Unlock()

	return Stats{ReadyCount: len(s.ready), Running: s.running}
}
