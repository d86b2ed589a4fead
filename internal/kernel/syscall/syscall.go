// Package syscall implements the system-call dispatcher: a fixed call-number table, the
// argument-register convention, and the known gap that user pointers are never validated before
// use. Handlers are dispatched from a registrable table keyed by call number, the same switch-
// over-vector shape the trap table uses for CPU exceptions; see DESIGN.md.
package syscall

import (
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/trap"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Call numbers enumerated. 8-12 are reserved but not wired by this dispatcher;
// callers may still register handlers for them.
const (
	Exit     = 0
	Write    = 1
	Read     = 2
	Open     = 3
	Close    = 4
	GetPID   = 5
	SleepMs  = 6
	Yield    = 7
	Fork     = 8
	Exec     = 9
	Wait     = 10
	Malloc   = 11
	Free     = 12
	UptimeMs = 13
	GetChar  = 14
	PutChar  = 15

	tableSize = 16
)

// Args is the fixed argument-register sequence described: the first four
// arguments in the first four argument registers, a fifth in a designated scratch register.
type Args struct {
	A0, A1, A2, A3, A4 uint64
}

// ArgsFromFrame extracts the syscall argument convention from a trap frame. The mapping to
// concrete registers is this simulation's own convention (RDI,RSI,RDX,R10,R8 — the System V
// argument order with RCX's slot replaced by R10, as RCX is clobbered by a real SYSCALL
// instruction; harmless bookkeeping here since nothing actually executes machine code).
func ArgsFromFrame(f *trap.Frame) Args {
	return Args{
		A0: f.Regs.RDI,
		A1: f.Regs.RSI,
		A2: f.Regs.RDX,
		A3: f.Regs.R10,
		A4: f.Regs.R8,
	}
}

// HandlerFunc services one call number. It receives the call's argument registers already
// decoded into Args (see ArgsFromFrame), not the trap frame itself. Per the known gap, any pointer arguments are raw caller-space
// addresses -- this dispatcher does not, and cannot, validate that they are mapped and
// user-accessible in the caller's address space before a handler dereferences them. A production
// implementation must translate every such pointer through the caller's address space first.
type HandlerFunc func(args Args) int64

// Dispatcher implements the call-number table and the boundary convention.
type Dispatcher struct {
	mut      sync.Mutex
	handlers [tableSize]HandlerFunc
	log      *log.Logger
}

// New creates an empty dispatcher. Call Init, then Register for each supported call number.
func New() *Dispatcher {
	return &Dispatcher{log: log.DefaultLogger()}
}

// Init clears every registration.
func (d *Dispatcher) Init() {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.handlers = [tableSize]HandlerFunc{}
}

// Register installs a handler for a call number.
func (d *Dispatcher) Register(number int, fn HandlerFunc) {
	d.mut.Lock()
	defer d.mut.Unlock()

	if number < 0 || number >= tableSize {
		d.log.Error("syscall: call number out of range", "number", number)
		return
	}

	d.handlers[number] = fn
}

// Dispatch implements the call contract: the call number is read from the primary return
// register (RAX), the table size and registration are checked, the handler runs, and its return
// value is written back into RAX. Invalid or unregistered numbers return -1 without invoking any
// handler.
func (d *Dispatcher) Dispatch(frame *trap.Frame) {
	number := frame.Regs.RAX

	if number >= tableSize {
		frame.Regs.RAX = errorReturn
		return
	}

	d.mut.Lock()
	fn := d.handlers[number]
	d.mut.Unlock()

	if fn == nil {
		frame.Regs.RAX = errorReturn
		return
	}

	ret := fn(ArgsFromFrame(frame))
	frame.Regs.RAX = uint64(ret)
}

// errorReturn is the -1 sentinel returned for every invalid or failed call, reinterpreted as the
// unsigned bit pattern the return register actually holds.
const errorReturn = ^uint64(0)
