// Package gdt publishes the segment descriptors and ring-0 stack pointer a real x86_64 CPU would
// read out of its global descriptor table and task-state segment. Simulated the same
// way arch.CPU simulates control registers: no descriptor table is actually loaded into hardware,
// but the selectors and privilege levels this package hands out are exactly what trap and task
// construction key off of.
package gdt

import (
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/log"
)

// Selectors published at Init.4.
const (
	NullSelector       = 0x00
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x1b // RPL 3 baked into the low two bits.
	UserDataSelector   = 0x23
	TSSSelector        = 0x28
)

// Descriptor mirrors one entry of a segment descriptor, trimmed to the fields this simulation
// actually consults: privilege level and whether the segment is present.
type Descriptor struct {
	Selector uint16
	DPL      uint8 // Descriptor privilege level: 0 (kernel) or 3 (user).
	Present  bool
}

// Table is the simulated descriptor table plus the ring-0 stack the CPU loads on any trap taken
// from a lower privilege level, equivalent to the TSS.RSP0 field on real hardware.
type Table struct {
	mut sync.Mutex

	descriptors [6]Descriptor
	kernelStack uint64

	log *log.Logger
}

// New returns an unpublished table. Call Init before use.
func New() *Table {
	return &Table{log: log.DefaultLogger()}
}

// Init publishes the five segment descriptors and the ring-0 stack descriptor described in
//  and reloads the (simulated) segment registers by recording them as present.
func (t *Table) Init() {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.descriptors = [6]Descriptor{
		{Selector: NullSelector, DPL: 0, Present: false},
		{Selector: KernelCodeSelector, DPL: 0, Present: true},
		{Selector: KernelDataSelector, DPL: 0, Present: true},
		{Selector: UserCodeSelector, DPL: 3, Present: true},
		{Selector: UserDataSelector, DPL: 3, Present: true},
		{Selector: TSSSelector, DPL: 0, Present: true},
	}

	t.log.Debug("gdt initialized",
		"kernel_code", fmt.Sprintf("%#x", KernelCodeSelector),
		"user_code", fmt.Sprintf("%#x", UserCodeSelector),
	)
}

// SetKernelStackForTraps records the stack pointer the CPU will switch to on any trap taken while
// running a ring-3 task, i.e. TSS.RSP0.
func (t *Table) SetKernelStackForTraps(stackTop uint64) {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.kernelStack = stackTop
	t.log.Debug("kernel trap stack set", "rsp0", fmt.Sprintf("%#x", stackTop))
}

// KernelStackForTraps returns the most recently set ring-0 stack pointer.
func (t *Table) KernelStackForTraps() uint64 {
	t.mut.Lock()
	defer t.mut.Unlock()

	return t.kernelStack
}

// Descriptor returns the published descriptor for a selector, and whether one exists.
func (t *Table) Descriptor(selector uint16) (Descriptor, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	for _, d := range t.descriptors {
		if d.Selector == selector && d.Present {
			return d, true
		}
	}

	return Descriptor{}, false
}
