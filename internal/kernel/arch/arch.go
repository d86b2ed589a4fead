// Package arch simulates the thin layer of machine primitives that the rest of the kernel is
// built on: port I/O, TLB invalidation, the CR3 control register, and the halt instruction.
//
// None of this talks to real hardware. Vulcan is a software kernel that runs as an ordinary Go
// process, so "port I/O" here is a registry of simulated device ports and "halt" stops a
// goroutine rather than the processor. The point of keeping this as its own package -- rather
// than inlining fmt.Println calls wherever a real kernel would use OUT/IN -- is that every other
// package can be written as if the primitive were real, and the simulation can be swapped out
// without touching callers.
package arch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vulcan-os/vulcan/internal/log"
)

// Port is a simulated I/O port address, e.g. 0x1F0 for the primary ATA data register or 0x20 for
// the master PIC command port.
type Port uint16

// PortDevice is implemented by anything mapped into the port space: the PIC, the PIT, the ATA
// controller's command/status registers.
type PortDevice interface {
	// InPort reads a byte from the port.
	InPort(port Port) (byte, error)
	// OutPort writes a byte to the port.
	OutPort(port Port, val byte) error
}

// PortWordDevice is implemented by devices that also support 16-bit port transfers, as the ATA
// PIO data port does (256 words per sector).
type PortWordDevice interface {
	InPortWord(port Port) (uint16, error)
	OutPortWord(port Port, val uint16) error
}

// Bus is the simulated port-I/O address space. Real x86_64 has 64 Ki ports; we keep a sparse map
// since only a handful are ever registered.
type Bus struct {
	mut     sync.Mutex
	devices map[Port]PortDevice
	log     *log.Logger
}

// NewBus creates an empty port bus.
func NewBus() *Bus {
	return &Bus{
		devices: make(map[Port]PortDevice),
		log:     log.DefaultLogger(),
	}
}

// ErrNoPort is returned when no device is registered at a port.
var ErrNoPort = fmt.Errorf("arch: no device at port")

// Register maps a device across a contiguous range of ports [base, base+count).
func (b *Bus) Register(base Port, count int, dev PortDevice) {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i := 0; i < count; i++ {
		b.devices[base+Port(i)] = dev
	}
}

// In reads a byte from a port.
func (b *Bus) In(port Port) (byte, error) {
	b.mut.Lock()
	dev := b.devices[port]
	b.mut.Unlock()

	if dev == nil {
		return 0xff, fmt.Errorf("%w: %#x", ErrNoPort, uint16(port))
	}

	return dev.InPort(port)
}

// Out writes a byte to a port.
func (b *Bus) Out(port Port, val byte) error {
	b.mut.Lock()
	dev := b.devices[port]
	b.mut.Unlock()

	if dev == nil {
		return fmt.Errorf("%w: %#x", ErrNoPort, uint16(port))
	}

	return dev.OutPort(port, val)
}

// InWord reads a 16-bit word from a port, for devices that support it (ATA PIO transfers).
func (b *Bus) InWord(port Port) (uint16, error) {
	b.mut.Lock()
	dev := b.devices[port]
	b.mut.Unlock()

	wd, ok := dev.(PortWordDevice)
	if !ok {
		return 0xffff, fmt.Errorf("%w: %#x", ErrNoPort, uint16(port))
	}

	return wd.InPortWord(port)
}

// OutWord writes a 16-bit word to a port.
func (b *Bus) OutWord(port Port, val uint16) error {
	b.mut.Lock()
	dev := b.devices[port]
	b.mut.Unlock()

	wd, ok := dev.(PortWordDevice)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoPort, uint16(port))
	}

	return wd.OutPortWord(port, val)
}

// CPU holds the small amount of processor state that lives outside the trap frame: the
// control-register that points at the current address space's top-level page table, the
// interrupt-mask depth, and the run flag that Halt clears.
//
// There is exactly one CPU per kernel: no SMP, no per-CPU state.
type CPU struct {
	cr3     uint64 // Physical address of the current top-level page table.
	masked  int32  // Nesting depth of interrupt masking; >0 means interrupts are off.
	running int32  // 1 while the CPU is running; cleared by Halt.

	invalidated uint64 // Count of single-page TLB invalidations, for tests/stats.
	flushed     uint64 // Count of full CR3 reloads (which flush non-global entries).

	log *log.Logger
}

// NewCPU creates a CPU primitive block in the running state.
func NewCPU() *CPU {
	return &CPU{running: 1, log: log.DefaultLogger()}
}

// LoadCR3 installs a new top-level page table as current. This is the only operation that
// flushes non-global TLB entries in their entirety; for simplicity, single-page invalidation
// is used after every new mapping instead, to avoid paying that cost on every map call.
func (c *CPU) LoadCR3(phys uint64) {
	atomic.StoreUint64(&c.cr3, phys)
	atomic.AddUint64(&c.flushed, 1)
	c.log.Debug("cr3 loaded", "phys", fmt.Sprintf("%#x", phys))
}

// CR3 returns the physical address of the current top-level page table.
func (c *CPU) CR3() uint64 {
	return atomic.LoadUint64(&c.cr3)
}

// InvalidatePage flushes the TLB entry for exactly one virtual page.
func (c *CPU) InvalidatePage(virt uint64) {
	atomic.AddUint64(&c.invalidated, 1)
	c.log.Debug("tlb invalidate", "virt", fmt.Sprintf("%#x", virt))
}

// Mask disables interrupts by incrementing the mask depth.
// Masking nests: the CPU is unmasked only once every Mask call has a matching Unmask.
func (c *CPU) Mask() {
	atomic.AddInt32(&c.masked, 1)
}

// Unmask reverses one Mask call.
func (c *CPU) Unmask() {
	if atomic.AddInt32(&c.masked, -1) < 0 {
		atomic.StoreInt32(&c.masked, 0)
		panic("arch: unmask without matching mask")
	}
}

// InterruptsMasked reports whether interrupts are currently masked.
func (c *CPU) InterruptsMasked() bool {
	return atomic.LoadInt32(&c.masked) > 0
}

// Halt stops the CPU. Run loops observe this and return.
func (c *CPU) Halt() {
	atomic.StoreInt32(&c.running, 0)
}

// Running reports whether the CPU has not been halted.
func (c *CPU) Running() bool {
	return atomic.LoadInt32(&c.running) != 0
}

// Stats is a debugging snapshot of CPU primitive counters.
type Stats struct {
	CR3               uint64
	TLBInvalidations  uint64
	CR3Loads          uint64
	InterruptsMasked  bool
	Running           bool
}

// Stats returns a snapshot of the CPU primitive counters.
func (c *CPU) Stats() Stats {
	return Stats{
		CR3:              c.CR3(),
		TLBInvalidations: atomic.LoadUint64(&c.invalidated),
		CR3Loads:         atomic.LoadUint64(&c.flushed),
		InterruptsMasked: c.InterruptsMasked(),
		Running:          c.Running(),
	}
}
