// Package kernel assembles the C1-C14 components into one running system: the
// glue type that owns every subsystem, wires their cross-references in the right order, and
// exposes the two chokepoints the rest of the tree calls into -- Panic for the Fatal error
// class, and Stats for the diagnostic snapshot cmd/vulcan's console prints.
//
// Construction runs through a two-phase OptionFn hook: options run "early" (before any subsystem
// Init), each subsystem is then initialized in dependency order, and options run "late" once
// everything is live. Early options can override a subsystem's construction (a test substituting
// a smaller RAM); late options run once every subsystem is live (registering syscall handlers
// that close over the fully-wired Kernel).
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vulcan-os/vulcan/internal/kernel/arch"
	"github.com/vulcan-os/vulcan/internal/kernel/arch/gdt"
	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/kernel/blkdev/ata"
	"github.com/vulcan-os/vulcan/internal/kernel/fs/inodefs"
	"github.com/vulcan-os/vulcan/internal/kernel/irq"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/heap"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/ram"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/vmm"
	"github.com/vulcan-os/vulcan/internal/kernel/sched"
	"github.com/vulcan-os/vulcan/internal/kernel/syscall"
	"github.com/vulcan-os/vulcan/internal/kernel/task"
	"github.com/vulcan-os/vulcan/internal/kernel/trap"
	"github.com/vulcan-os/vulcan/internal/kernel/vfs"
	"github.com/vulcan-os/vulcan/internal/log"
)

// KernelHeapBase is the fixed virtual address the kernel heap's arena begins at, chosen well
// clear of vmm.HigherHalfBase's direct map of all physical memory so the two regions never
// collide as the heap grows.
const KernelHeapBase = vmm.HigherHalfBase + 0x1000_0000_0000

// Config carries the boot-time parameters a reference configuration leaves open -- RAM size,
// timer frequency, PIC vector offsets -- plumbed in by cmd/vulcan's boot subcommand flags rather
// than hardcoded.
type Config struct {
	RAMBytes        uint64
	TimerHz         uint64
	PICOffsetMaster uint8
	PICOffsetSlave  uint8
	InitialHeap     uint64
	DiskImages      []string

	// InitImage, if non-empty, is copied into a freshly created user task's code region (see
	// task.CreateUserTask) and enrolled in the scheduler, giving the booted kernel something
	// other than the idle task to run. cmd/vulcan's boot subcommand decodes this from a
	// bootimg-encoded file passed via -init.
	InitImage []byte
}

// DefaultConfig is the reference configuration used when cmd/vulcan is run with no flags.
func DefaultConfig() Config {
	return Config{
		RAMBytes:        64 * 1024 * 1024,
		TimerHz:         100,
		PICOffsetMaster: 0x20,
		PICOffsetSlave:  0x28,
		InitialHeap:     1 * 1024 * 1024,
	}
}

// Kernel owns every subsystem and is the single value an OptionFn, a syscall handler, or
// cmd/vulcan closes over.
type Kernel struct {
	mut sync.Mutex

	Config Config

	CPU   *arch.CPU
	Bus   *arch.Bus
	RAM   *ram.RAM
	PMM   *pmm.Allocator
	VMM   *vmm.Manager
	Heap  *heap.Heap
	GDT   *gdt.Table
	Traps *trap.Table
	PIC   *irq.Controller
	Timer *irq.Timer
	Tasks *task.Manager
	Sched *sched.Scheduler
	Calls *syscall.Dispatcher
	VFS   *vfs.VFS
	Disks *blkdev.Registry
	ATA   *ata.Controller

	Keyboard *Keyboard
	Display  *Display

	panicked bool

	log *log.Logger
}

// OptionFn customizes a Kernel during New. Each function runs twice: once with late=false
// immediately after construction (before any subsystem's Init), and once more with late=true
// after every subsystem is wired and initialized.
type OptionFn func(k *Kernel, late bool)

// New builds and wires every subsystem in dependency order: CPU/bus (C1), then PMM/RAM (C2),
// VMM atop them (C3), heap atop VMM (C4), GDT (C5), trap table (C6), PIC+timer (C7), tasks atop
// PMM/VMM/GDT (C8), scheduler atop tasks (C9), syscalls (C10), VFS (C11), block devices and the
// ATA controller (C12/C13). The syscall vector is registered against the live dispatcher, any
// configured disk image is formatted (if needed) and mounted at "/", and an optional init user
// task is created and enrolled in the scheduler.
func New(cfg Config, opts ...OptionFn) (*Kernel, error) {
	k := &Kernel{
		Config: cfg,
		CPU:    arch.NewCPU(),
		Bus:    arch.NewBus(),
		RAM:    ram.New(),
		PMM:    pmm.New(),
		GDT:    gdt.New(),
		Traps:  trap.New(),
		PIC:    irq.NewController(),
		Timer:  irq.NewTimer(),
		Calls:  syscall.New(),
		VFS:    vfs.New(),
		Disks:  blkdev.New(),
		ATA:    ata.New(),

		Keyboard: NewKeyboard(),
		Display:  NewDisplay(),

		log: log.DefaultLogger(),
	}

	k.Bus.Register(KeyboardDataPort, 1, k.Keyboard)
	k.Bus.Register(KeyboardStatusPort, 1, k.Keyboard)
	k.Bus.Register(DisplayDataPort, 1, k.Display)
	k.Bus.Register(DisplayStatusPort, 1, k.Display)

	k.VMM = vmm.New(k.RAM, k.PMM, k.CPU)
	k.Heap = heap.New(&heapMapper{k: k, next: KernelHeapBase})
	k.Tasks = task.New(k.PMM, k.VMM, k.RAM, k.GDT)
	k.Sched = sched.New(k.Tasks, k.VMM)

	for _, fn := range opts {
		fn(k, false)
	}

	kernelEnd := uint64(16 * 1024 * 1024) // Reserve the low 16 MiB for kernel image + bitmap headroom.

	k.PMM.Init(k.Config.RAMBytes, kernelEnd)

	if err := k.VMM.Init(); err != nil {
		return nil, fmt.Errorf("kernel: vmm init: %w", err)
	}

	initialHeap := k.Config.InitialHeap
	if initialHeap == 0 {
		initialHeap = DefaultConfig().InitialHeap
	}

	if err := k.Heap.Init(initialHeap); err != nil {
		return nil, fmt.Errorf("kernel: heap init: %w", err)
	}

	k.GDT.Init()
	k.Traps.Init()
	k.Traps.SetFatalHandler(k.onFatal)

	k.PIC.ControllerInit(k.Config.PICOffsetMaster, k.Config.PICOffsetSlave)

	timerHz := k.Config.TimerHz
	if timerHz == 0 {
		timerHz = DefaultConfig().TimerHz
	}

	k.Timer.Init(timerHz)
	k.Timer.OnTick(func() {
		k.Tasks.WakeExpired(k.Timer.TickCount())
	})

	timerVector := k.PIC.VectorFor(0)
	k.Traps.RegisterHandler(timerVector, func(frame *trap.Frame) {
		k.Sched.OnTimer(frame)
		k.PIC.SendEndOfInterrupt(0)
	})

	k.Tasks.Init()
	k.Sched.Init(sched.RoundRobin)
	k.Calls.Init()
	k.VFS.Init()
	k.Disks.Init()

	k.Traps.RegisterHandler(trap.SyscallVector, k.handleSyscall)
	k.registerSyscalls()

	if err := k.ATA.Init(k.Disks, k.Config.DiskImages); err != nil {
		return nil, fmt.Errorf("kernel: attach disks: %w", err)
	}

	if len(k.Config.DiskImages) > 0 {
		if err := k.mountRoot(); err != nil {
			return nil, err
		}
	}

	idle, err := k.Tasks.CreateKernelTask(0, "idle", task.Priority(255))
	if err != nil {
		return nil, fmt.Errorf("kernel: create idle task: %w", err)
	}

	k.Sched.SetIdleTask(idle)

	if len(k.Config.InitImage) > 0 {
		initTask, err := k.Tasks.CreateUserTask(k.Config.InitImage, "init", task.Priority(128))
		if err != nil {
			return nil, fmt.Errorf("kernel: create init task: %w", err)
		}

		k.Sched.Add(initTask)
		k.Sched.Start()
	}

	for _, fn := range opts {
		fn(k, true)
	}

	k.log.Debug("kernel initialized", "ram_bytes", k.Config.RAMBytes, "timer_hz", timerHz)

	return k, nil
}

// onFatal is installed as the trap table's fatal handler: print diagnostics, mask interrupts,
// and halt, rather than letting the Go process crash out from under the simulation.
func (k *Kernel) onFatal(frame *trap.Frame, reason string) {
	k.Panic(frame, reason)
}

// Panic is the kernel's fatal path, reached through onFatal when the trap table finds no handler
// for a CPU exception. Heap corruption, double frees and construction errors are returned as
// errors by the packages and by New; they do not pass through here. It logs first, then
// masks interrupts and halts the simulated CPU; it never itself calls the Go panic builtin,
// since a Fatal trap is an expected, modeled outcome and not a bug in this program.
func (k *Kernel) Panic(frame *trap.Frame, reason string) {
	k.mut.Lock()
	k.panicked = true
	k.mut.Unlock()

	if frame != nil {
		k.log.Error("kernel panic",
			"reason", reason,
			"vector", frame.Vector,
			"error_code", frame.ErrorCode,
			"rip", fmt.Sprintf("%#x", frame.RIP),
			"cs", frame.CS,
			"address_space", fmt.Sprintf("%#x", frame.AddressSpace),
		)
	} else {
		k.log.Error("kernel panic", "reason", reason)
	}

	k.CPU.Mask()
	k.CPU.Halt()
}

// Panicked reports whether Panic has ever been called, for tests and the diagnostic console.
func (k *Kernel) Panicked() bool {
	k.mut.Lock()
	defer k.mut.Unlock()

	return k.panicked
}

// Run drives the kernel's timer at wall-clock intervals matching its configured frequency: every
// tick advances sleep/wake bookkeeping and fires the timer trap vector that drives preemption
// (wired in New). Run returns when the context is cancelled or the simulated CPU stops running,
// whichever happens first.
func (k *Kernel) Run(ctx context.Context) error {
	hz := k.Config.TimerHz
	if hz == 0 {
		hz = DefaultConfig().TimerHz
	}

	period := time.Second / time.Duration(hz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	k.log.Info("kernel running", "timer_hz", hz)

	for {
		select {
		case <-ctx.Done():
			k.log.Warn("kernel: cancelled")
			return ctx.Err()
		case <-ticker.C:
		}

		if !k.CPU.Running() {
			k.log.Info("kernel: halted")
			return nil
		}

		k.Timer.Tick()

		frame := &trap.Frame{
			Vector:       k.PIC.VectorFor(0),
			AddressSpace: k.VMM.CurrentTopTable().Address(),
		}

		k.Traps.Dispatch(frame)
	}
}

// Stats is a point-in-time "dump everything" diagnostic snapshot, aggregating every
// subsystem's own Stats into one structure for cmd/vulcan's stat and boot commands.
type Stats struct {
	Frames    pmm.Stats
	Heap      heap.Stats
	Sched     sched.Stats
	TaskCount map[task.State]int
	Ticks     uint64
	UptimeMs  uint64
	Panicked  bool
}

// Stats gathers the current state of every subsystem with a Stats method.
func (k *Kernel) Stats() Stats {
	counts := make(map[task.State]int)
	for _, t := range k.Tasks.List() {
		counts[t.State()]++
	}

	return Stats{
		Frames:    k.PMM.Stats(),
		Heap:      k.Heap.Stats(),
		Sched:     k.Sched.Stats(),
		TaskCount: counts,
		Ticks:     k.Timer.TickCount(),
		UptimeMs:  k.Timer.UptimeMs(),
		Panicked:  k.Panicked(),
	}
}

// heapMapper adapts mem/pmm and mem/vmm to heap.Mapper, growing the kernel heap's arena by
// allocating frames and mapping them at increasing virtual addresses starting at KernelHeapBase.
// Kept private to this package: heap is tested in isolation against its own fake Mapper, keeping
// the allocator free of any dependency on pmm/vmm.
type heapMapper struct {
	k    *Kernel
	next uint64
}

// Grow implements heap.Mapper.
func (m *heapMapper) Grow(n int) (uint64, error) {
	base := m.next

	for i := 0; i < n; i++ {
		frame, err := m.k.PMM.AllocOne()
		if err != nil {
			return 0, fmt.Errorf("kernel: heap grow: %w", err)
		}

		virt := m.next

		if err := m.k.VMM.Map(m.k.VMM.KernelTop(), virt, frame.Address(),
			vmm.FlagPresent|vmm.FlagWritable); err != nil {
			_ = m.k.PMM.FreeOne(frame)
			return 0, fmt.Errorf("kernel: heap grow: %w", err)
		}

		m.k.RAM.Zero(frame)
		m.next += pmm.FrameSize
	}

	return m.next - base, nil
}

// mountRoot opens the "hda" block device attached by ATA.Init as an in-tree filesystem,
// formatting it first if it does not already carry a valid superblock, and mounts it at "/".
func (k *Kernel) mountRoot() error {
	dev, ok := k.Disks.Lookup("hda")
	if !ok {
		return fmt.Errorf("kernel: mount: no disk attached as hda")
	}

	fs, err := inodefs.Create(dev)
	if errors.Is(err, inodefs.ErrBadMagic) {
		if err := inodefs.Format(dev); err != nil {
			return fmt.Errorf("kernel: format disk: %w", err)
		}

		fs, err = inodefs.Create(dev)
	}

	if err != nil {
		return fmt.Errorf("kernel: mount disk: %w", err)
	}

	k.VFS.Mount("/", fs)

	return nil
}

// handleSyscall is the trap handler registered for trap.SyscallVector: it hands the frame to the
// call dispatcher, which reads the call number from RAX and writes the result back into RAX, then
// reschedules if the call asked to give up the CPU (Yield) or left the calling task no longer
// Running (Exit, SleepMs) -- a registered HandlerFunc only sees decoded Args, not the trap frame
// the scheduler's switch needs, so that decision is made here rather than in syscall.Dispatcher.
func (k *Kernel) handleSyscall(frame *trap.Frame) {
	number := frame.Regs.RAX

	k.Calls.Dispatch(frame)

	cur := k.Tasks.Current()
	if cur == nil {
		return
	}

	if number == syscall.Yield || cur.State() != task.Running {
		k.Sched.Yield(frame)
	}
}

// registerSyscalls installs a handler for every call number this kernel actually services,
// against the real task, VFS, scheduler, and console state: Fork, Exec, Wait, Malloc, and Free
// are reserved call numbers the dispatcher leaves unregistered (see syscall.Dispatcher).
func (k *Kernel) registerSyscalls() {
	k.Calls.Register(syscall.Exit, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()
		if cur == nil {
			return -1
		}

		k.Tasks.Exit(cur, int(int64(args.A0)))
		k.Sched.Remove(cur)

		return 0
	})

	k.Calls.Register(syscall.Write, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()

		data, ok := k.readUserBytes(cur, args.A1, int(args.A2))
		if !ok {
			return -1
		}

		n, err := k.VFS.Write(int(args.A0), data)
		if err != nil {
			return -1
		}

		return int64(n)
	})

	k.Calls.Register(syscall.Read, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()

		buf := make([]byte, args.A2)

		n, err := k.VFS.Read(int(args.A0), buf)
		if err != nil {
			return -1
		}

		if !k.writeUserBytes(cur, args.A1, buf[:n]) {
			return -1
		}

		return int64(n)
	})

	k.Calls.Register(syscall.Open, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()

		path, ok := k.readUserBytes(cur, args.A0, int(args.A1))
		if !ok {
			return -1
		}

		fd, err := k.VFS.Open(string(path), int(args.A2))
		if err != nil {
			return -1
		}

		return int64(fd)
	})

	k.Calls.Register(syscall.Close, func(args syscall.Args) int64 {
		if err := k.VFS.Close(int(args.A0)); err != nil {
			return -1
		}

		return 0
	})

	k.Calls.Register(syscall.GetPID, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()
		if cur == nil {
			return -1
		}

		return int64(cur.ID)
	})

	k.Calls.Register(syscall.SleepMs, func(args syscall.Args) int64 {
		cur := k.Tasks.Current()
		if cur == nil {
			return -1
		}

		hz := k.Config.TimerHz
		if hz == 0 {
			hz = DefaultConfig().TimerHz
		}

		ticks := (args.A0*hz + 999) / 1000
		if ticks == 0 {
			ticks = 1
		}

		k.Tasks.Sleep(cur, k.Timer.TickCount(), ticks)

		return 0
	})

	k.Calls.Register(syscall.Yield, func(args syscall.Args) int64 {
		return 0
	})

	k.Calls.Register(syscall.UptimeMs, func(args syscall.Args) int64 {
		return int64(k.Timer.UptimeMs())
	})

	k.Calls.Register(syscall.GetChar, func(args syscall.Args) int64 {
		b, ok := k.Keyboard.Poll()
		if !ok {
			return -1
		}

		return int64(b)
	})

	k.Calls.Register(syscall.PutChar, func(args syscall.Args) int64 {
		k.Display.Write(rune(args.A0))
		return 0
	})
}

// readUserBytes copies n bytes starting at a user-space virtual address out of a task's address
// space, translating one page at a time. It returns false if any page in the span is unmapped;
// per syscall.HandlerFunc's documented gap, the address is trusted as-is and not checked for
// being genuinely user-accessible.
func (k *Kernel) readUserBytes(t *task.TCB, addr uint64, n int) ([]byte, bool) {
	if t == nil || n < 0 {
		return nil, false
	}

	out := make([]byte, 0, n)

	for len(out) < n {
		frame, ok := k.VMM.Translate(t.AddressSpace, addr)
		if !ok {
			return nil, false
		}

		pageOff := addr % vmm.PageSize
		chunk := int(vmm.PageSize - pageOff)

		if remain := n - len(out); chunk > remain {
			chunk = remain
		}

		buf := make([]byte, chunk)
		k.RAM.ReadBytes(frame.Address()+pageOff, buf)
		out = append(out, buf...)
		addr += uint64(chunk)
	}

	return out, true
}

// writeUserBytes is readUserBytes's inverse, copying data into a task's address space.
func (k *Kernel) writeUserBytes(t *task.TCB, addr uint64, data []byte) bool {
	if t == nil {
		return false
	}

	for len(data) > 0 {
		frame, ok := k.VMM.Translate(t.AddressSpace, addr)
		if !ok {
			return false
		}

		pageOff := addr % vmm.PageSize
		chunk := int(vmm.PageSize - pageOff)

		if chunk > len(data) {
			chunk = len(data)
		}

		k.RAM.WriteBytes(frame.Address()+pageOff, data[:chunk])
		data = data[chunk:]
		addr += uint64(chunk)
	}

	return true
}
