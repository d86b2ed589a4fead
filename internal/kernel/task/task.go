// Package task implements the task model: task control blocks, the lifecycle state machine,
// kernel- and user-task construction, and the sleep queue, built atop the mem/pmm, mem/vmm and
// arch/gdt packages for frame, address-space, and segment-selector allocation; see DESIGN.md.
package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/arch/gdt"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/ram"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/vmm"
	"github.com/vulcan-os/vulcan/internal/kernel/trap"
	"github.com/vulcan-os/vulcan/internal/log"
)

// ID uniquely identifies a task for its lifetime.
type ID uint64

// State is a position in the lifecycle state machine.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Sleeping
	Zombie
	Dead
)

// Priority is a scheduling priority; equal priorities are scheduled round-robin.
type Priority uint8

const (
	kernelStackFrames = 4 // 16 KiB.
	userStackFrames   = 4 // 16 KiB.
	userCodeFrames    = 4 // 16 KiB.

	// rflagsInterruptsEnabled is the saved-flags value for a freshly constructed task: only the
	// interrupt-enable bit set, so every task starts with interrupts enabled.
	rflagsInterruptsEnabled = 0x202

	// User virtual layout, resolving the open design question: code is placed at a
	// low fixed base and the stack high in the lower half, both well below the upper-half
	// kernel mappings a new address space inherits from vmm.Manager.CreateSpace. Documented in
	// DESIGN.md rather than adopting the alternative 512 GiB/second-PML4-slot convention.
	UserCodeBase  = uint64(0x0000_0000_0040_0000)
	UserStackHigh = uint64(0x0000_0000_7000_0000)
)

var (
	// ErrNoSuchTask is returned by ByID/Kill for an unknown id.
	ErrNoSuchTask = errors.New("task: no such task")

	// ErrCodeTooLarge is returned when a user task's entry image does not fit the fixed code
	// region.
	ErrCodeTooLarge = errors.New("task: entry image exceeds user code region")
)

// TCB is a task control block.
type TCB struct {
	ID       ID
	Name     string
	Priority Priority
	Kernel   bool

	state   State
	stateMu sync.Mutex

	// AddressSpace is the top-level page-table frame this task runs under.
	AddressSpace pmm.Frame

	kernelStackBase pmm.Frame
	userStackBase   pmm.Frame
	userCodeBase    pmm.Frame

	// Saved is the task's saved trap frame, the complete context the scheduler restores when
	// this task is chosen.
	Saved trap.Frame

	WakeTick   uint64
	ExitCode   int
	TotalTicks uint64
}

// State returns the task's current lifecycle state.
func (t *TCB) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	return t.state
}

func (t *TCB) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// Manager owns every task and implements the lifecycle operations.
type Manager struct {
	mut sync.Mutex

	tasks  map[ID]*TCB
	nextID ID

	current *TCB

	pmm *pmm.Allocator
	vmm *vmm.Manager
	ram *ram.RAM
	gdt *gdt.Table

	log *log.Logger
}

// New creates a task manager atop the given physical/virtual memory managers and descriptor
// table.
func New(p *pmm.Allocator, v *vmm.Manager, r *ram.RAM, g *gdt.Table) *Manager {
	return &Manager{
		tasks: make(map[ID]*TCB),
		pmm:   p,
		vmm:   v,
		ram:   r,
		gdt:   g,
		log:   log.DefaultLogger(),
	}
}

// Init resets the task table. It exists to mirror the rest of the kernel's init() contract.
func (m *Manager) Init() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.tasks = make(map[ID]*TCB)
	m.nextID = 1
	m.current = nil
}

func (m *Manager) allocStack(frames int) (pmm.Frame, uint64, error) {
	base, err := m.pmm.AllocContiguous(frames)
	if err != nil {
		return 0, 0, fmt.Errorf("task: allocating stack: %w", err)
	}

	for i := 0; i < frames; i++ {
		m.ram.Zero(base + pmm.Frame(i))
	}

	top := vmm.DirectMap(base.Address()) + uint64(frames)*vmm.PageSize

	return base, top, nil
}

// CreateKernelTask builds a task running in the kernel's own address space.
func (m *Manager) CreateKernelTask(entry uint64, name string, priority Priority) (*TCB, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	stackBase, stackTop, err := m.allocStack(kernelStackFrames)
	if err != nil {
		return nil, err
	}

	id := m.nextID
	m.nextID++

	t := &TCB{
		ID:              id,
		Name:            name,
		Priority:        priority,
		Kernel:          true,
		state:           Ready,
		AddressSpace:    m.vmm.KernelTop(),
		kernelStackBase: stackBase,
		Saved: trap.Frame{
			RIP:    entry,
			RSP:    stackTop,
			CS:     gdt.KernelCodeSelector,
			SS:     gdt.KernelDataSelector,
			RFLAGS: rflagsInterruptsEnabled,
		},
	}

	m.tasks[id] = t
	m.log.Debug("kernel task created", "id", id, "name", name)

	return t, nil
}

// CreateUserTask builds a task in its own address space, with a copy of entryImage mapped at the
// fixed user code base and a dedicated user stack. Failure releases every resource acquired so
// far.
func (m *Manager) CreateUserTask(entryImage []byte, name string, priority Priority) (*TCB, error) {
	if uint64(len(entryImage)) > userCodeFrames*vmm.PageSize {
		return nil, ErrCodeTooLarge
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	kStackBase, _, err := m.allocStack(kernelStackFrames)
	if err != nil {
		return nil, err
	}

	uStackBase, err := m.pmm.AllocContiguous(userStackFrames)
	if err != nil {
		_ = m.pmm.FreeRange(kStackBase, kernelStackFrames)
		return nil, fmt.Errorf("task: allocating user stack: %w", err)
	}

	uCodeBase, err := m.pmm.AllocContiguous(userCodeFrames)
	if err != nil {
		_ = m.pmm.FreeRange(kStackBase, kernelStackFrames)
		_ = m.pmm.FreeRange(uStackBase, userStackFrames)
		return nil, fmt.Errorf("task: allocating user code: %w", err)
	}

	space, err := m.vmm.CreateSpace()
	if err != nil {
		_ = m.pmm.FreeRange(kStackBase, kernelStackFrames)
		_ = m.pmm.FreeRange(uStackBase, userStackFrames)
		_ = m.pmm.FreeRange(uCodeBase, userCodeFrames)
		return nil, fmt.Errorf("task: creating address space: %w", err)
	}

	userStackVirt := UserStackHigh - userStackFrames*vmm.PageSize
	if err := m.vmm.MapRange(space, userStackVirt, uStackBase.Address(), userStackFrames,
		vmm.FlagPresent|vmm.FlagWritable|vmm.FlagUser); err != nil {
		_ = m.vmm.DestroySpace(space)
		_ = m.pmm.FreeRange(kStackBase, kernelStackFrames)
		_ = m.pmm.FreeRange(uStackBase, userStackFrames)
		_ = m.pmm.FreeRange(uCodeBase, userCodeFrames)
		return nil, fmt.Errorf("task: mapping user stack: %w", err)
	}

	if err := m.vmm.MapRange(space, UserCodeBase, uCodeBase.Address(), userCodeFrames,
		vmm.FlagPresent|vmm.FlagUser); err != nil {
		_ = m.vmm.DestroySpace(space)
		_ = m.pmm.FreeRange(kStackBase, kernelStackFrames)
		_ = m.pmm.FreeRange(uStackBase, userStackFrames)
		_ = m.pmm.FreeRange(uCodeBase, userCodeFrames)
		return nil, fmt.Errorf("task: mapping user code: %w", err)
	}

	for i := 0; i < userCodeFrames; i++ {
		m.ram.Zero(uCodeBase + pmm.Frame(i))
	}

	m.ram.WriteBytes(uCodeBase.Address(), entryImage)

	id := m.nextID
	m.nextID++

	t := &TCB{
		ID:              id,
		Name:            name,
		Priority:        priority,
		Kernel:          false,
		state:           Ready,
		AddressSpace:    space,
		kernelStackBase: kStackBase,
		userStackBase:   uStackBase,
		userCodeBase:    uCodeBase,
		Saved: trap.Frame{
			RIP:    UserCodeBase,
			RSP:    UserStackHigh,
			CS:     gdt.UserCodeSelector,
			SS:     gdt.UserDataSelector,
			RFLAGS: rflagsInterruptsEnabled,
		},
	}

	m.tasks[id] = t
	m.log.Debug("user task created", "id", id, "name", name)

	return t, nil
}

// MarkReady transitions a task to Ready. Exported for the scheduler package.
func (m *Manager) MarkReady(t *TCB) {
	t.setState(Ready)
}

// MarkBlocked transitions a task to Blocked. Exported for the scheduler package.
func (m *Manager) MarkBlocked(t *TCB) {
	t.setState(Blocked)
}

// Current returns the currently running task, or nil if none has been scheduled yet.
func (m *Manager) Current() *TCB {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.current
}

// SetCurrent records the task the scheduler has just switched to. Exported for the scheduler
// package, which owns the actual switch decision.
func (m *Manager) SetCurrent(t *TCB) {
	m.mut.Lock()
	m.current = t
	m.mut.Unlock()

	if t != nil {
		t.setState(Running)
	}
}

// ByID looks up a task by id.
func (m *Manager) ByID(id ID) (*TCB, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	t, ok := m.tasks[id]

	return t, ok
}

// List returns every known task, kernel and user, live and zombie.
func (m *Manager) List() []*TCB {
	m.mut.Lock()
	defer m.mut.Unlock()

	out := make([]*TCB, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}

	return out
}

// Exit transitions a task to Zombie. Resources are released only on Kill (the reap step), so a
// zombie's address space remains inspectable.
func (m *Manager) Exit(t *TCB, code int) {
	t.ExitCode = code
	t.setState(Zombie)
}

// Sleep transitions a task to Sleeping until a target tick.
func (m *Manager) Sleep(t *TCB, currentTick, ticks uint64) {
	t.WakeTick = currentTick + ticks
	t.setState(Sleeping)
}

// WakeExpired transitions every Sleeping task whose wake tick has arrived back to Ready.
func (m *Manager) WakeExpired(currentTick uint64) {
	m.mut.Lock()
	defer m.mut.Unlock()

	for _, t := range m.tasks {
		if t.State() == Sleeping && currentTick >= t.WakeTick {
			t.setState(Ready)
		}
	}
}

// Kill reaps a Zombie task, releasing its stacks, user code region, and (for user tasks) its
// address space, transitioning it Zombie -> Dead.
func (m *Manager) Kill(id ID) error {
	m.mut.Lock()
	t, ok := m.tasks[id]
	m.mut.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrNoSuchTask, id)
	}

	_ = m.pmm.FreeRange(t.kernelStackBase, kernelStackFrames)

	if !t.Kernel {
		// The user stack and user code frames are mapped into the lower half of
		// t.AddressSpace; DestroySpace already walks every present lower-half leaf entry and
		// frees it, so freeing them again here would double-free.
		_ = m.vmm.DestroySpace(t.AddressSpace)
	}

	t.setState(Dead)

	m.mut.Lock()
	if m.current == t {
		m.current = nil
	}
	m.mut.Unlock()

	return nil
}
