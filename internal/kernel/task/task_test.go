package task_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/arch/gdt"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/ram"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/vmm"
	"github.com/vulcan-os/vulcan/internal/kernel/task"
)

type fakeCPU struct{ cr3 uint64 }

func (f *fakeCPU) LoadCR3(phys uint64)        { f.cr3 = phys }
func (f *fakeCPU) CR3() uint64                { return f.cr3 }
func (f *fakeCPU) InvalidatePage(virt uint64) {}

func newManager(t *testing.T) *task.Manager {
	t.Helper()

	p := pmm.New()
	p.Init(64*1024*1024, 0x10000)

	r := ram.New()
	v := vmm.New(r, p, &fakeCPU{})
	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	g := gdt.New()
	g.Init()

	m := task.New(p, v, r, g)
	m.Init()

	return m
}

func TestCreateKernelTask(t *testing.T) {
	m := newManager(t)

	tcb, err := m.CreateKernelTask(0xffff_8000_0020_0000, "idle", 0)
	if err != nil {
		t.Fatalf("create kernel task: %s", err)
	}

	if tcb.State() != task.Ready {
		t.Errorf("want Ready, got %s", tcb.State())
	}

	if tcb.Saved.CS != gdt.KernelCodeSelector {
		t.Errorf("want kernel code selector, got %#x", tcb.Saved.CS)
	}

	if tcb.Saved.RSP == 0 {
		t.Error("expected non-zero stack pointer")
	}
}

func TestCreateUserTask(t *testing.T) {
	m := newManager(t)

	code := []byte{0x90, 0x90, 0xcc} // Arbitrary bytes; this simulation never executes them.

	tcb, err := m.CreateUserTask(code, "init", 1)
	if err != nil {
		t.Fatalf("create user task: %s", err)
	}

	if tcb.Saved.CS != gdt.UserCodeSelector {
		t.Errorf("want user code selector, got %#x", tcb.Saved.CS)
	}

	if tcb.Saved.RIP != task.UserCodeBase {
		t.Errorf("want rip=%#x, got %#x", task.UserCodeBase, tcb.Saved.RIP)
	}
}

func TestCreateUserTaskTooLarge(t *testing.T) {
	m := newManager(t)

	big := make([]byte, 64*1024)

	if _, err := m.CreateUserTask(big, "too-big", 0); err == nil {
		t.Error("expected error for oversized entry image")
	}
}

func TestExitSleepWakeLifecycle(t *testing.T) {
	m := newManager(t)

	tcb, err := m.CreateKernelTask(0x1000, "worker", 0)
	if err != nil {
		t.Fatal(err)
	}

	m.Sleep(tcb, 10, 5)
	if tcb.State() != task.Sleeping {
		t.Fatalf("want Sleeping, got %s", tcb.State())
	}

	m.WakeExpired(14)
	if tcb.State() != task.Sleeping {
		t.Fatalf("should still be sleeping before wake tick, got %s", tcb.State())
	}

	m.WakeExpired(15)
	if tcb.State() != task.Ready {
		t.Fatalf("want Ready after wake tick, got %s", tcb.State())
	}

	m.Exit(tcb, 0)
	if tcb.State() != task.Zombie {
		t.Fatalf("want Zombie, got %s", tcb.State())
	}

	if err := m.Kill(tcb.ID); err != nil {
		t.Fatalf("kill: %s", err)
	}

	if tcb.State() != task.Dead {
		t.Fatalf("want Dead, got %s", tcb.State())
	}
}

func TestKillUnknownTask(t *testing.T) {
	m := newManager(t)

	if err := m.Kill(999); err == nil {
		t.Error("expected error killing unknown task")
	}
}

func TestKillReleasesUserTaskResources(t *testing.T) {
	m := newManager(t)

	tcb, err := m.CreateUserTask([]byte("hi"), "u", 0)
	if err != nil {
		t.Fatal(err)
	}

	m.Exit(tcb, 0)

	if err := m.Kill(tcb.ID); err != nil {
		t.Fatalf("kill: %s", err)
	}
}
