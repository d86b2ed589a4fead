package kernel_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel"
	"github.com/vulcan-os/vulcan/internal/kernel/task"
	"github.com/vulcan-os/vulcan/internal/kernel/trap"
)

func testConfig() kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.RAMBytes = 32 * 1024 * 1024
	cfg.InitialHeap = 64 * 1024

	return cfg
}

func TestNewWiresEverySubsystem(t *testing.T) {
	k, err := kernel.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	stats := k.Stats()

	if stats.Frames.Total == 0 {
		t.Error("want nonzero total frames")
	}

	if stats.TaskCount[task.Ready] != 1 {
		t.Errorf("want one ready task (idle), got %d", stats.TaskCount[task.Ready])
	}

	if stats.Panicked {
		t.Error("want a freshly built kernel to not be panicked")
	}
}

func TestOptionFnRunsEarlyAndLate(t *testing.T) {
	var earlySeen, lateSeen bool

	_, err := kernel.New(testConfig(), func(k *kernel.Kernel, late bool) {
		if late {
			lateSeen = true
		} else {
			earlySeen = true
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if !earlySeen || !lateSeen {
		t.Errorf("want both early and late option passes, got early=%v late=%v", earlySeen, lateSeen)
	}
}

func TestHeapGrowsThroughVMM(t *testing.T) {
	k, err := kernel.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	before := k.Stats().Frames.Used

	p, err := k.Heap.Alloc(256 * 1024)
	if err != nil {
		t.Fatal(err)
	}

	if p == 0 {
		t.Error("want a nonzero heap pointer")
	}

	after := k.Stats().Frames.Used
	if after <= before {
		t.Errorf("want frame usage to grow from heap allocation, before=%d after=%d", before, after)
	}
}

func TestPanicHaltsAndMarksPanicked(t *testing.T) {
	k, err := kernel.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if !k.CPU.Running() {
		t.Fatal("want cpu running before panic")
	}

	k.Panic(&trap.Frame{Vector: trap.VectorPageFault}, "test fault")

	if !k.Panicked() {
		t.Error("want Panicked() true after Panic")
	}

	if k.CPU.Running() {
		t.Error("want cpu halted after Panic")
	}
}

func TestUnhandledExceptionReachesPanic(t *testing.T) {
	k, err := kernel.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	k.Traps.Dispatch(&trap.Frame{Vector: trap.VectorGeneralProtect})

	if !k.Panicked() {
		t.Error("want an unregistered exception vector to reach the fatal handler")
	}
}
