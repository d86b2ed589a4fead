package syscall_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/syscall"
	"github.com/vulcan-os/vulcan/internal/kernel/trap"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	d := syscall.New()
	d.Init()

	var got syscall.Args

	d.Register(syscall.GetPID, func(a syscall.Args) int64 {
		got = a
		return 42
	})

	f := &trap.Frame{}
	f.Regs.RAX = syscall.GetPID
	f.Regs.RDI = 7

	d.Dispatch(f)

	if f.Regs.RAX != 42 {
		t.Errorf("want return 42, got %d", f.Regs.RAX)
	}

	if got.A0 != 7 {
		t.Errorf("want arg0 7, got %d", got.A0)
	}
}

// TestUnregisteredCallReturnsNegativeOne checks that for every call number outside the
// registered set, dispatch returns -1 and invokes no handler.
func TestUnregisteredCallReturnsNegativeOne(t *testing.T) {
	d := syscall.New()
	d.Init()

	called := false
	d.Register(syscall.Exit, func(syscall.Args) int64 {
		called = true
		return 0
	})

	f := &trap.Frame{}
	f.Regs.RAX = syscall.Read // Registered nowhere in this test.

	d.Dispatch(f)

	if int64(f.Regs.RAX) != -1 {
		t.Errorf("want -1, got %d", int64(f.Regs.RAX))
	}

	if called {
		t.Error("no handler should have been invoked")
	}
}

func TestOutOfRangeCallReturnsNegativeOne(t *testing.T) {
	d := syscall.New()
	d.Init()

	f := &trap.Frame{}
	f.Regs.RAX = 9999

	d.Dispatch(f)

	if int64(f.Regs.RAX) != -1 {
		t.Errorf("want -1, got %d", int64(f.Regs.RAX))
	}
}

func TestArgsFromFrameMapping(t *testing.T) {
	f := &trap.Frame{}
	f.Regs.RDI = 1
	f.Regs.RSI = 2
	f.Regs.RDX = 3
	f.Regs.R10 = 4
	f.Regs.R8 = 5

	args := syscall.ArgsFromFrame(f)

	if args.A0 != 1 || args.A1 != 2 || args.A2 != 3 || args.A3 != 4 || args.A4 != 5 {
		t.Errorf("unexpected args: %+v", args)
	}
}
