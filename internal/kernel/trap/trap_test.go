package trap_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/trap"
)

func TestRegisteredHandlerIsInvoked(t *testing.T) {
	tbl := trap.New()
	tbl.Init()

	var got *trap.Frame

	tbl.RegisterHandler(0x80, func(f *trap.Frame) { got = f })

	f := &trap.Frame{Vector: 0x80}
	tbl.Dispatch(f)

	if got != f {
		t.Error("handler was not invoked with the dispatched frame")
	}
}

func TestUnregisteredExceptionIsFatal(t *testing.T) {
	tbl := trap.New()
	tbl.Init()

	var reason string
	var called bool

	tbl.SetFatalHandler(func(f *trap.Frame, r string) {
		called = true
		reason = r
	})

	tbl.Dispatch(&trap.Frame{Vector: trap.VectorDivideError})

	if !called {
		t.Fatal("expected fatal handler to be invoked")
	}

	if reason != "divide-error" {
		t.Errorf("want divide-error, got %q", reason)
	}
}

func TestUnregisteredExternalVectorLogsAndReturns(t *testing.T) {
	tbl := trap.New()
	tbl.Init()

	called := false
	tbl.SetFatalHandler(func(*trap.Frame, string) { called = true })

	// Must not panic and must not invoke the fatal handler.
	tbl.Dispatch(&trap.Frame{Vector: 40})

	if called {
		t.Error("external vector should not be treated as fatal")
	}
}

func TestPageFaultErrorDecoded(t *testing.T) {
	info := trap.DecodePageFaultError(0x6) // write=1, present=0(not-present), user=1

	if info.Present {
		t.Error("expected not-present fault")
	}

	if !info.Write {
		t.Error("expected write fault")
	}

	if !info.User {
		t.Error("expected user-mode fault")
	}
}

func TestUnregisterRemovesHandler(t *testing.T) {
	tbl := trap.New()
	tbl.Init()

	calls := 0
	tbl.RegisterHandler(0x21, func(*trap.Frame) { calls++ })
	tbl.Dispatch(&trap.Frame{Vector: 0x21})
	tbl.UnregisterHandler(0x21)
	tbl.Dispatch(&trap.Frame{Vector: 0x21}) // Now unhandled; external vector range, logs only.

	if calls != 1 {
		t.Errorf("want 1 call, got %d", calls)
	}
}
