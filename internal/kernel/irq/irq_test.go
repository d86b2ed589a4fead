package irq_test

import (
	"sync"
	"testing"
	"time"

	"github.com/vulcan-os/vulcan/internal/kernel/irq"
)

func TestControllerVectorRemap(t *testing.T) {
	c := irq.NewController()
	c.ControllerInit(0x20, 0x28)

	if got := c.VectorFor(0); got != 0x20 {
		t.Errorf("irq0: want 0x20, got %#x", got)
	}

	if got := c.VectorFor(8); got != 0x28 {
		t.Errorf("irq8: want 0x28, got %#x", got)
	}

	if got := c.VectorFor(9); got != 0x29 {
		t.Errorf("irq9: want 0x29, got %#x", got)
	}
}

func TestMaskUnmask(t *testing.T) {
	c := irq.NewController()
	c.ControllerInit(0x20, 0x28)

	if !c.Masked(0) {
		t.Error("expected lines masked after init")
	}

	c.Unmask(0)
	if c.Masked(0) {
		t.Error("expected line 0 unmasked")
	}

	c.Mask(0)
	if !c.Masked(0) {
		t.Error("expected line 0 masked again")
	}
}

func TestEndOfInterruptCounted(t *testing.T) {
	c := irq.NewController()
	c.ControllerInit(0x20, 0x28)
	c.SendEndOfInterrupt(0)
	c.SendEndOfInterrupt(1)

	if got := c.EndOfInterruptCount(); got != 2 {
		t.Errorf("want 2, got %d", got)
	}
}

func TestTimerTickCountAndUptime(t *testing.T) {
	tm := irq.NewTimer()
	tm.Init(100)

	for i := 0; i < 10; i++ {
		tm.Tick()
	}

	if got := tm.TickCount(); got != 10 {
		t.Errorf("ticks: want 10, got %d", got)
	}

	if got := tm.UptimeMs(); got != 100 {
		t.Errorf("uptime: want 100ms, got %d", got)
	}
}

func TestTimerOnTickCallback(t *testing.T) {
	tm := irq.NewTimer()
	tm.Init(100)

	var mut sync.Mutex
	count := 0
	tm.OnTick(func() {
		mut.Lock()
		count++
		mut.Unlock()
	})

	tm.Tick()
	tm.Tick()

	mut.Lock()
	defer mut.Unlock()
	if count != 2 {
		t.Errorf("want callback invoked 2 times, got %d", count)
	}
}

func TestSleepMsZeroReturnsImmediately(t *testing.T) {
	tm := irq.NewTimer()
	tm.Init(100)

	done := make(chan struct{})
	go func() {
		tm.SleepMs(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep_ms(0) did not return immediately")
	}
}

func TestSleepMsWakesAfterTicks(t *testing.T) {
	tm := irq.NewTimer()
	tm.Init(100) // 10ms per tick.

	done := make(chan struct{})

	go func() {
		tm.SleepMs(25) // rounds up to 3 ticks.
		close(done)
	}()

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		tm.Tick()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper did not wake after enough ticks")
	}
}
