package kernel

import (
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/arch"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Simulated legacy port assignments for the console's keyboard and display devices, kept as
// documentation of which real ports these would occupy (8042 keyboard controller, COM1 serial),
// the same way arch.Bus's callers document ATA's port pairs -- nothing here performs real port
// I/O; internal/console drives these through Push/Listen instead of actual IN/OUT instructions.
const (
	KeyboardDataPort   arch.Port = 0x60
	KeyboardStatusPort arch.Port = 0x64
	DisplayDataPort    arch.Port = 0x3F8
	DisplayStatusPort  arch.Port = 0x3FD
)

// Keyboard is the simulated keyboard interrupt source: a small scan-code buffer that
// internal/console fills from the real controlling terminal and that a blocking GetChar syscall
// handler (or, eventually, IRQ1) drains.
type Keyboard struct {
	mut     sync.Mutex
	pending []byte

	log *log.Logger
}

// NewKeyboard returns an empty keyboard device.
func NewKeyboard() *Keyboard {
	return &Keyboard{log: log.DefaultLogger()}
}

// Push enqueues a scan code, as if a key had been pressed. Called by internal/console's terminal
// reader; never by simulated kernel code.
func (k *Keyboard) Push(b byte) {
	k.mut.Lock()
	defer k.mut.Unlock()

	k.pending = append(k.pending, b)
}

// Poll returns and removes the oldest pending scan code, if any.
func (k *Keyboard) Poll() (byte, bool) {
	k.mut.Lock()
	defer k.mut.Unlock()

	if len(k.pending) == 0 {
		return 0, false
	}

	b := k.pending[0]
	k.pending = k.pending[1:]

	return b, true
}

// InPort implements arch.PortDevice. Reading the data port pops the next scan code (0 if none is
// pending); reading the status port reports whether one is available, per the real 8042's
// "output buffer full" bit.
func (k *Keyboard) InPort(port arch.Port) (byte, error) {
	switch port {
	case KeyboardStatusPort:
		k.mut.Lock()
		ready := len(k.pending) > 0
		k.mut.Unlock()

		if ready {
			return 1, nil
		}

		return 0, nil
	default:
		b, _ := k.Poll()
		return b, nil
	}
}

// OutPort implements arch.PortDevice. The simulated keyboard controller accepts no commands this
// kernel issues; writes are logged and discarded.
func (k *Keyboard) OutPort(port arch.Port, val byte) error {
	k.log.Debug("keyboard: command port write ignored", "port", port, "val", val)
	return nil
}

// Display is the simulated diagnostic sink a real VGA text buffer or serial port would be:
// characters written to its data port are fanned out to every registered listener, the way
// internal/console's terminal writer consumes them.
type Display struct {
	mut       sync.Mutex
	listeners []func(rune)

	log *log.Logger
}

// NewDisplay returns an empty display device.
func NewDisplay() *Display {
	return &Display{log: log.DefaultLogger()}
}

// Listen registers a callback invoked for every character written to the display.
func (d *Display) Listen(fn func(rune)) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.listeners = append(d.listeners, fn)
}

// Write pushes one character to every listener, as if the kernel had written it to the display
// port directly (the path kernel code should use, rather than going through simulated port I/O).
func (d *Display) Write(r rune) {
	d.mut.Lock()
	fns := append([]func(rune){}, d.listeners...)
	d.mut.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}

// InPort implements arch.PortDevice. The status port always reports ready; the simulation never
// models output-buffer-full backpressure.
func (d *Display) InPort(port arch.Port) (byte, error) {
	if port == DisplayStatusPort {
		return 1, nil
	}

	return 0, nil
}

// OutPort implements arch.PortDevice: a write to the data port is a display write.
func (d *Display) OutPort(port arch.Port, val byte) error {
	if port == DisplayDataPort {
		d.Write(rune(val))
	}

	return nil
}
