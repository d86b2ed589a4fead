// Package console provides the kernel's interactive terminal console: a goroutine-per-direction
// bridge (read the controlling terminal, feed the keyboard device; listen on the display device,
// write the terminal) over the real streams, driving kernel.Keyboard/kernel.Display.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/vulcan-os/vulcan/internal/kernel"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console is a serial console for the kernel simulated using Unix terminal I/O (tty(4),
// termios(4)). It adapts the kernel's simulated keyboard and display devices for use on
// contemporary systems: keys pressed on the console are copied to the keyboard device; writes to
// the display device are echoed on the terminal.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh  chan uint8
	termCh chan rune
}

// ErrNoTTY is returned if standard input is not a terminal. Asynchronous console I/O is not
// supported in that case -- cmd/vulcan falls back to running headless.
var ErrNoTTY error = errors.New("console: not a TTY")

// WithConsole returns a kernel.OptionFn that attaches an interactive console to the standard
// streams during late init. If standard input is not a terminal the option is a silent no-op, so
// headless boots (CI, disk-image tooling) are unaffected.
func WithConsole(parent context.Context) kernel.OptionFn {
	ctx, cause := context.WithCancelCause(parent)

	return func(k *kernel.Kernel, late bool) {
		if !late {
			return
		}

		cons, err := NewConsole(os.Stdin, os.Stdout, os.Stderr)
		if err != nil {
			cause(err)
			return
		}

		go cons.readTerminal(ctx, cause)
		go cons.updateKeyboard(ctx, k.Keyboard, cause)
		go cons.updateDisplay(ctx, k.Display, cause)
	}
}

// NewConsole creates a Console using the provided streams. If the input stream is not a
// terminal, ErrNoTTY is returned. Callers are responsible for calling Restore to return the
// terminal to its initial state.
func NewConsole(sin, sout, serr *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		fd:     fd,
		in:     sin,
		out:    term.NewTerminal(sin, ""),
		state:  saved,
		keyCh:  make(chan uint8, 1),
		termCh: make(chan rune, 80),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// Press injects a key press into the input stream, for tests.
func (c Console) Press(key byte) {
	c.keyCh <- key
}

// Writer returns an io.Writer that writes to the terminal.
func (c Console) Writer() io.Writer {
	return c.out
}

// Restore returns the terminal to its initial state and cancels in-progress reads.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and writes them to the key channel until the
// context is cancelled.
func (c Console) readTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}

// updateKeyboard takes keys from the key channel and pushes each into the kernel's simulated
// keyboard device until the context is cancelled.
func (c Console) updateKeyboard(ctx context.Context, kbd *kernel.Keyboard, _ context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.keyCh:
			kbd.Push(key)
		}
	}
}

// updateDisplay listens for writes to the kernel's simulated display device and echoes them to
// the terminal.
func (c Console) updateDisplay(ctx context.Context, disp *kernel.Display, cancel context.CancelCauseFunc) {
	disp.Listen(func(char rune) {
		select {
		case <-ctx.Done():
		case c.termCh <- char:
		default:
			// Dropped: the terminal writer has fallen behind.
		}
	})

	for {
		select {
		case char := <-c.termCh:
			if _, err := fmt.Fprintf(c.out, "%c", char); err != nil {
				cancel(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
