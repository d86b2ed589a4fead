package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vulcan-os/vulcan/internal/bootimg"
	"github.com/vulcan-os/vulcan/internal/cli"
	"github.com/vulcan-os/vulcan/internal/console"
	"github.com/vulcan-os/vulcan/internal/kernel"
	"github.com/vulcan-os/vulcan/internal/kernel/task"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Boot is the command that brings up a kernel instance and runs it, through this kernel's
// Config/New/Run sequence.
//
//	vulcan boot [-ram bytes] [-hz n] [-disk path] [-init file] [-console] [-timeout d]
func Boot() cli.Command {
	return &boot{ram: 64 << 20, hz: 100, timeout: 10 * time.Second}
}

type boot struct {
	debug     bool
	console   bool
	ram       uint64
	hz        uint64
	diskImage string
	initImage string
	timeout   time.Duration
}

func (boot) Description() string {
	return "boot a kernel instance"
}

func (boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `boot [-ram bytes] [-hz n] [-disk file] [-init file] [-console] [-timeout d]

Boots a kernel instance: physical memory, paging, heap, traps, scheduler, and
(if -disk is given) a block device formatted with the in-tree filesystem. If
-init is given, its bootimg-encoded segments are loaded into a user task's
code region and scheduled to run. Runs until -timeout elapses or the kernel
halts.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.console, "console", false, "attach an interactive console on stdio")
	fs.Uint64Var(&b.ram, "ram", b.ram, "simulated RAM size in bytes")
	fs.Uint64Var(&b.hz, "hz", b.hz, "timer frequency in Hz")
	fs.StringVar(&b.diskImage, "disk", "", "path to a disk image to attach as hda")
	fs.StringVar(&b.initImage, "init", "", "path to a bootimg-encoded init program")
	fs.DurationVar(&b.timeout, "timeout", b.timeout, "how long to run before stopping")

	return fs
}

// loadInitImage decodes a bootimg-encoded file into a single flat buffer suitable for
// task.CreateUserTask, relocating each segment from its recorded base address to an offset from
// task.UserCodeBase.
func loadInitImage(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read init image: %w", err)
	}

	var enc bootimg.HexEncoding
	if err := enc.UnmarshalText(raw); err != nil {
		return nil, fmt.Errorf("decode init image: %w", err)
	}

	var size uint64

	for _, seg := range enc.Segments() {
		if seg.Base < task.UserCodeBase {
			return nil, fmt.Errorf("init image: segment base %#x below user code base %#x", seg.Base, task.UserCodeBase)
		}

		end := seg.Base - task.UserCodeBase + uint64(len(seg.Data))
		if end > size {
			size = end
		}
	}

	image := make([]byte, size)

	for _, seg := range enc.Segments() {
		off := seg.Base - task.UserCodeBase
		copy(image[off:], seg.Data)
	}

	return image, nil
}

// Run boots and runs a kernel instance until it halts or the timeout expires.
func (b *boot) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	cfg := kernel.DefaultConfig()
	cfg.RAMBytes = b.ram
	cfg.TimerHz = b.hz

	if b.diskImage != "" {
		cfg.DiskImages = []string{b.diskImage}
	}

	if b.initImage != "" {
		image, err := loadInitImage(b.initImage)
		if err != nil {
			logger.Error("boot failed", "err", err)
			return 1
		}

		cfg.InitImage = image
	}

	var opts []kernel.OptionFn
	if b.console {
		opts = append(opts, console.WithConsole(ctx))
	}

	k, err := kernel.New(cfg, opts...)
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 1
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	logger.Info("kernel booted", "ram_bytes", cfg.RAMBytes, "timer_hz", cfg.TimerHz)

	err = k.Run(runCtx)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Info("boot: timeout reached")
	case errors.Is(err, context.Canceled):
		logger.Info("boot: cancelled")
	case err != nil:
		logger.Error("boot: run error", "err", err)
		return 1
	}

	stats := k.Stats()
	fmt.Fprintf(out, "frames: used=%d free=%d total=%d\n",
		stats.Frames.Used, stats.Frames.Free, stats.Frames.Total)
	fmt.Fprintf(out, "heap:   used=%d free=%d total=%d\n",
		stats.Heap.Used, stats.Heap.Free, stats.Heap.Total)
	fmt.Fprintf(out, "ticks:  %d (%dms uptime)\n", stats.Ticks, stats.UptimeMs)
	fmt.Fprintf(out, "panicked: %v\n", stats.Panicked)

	if stats.Panicked {
		return 2
	}

	return 0
}
