// Package pmm implements the physical frame allocator: a single flat bitmap over
// all of physical RAM, one bit per 4 KiB frame.
//
// The design is deliberately the simplest thing that can work: first-fit bitmap scan, no
// buddy system, no free lists. The bitmap itself uses the same bit-twiddling style as other
// flag fields in this tree (mask constants, shift-and-mask accessors), generalized from a
// single register to an arbitrarily long slice of words.
package pmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/log"
)

// FrameSize is the fixed size of a physical frame.
const FrameSize = 4096

// Frame identifies a physical frame by its index, not its byte address. Address = Frame *
// FrameSize. Using an index instead of an address keeps the bitmap math free of the shift
// everywhere and gives every caller a type distinct from a raw virtual or physical address, per
// the "distinguish address flavors" design note.
type Frame uint64

// Address returns the physical byte address of the frame.
func (f Frame) Address() uint64 { return uint64(f) * FrameSize }

// FromAddress returns the frame containing a physical address, rounding down.
func FromAddress(addr uint64) Frame { return Frame(addr / FrameSize) }

var (
	// ErrOutOfFrames is returned when no free frame satisfies a request. Per 
	// this is the entirety of the allocator's failure model: no retry, no reservation.
	ErrOutOfFrames = errors.New("pmm: out of frames")

	// ErrDoubleFree is returned when freeing a frame that is already free: a caller bug that
	// must be reported, not silently ignored or corrupted past.
	ErrDoubleFree = errors.New("pmm: double free")

	// ErrOutOfRange is returned for any frame index outside the managed range.
	ErrOutOfRange = errors.New("pmm: frame out of range")
)

// Allocator is the bitmap frame allocator. The zero value is not usable; call Init.
type Allocator struct {
	mut sync.Mutex

	bitmap []uint64 // One bit per frame; 1 == used.
	total  uint64   // Total managed frames.
	used   uint64   // Currently allocated frames.

	// scanFrom remembers where the last first-fit scan stopped, purely as an optimization; it
	// does not change the worst-case O(total) bound the allocator promises.
	scanFrom uint64

	log *log.Logger
}

// New creates an allocator. Init must be called before use.
func New() *Allocator {
	return &Allocator{log: log.DefaultLogger()}
}

// Init configures the bitmap for a given amount of physical memory and marks the frames occupied
// by the kernel image, the bitmap's own backing storage, and frame 0 as used,// (c).
func (a *Allocator) Init(totalMemory, kernelEnd uint64) {
	a.mut.Lock()
	defer a.mut.Unlock()

	a.total = totalMemory / FrameSize
	words := (a.total + 63) / 64
	a.bitmap = make([]uint64, words)
	a.used = 0

	// Frame 0 holds the real-mode IVT and BIOS data area on real hardware; we keep the
	// convention as a reserved, always-used frame.
	a.markUsedLocked(0, 1)

	// The kernel image occupies [0, kernelEnd).
	kernelFrames := (kernelEnd + FrameSize - 1) / FrameSize
	if kernelFrames > 0 {
		a.markUsedLocked(0, kernelFrames)
	}

	// The bitmap's own backing storage sits immediately after the kernel image in this
	// simulation (the allocator never allocates memory for itself from itself).
	bitmapBytes := uint64(len(a.bitmap)) * 8
	bitmapFrames := (bitmapBytes + FrameSize - 1) / FrameSize
	a.markUsedLocked(kernelFrames, bitmapFrames)

	a.log.Debug("pmm initialized",
		"total_frames", a.total,
		"kernel_frames", kernelFrames,
		"bitmap_frames", bitmapFrames,
	)
}

func (a *Allocator) bitSet(f uint64) bool {
	return a.bitmap[f/64]&(1<<(f%64)) != 0
}

func (a *Allocator) setBit(f uint64) {
	a.bitmap[f/64] |= 1 << (f % 64)
}

func (a *Allocator) clearBit(f uint64) {
	a.bitmap[f/64] &^= 1 << (f % 64)
}

func (a *Allocator) markUsedLocked(base, n uint64) {
	for i := base; i < base+n && i < a.total; i++ {
		if !a.bitSet(i) {
			a.setBit(i)
			a.used++
		}
	}
}

// MarkUsed marks a range of frames as used unconditionally, e.g. for memory reserved by the
// boot loader's memory map.
func (a *Allocator) MarkUsed(base Frame, n int) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	if uint64(base)+uint64(n) > a.total {
		return fmt.Errorf("%w: %d+%d > %d", ErrOutOfRange, base, n, a.total)
	}

	a.markUsedLocked(uint64(base), uint64(n))

	return nil
}

// AllocOne allocates a single frame using first-fit, O(total frames) worst case.
func (a *Allocator) AllocOne() (Frame, error) {
	a.mut.Lock()
	defer a.mut.Unlock()

	for i := uint64(0); i < a.total; i++ {
		f := (a.scanFrom + i) % a.total
		if !a.bitSet(f) {
			a.setBit(f)
			a.used++
			a.scanFrom = f + 1

			return Frame(f), nil
		}
	}

	return 0, ErrOutOfFrames
}

// AllocContiguous allocates n contiguous frames using a sliding window that advances past any
// used bit encountered mid-window.
func (a *Allocator) AllocContiguous(n int) (Frame, error) {
	a.mut.Lock()
	defer a.mut.Unlock()

	if n <= 0 {
		return 0, fmt.Errorf("%w: non-positive length %d", ErrOutOfRange, n)
	}

	count := uint64(n)
	start := uint64(0)
	run := uint64(0)

	for i := uint64(0); i < a.total; i++ {
		if a.bitSet(i) {
			run = 0
			start = i + 1

			continue
		}

		run++
		if run == count {
			for f := start; f < start+count; f++ {
				a.setBit(f)
			}

			a.used += count

			return Frame(start), nil
		}
	}

	return 0, ErrOutOfFrames
}

// FreeOne releases a single frame. Freeing an already-free frame is a contract violation per
// ; it is reported as ErrDoubleFree, never silently ignored.
func (a *Allocator) FreeOne(f Frame) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	if uint64(f) >= a.total {
		return fmt.Errorf("%w: %d", ErrOutOfRange, f)
	}

	if !a.bitSet(uint64(f)) {
		a.log.Error("double free detected", "frame", uint64(f))
		return fmt.Errorf("%w: frame %d", ErrDoubleFree, f)
	}

	a.clearBit(uint64(f))
	a.used--

	if uint64(f) < a.scanFrom {
		a.scanFrom = uint64(f)
	}

	return nil
}

// FreeRange releases n contiguous frames starting at base.
func (a *Allocator) FreeRange(base Frame, n int) error {
	for i := 0; i < n; i++ {
		if err := a.FreeOne(base + Frame(i)); err != nil {
			return err
		}
	}

	return nil
}

// Stats reports the allocator's current utilization, satisfying the invariant:
// used + free == total at all times.
type Stats struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// Stats returns a point-in-time snapshot of frame utilization.
func (a *Allocator) Stats() Stats {
	a.mut.Lock()
	defer a.mut.Unlock()

	return Stats{Total: a.total, Used: a.used, Free: a.total - a.used}
}
