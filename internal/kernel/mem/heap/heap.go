// Package heap implements the kernel heap: a single doubly-linked free list across
// one arena, first-fit, header-tagged, eagerly coalescing on free, growing by mapping additional
// frames through mem/pmm and mem/vmm when no free block fits.
//
// There is no single reference allocator to imitate line-for-line, so the header layout and
// coalescing algorithm are built from the block-header data model described in DESIGN.md.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/log"
)

// Pointer is a heap-allocated address, an offset into the heap's arena. The zero Pointer is NULL:
// it can never be returned by a successful allocation because the arena's first header occupies
// offset 0.
type Pointer uint64

// headerSize is the size, in bytes, of a block header: magic(4) + free(4) + size(8) + prev(8) +
// next(8), all 8-byte aligned so payloads that follow are too.
const headerSize = 32

const headerMagic = uint32(0x4845_4150) // "HEAP"

var (
	// ErrOutOfMemory is returned when the arena cannot grow to satisfy a request.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrCorrupt is returned when a header's magic tag is missing or the free-list is
	// inconsistent.
	ErrCorrupt = errors.New("heap: corrupt")

	// ErrDoubleFree is returned when freeing a block whose free flag is already set.
	ErrDoubleFree = errors.New("heap: double free")

	// ErrInvalidPointer is returned for a Pointer that does not address a live header.
	ErrInvalidPointer = errors.New("heap: invalid pointer")
)

// Mapper grows the heap's backing storage by mapping additional physical frames for a virtual
// extension of the arena. It is implemented by the kernel glue type wrapping mem/pmm and
// mem/vmm; keeping it as an interface here lets this package be tested without a real VMM.
type Mapper interface {
	// Grow maps n additional frames starting immediately after the current end of the heap's
	// virtual region and returns the number of bytes made available.
	Grow(n int) (uint64, error)
}

// Heap is the kernel's dynamic memory allocator.
type Heap struct {
	mut sync.Mutex

	mapper Mapper
	arena  []byte // Flat backing storage; grows in FrameSize-rounded chunks via mapper.Grow.
	head   Pointer // Header offset of the first block in arena order (not free-list order).

	used uint64
	free uint64

	log *log.Logger
}

// New creates an uninitialized heap. Call Init before use.
func New(mapper Mapper) *Heap {
	return &Heap{mapper: mapper, log: log.DefaultLogger()}
}

// Init reserves the initial arena and formats it as one large free block.
func (h *Heap) Init(initialSize uint64) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	if initialSize < headerSize {
		initialSize = headerSize * 4
	}

	h.arena = make([]byte, initialSize)
	h.head = 0
	h.free = initialSize

	hdr := blockHeader{magic: headerMagic, size: initialSize, free: true}
	h.writeHeader(0, hdr)

	h.log.Debug("heap initialized", "size", initialSize)

	return nil
}

// blockHeader is the in-memory (well, in-arena) representation's heap-block header.
type blockHeader struct {
	magic uint32
	free  bool
	size  uint64
	prev  Pointer
	next  Pointer

	hasPrev bool
	hasNext bool
}

const noSibling = ^uint64(0)

func (h *Heap) readHeader(off Pointer) (blockHeader, error) {
	if uint64(off)+headerSize > uint64(len(h.arena)) {
		return blockHeader{}, fmt.Errorf("%w: offset %#x", ErrInvalidPointer, off)
	}

	b := h.arena[off : off+headerSize]

	magic := binary.LittleEndian.Uint32(b[0:4])
	free := binary.LittleEndian.Uint32(b[4:8]) != 0
	size := binary.LittleEndian.Uint64(b[8:16])
	prev := binary.LittleEndian.Uint64(b[16:24])
	next := binary.LittleEndian.Uint64(b[24:32])

	if magic != headerMagic {
		return blockHeader{}, fmt.Errorf("%w: bad magic at %#x", ErrCorrupt, off)
	}

	hdr := blockHeader{magic: magic, free: free, size: size}
	if prev != noSibling {
		hdr.prev, hdr.hasPrev = Pointer(prev), true
	}

	if next != noSibling {
		hdr.next, hdr.hasNext = Pointer(next), true
	}

	return hdr, nil
}

func (h *Heap) writeHeader(off Pointer, hdr blockHeader) {
	b := h.arena[off : off+headerSize]

	binary.LittleEndian.PutUint32(b[0:4], headerMagic)

	var freeFlag uint32
	if hdr.free {
		freeFlag = 1
	}

	binary.LittleEndian.PutUint32(b[4:8], freeFlag)
	binary.LittleEndian.PutUint64(b[8:16], hdr.size)

	prev := noSibling
	if hdr.hasPrev {
		prev = uint64(hdr.prev)
	}

	next := noSibling
	if hdr.hasNext {
		next = uint64(hdr.next)
	}

	binary.LittleEndian.PutUint64(b[16:24], prev)
	binary.LittleEndian.PutUint64(b[24:32], next)
}

// minPayload is the smallest payload worth splitting a remainder block for; below this, the
// remainder is left attached to the allocated block instead.
const minPayload = 16

// Alloc allocates at least n bytes and returns a pointer to the payload, first-fit.
func (h *Heap) Alloc(n uint64) (Pointer, error) {
	return h.allocAligned(n, 8)
}

// AllocZeroed allocates n bytes and zeroes them.
func (h *Heap) AllocZeroed(n uint64) (Pointer, error) {
	p, err := h.Alloc(n)
	if err != nil {
		return 0, err
	}

	buf := h.Bytes(p, n)
	for i := range buf {
		buf[i] = 0
	}

	return p, nil
}

// AllocAligned allocates n bytes whose payload address is a multiple of align.
func (h *Heap) AllocAligned(n, align uint64) (Pointer, error) {
	return h.allocAligned(n, align)
}

func (h *Heap) allocAligned(n, align uint64) (Pointer, error) {
	if n == 0 {
		n = 1
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	for {
		if p, ok := h.tryAlloc(n, align); ok {
			return p, nil
		}

		if err := h.grow(n); err != nil {
			return 0, err
		}
	}
}

// tryAlloc performs one first-fit scan over the arena in address order.
func (h *Heap) tryAlloc(n, align uint64) (Pointer, bool) {
	payloadSize := align8(n)

	off := h.head

	for {
		hdr, err := h.readHeader(off)
		if err != nil {
			return 0, false
		}

		payloadStart := uint64(off) + headerSize
		alignedStart := alignUp(payloadStart, align)
		padding := alignedStart - payloadStart

		if hdr.free && hdr.size >= headerSize+padding+payloadSize {
			h.splitAndUse(off, hdr, padding, payloadSize)
			return Pointer(alignedStart), true
		}

		if !hdr.hasNext {
			return 0, false
		}

		off = hdr.next
	}
}

// splitAndUse marks a free block in-use, splitting off a trailing free remainder when the
// remainder would still host a viable free block.
func (h *Heap) splitAndUse(off Pointer, hdr blockHeader, padding, payloadSize uint64) {
	used := headerSize + padding + payloadSize
	original := hdr.size
	remainder := original - used

	split := remainder >= headerSize+minPayload

	if split {
		newOff := off + Pointer(used)
		newHdr := blockHeader{
			magic:   headerMagic,
			free:    true,
			size:    remainder,
			next:    hdr.next,
			hasNext: hdr.hasNext,
			prev:    off,
			hasPrev: true,
		}
		h.writeHeader(newOff, newHdr)

		if hdr.hasNext {
			next, _ := h.readHeader(hdr.next)
			next.prev, next.hasPrev = newOff, true
			h.writeHeader(hdr.next, next)
		}

		hdr.size = used
		hdr.next, hdr.hasNext = newOff, true
	}

	hdr.free = false
	h.writeHeader(off, hdr)

	// The whole original block leaves the free pool; a split remainder re-enters it as its
	// own block. Block sizes always include their own header, so this conserves total bytes.
	h.used += hdr.size
	h.free -= original

	if split {
		h.free += remainder
	}
}

// align8 rounds n up to a multiple of 8, the minimum payload alignment).
func align8(n uint64) uint64 { return alignUp(n, 8) }

func alignUp(n, align uint64) uint64 {
	if align == 0 {
		align = 1
	}

	return (n + align - 1) &^ (align - 1)
}

// Free releases a previously-allocated block, found by its payload pointer minus any alignment
// padding recorded implicitly by the header walk, then coalesces with adjacent free neighbors.
// Free(NULL) is a no-op.
func (h *Heap) Free(p Pointer) error {
	if p == 0 {
		return nil
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	off, err := h.headerFor(p)
	if err != nil {
		return err
	}

	hdr, err := h.readHeader(off)
	if err != nil {
		return err
	}

	if hdr.free {
		return fmt.Errorf("%w: block at %#x", ErrDoubleFree, off)
	}

	h.used -= hdr.size
	hdr.free = true
	h.writeHeader(off, hdr)
	h.free += hdr.size

	h.coalesce(off)

	return nil
}

// headerFor locates the header owning a payload pointer by scanning in arena order. A bounded
// linear scan is acceptable here: it mirrors pmm's own first-fit scan cost and keeps the header
// format simple (no back-pointer from arbitrary aligned payload to header start).
func (h *Heap) headerFor(p Pointer) (Pointer, error) {
	off := h.head

	for {
		hdr, err := h.readHeader(off)
		if err != nil {
			return 0, err
		}

		payloadStart := uint64(off) + headerSize
		if uint64(p) >= payloadStart && uint64(p) < uint64(off)+hdr.size {
			return off, nil
		}

		if !hdr.hasNext {
			return 0, fmt.Errorf("%w: %#x", ErrInvalidPointer, p)
		}

		off = hdr.next
	}
}

// coalesce merges a just-freed block with its immediately adjacent free neighbors, both
// directions.
func (h *Heap) coalesce(off Pointer) {
	hdr, err := h.readHeader(off)
	if err != nil {
		return
	}

	if hdr.hasNext {
		next, err := h.readHeader(hdr.next)
		if err == nil && next.free {
			h.mergeRight(off, hdr, hdr.next, next)
			hdr, _ = h.readHeader(off)
		}
	}

	if hdr.hasPrev {
		prev, err := h.readHeader(hdr.prev)
		if err == nil && prev.free {
			h.mergeRight(hdr.prev, prev, off, hdr)
		}
	}
}

// mergeRight absorbs the block at rightOff into the block at leftOff; both must be free. The two
// blocks are adjacent in the arena, so the merged size is simply their sum: right's header does
// not disappear, it becomes interior payload bytes of the combined free block. Total free bytes
// are unchanged by a merge.
func (h *Heap) mergeRight(leftOff Pointer, left blockHeader, rightOff Pointer, right blockHeader) {
	left.size += right.size
	left.next, left.hasNext = right.next, right.hasNext
	h.writeHeader(leftOff, left)

	if right.hasNext {
		n, err := h.readHeader(right.next)
		if err == nil {
			n.prev, n.hasPrev = leftOff, true
			h.writeHeader(right.next, n)
		}
	}
}

// Realloc resizes an allocation. realloc(NULL, n) == Alloc(n); realloc(p, 0) == Free(p),
// returning NULL.
func (h *Heap) Realloc(p Pointer, n uint64) (Pointer, error) {
	if p == 0 {
		return h.Alloc(n)
	}

	if n == 0 {
		return 0, h.Free(p)
	}

	h.mut.Lock()
	off, err := h.headerFor(p)
	if err != nil {
		h.mut.Unlock()
		return 0, err
	}

	hdr, err := h.readHeader(off)
	if err != nil {
		h.mut.Unlock()
		return 0, err
	}

	currentPayload := hdr.size - headerSize
	h.mut.Unlock()

	if align8(n) <= currentPayload {
		return p, nil
	}

	newP, err := h.Alloc(n)
	if err != nil {
		return 0, err
	}

	copy(h.Bytes(newP, n), h.Bytes(p, currentPayload))

	if err := h.Free(p); err != nil {
		return 0, err
	}

	return newP, nil
}

// Bytes returns a slice view of n bytes of a block's payload, for callers to read or write
// directly without an extra copy.
func (h *Heap) Bytes(p Pointer, n uint64) []byte {
	return h.arena[p : uint64(p)+n]
}

// grow extends the arena by enough frames to satisfy at least need additional bytes, via the
// Mapper (mem/pmm + mem/vmm), and appends a new trailing free block.
func (h *Heap) grow(need uint64) error {
	const frameSize = 4096

	growBytes := alignUp(need+headerSize, frameSize)
	frames := int(growBytes / frameSize)

	mapped, err := h.mapper.Grow(frames)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	oldLen := uint64(len(h.arena))
	h.arena = append(h.arena, make([]byte, mapped)...)

	// Append a new free block spanning the growth, coalescing with a free tail block if one
	// exists immediately before the growth.
	tailOff, tailHdr, hasTail := h.lastBlock()

	if hasTail && tailHdr.free {
		tailHdr.size += mapped
		h.writeHeader(tailOff, tailHdr)
		h.free += mapped

		return nil
	}

	newHdr := blockHeader{magic: headerMagic, free: true, size: mapped, prev: tailOff, hasPrev: hasTail}
	h.writeHeader(Pointer(oldLen), newHdr)

	if hasTail {
		tailHdr.next, tailHdr.hasNext = Pointer(oldLen), true
		h.writeHeader(tailOff, tailHdr)
	}

	h.free += mapped

	return nil
}

func (h *Heap) lastBlock() (Pointer, blockHeader, bool) {
	off := h.head

	for {
		hdr, err := h.readHeader(off)
		if err != nil {
			return 0, blockHeader{}, false
		}

		if !hdr.hasNext {
			return off, hdr, true
		}

		off = hdr.next
	}
}

// Stats reports live allocator utilization: used + free == total.
type Stats struct {
	Used  uint64
	Free  uint64
	Total uint64
}

// Stats returns a point-in-time snapshot.
func (h *Heap) Stats() Stats {
	h.mut.Lock()
	defer h.mut.Unlock()

	return Stats{Used: h.used, Free: h.free, Total: h.used + h.free}
}

// Check walks the free list and verifies every invariant: every header carries
// the magic tag, the list is acyclic and sibling-consistent, no two adjacent blocks are both
// free, and the sum of block sizes equals the arena size.
func (h *Heap) Check() error {
	h.mut.Lock()
	defer h.mut.Unlock()

	visited := make(map[Pointer]bool)

	off := h.head
	var prevOff Pointer
	var hasPrev bool
	var total uint64
	var lastFree bool

	for {
		if visited[off] {
			return fmt.Errorf("%w: cycle at %#x", ErrCorrupt, off)
		}

		visited[off] = true

		hdr, err := h.readHeader(off)
		if err != nil {
			return err
		}

		if hasPrev && (!hdr.hasPrev || hdr.prev != prevOff) {
			return fmt.Errorf("%w: sibling mismatch at %#x", ErrCorrupt, off)
		}

		if lastFree && hdr.free {
			return fmt.Errorf("%w: adjacent free blocks at %#x", ErrCorrupt, off)
		}

		total += hdr.size
		lastFree = hdr.free

		if !hdr.hasNext {
			break
		}

		prevOff, hasPrev = off, true
		off = hdr.next
	}

	if total != uint64(len(h.arena)) {
		return fmt.Errorf("%w: block sizes sum to %d, arena is %d bytes",
			ErrCorrupt, total, len(h.arena))
	}

	if total != h.used+h.free {
		return fmt.Errorf("%w: size accounting mismatch: blocks=%d used+free=%d",
			ErrCorrupt, total, h.used+h.free)
	}

	return nil
}
