// Package ram simulates byte-addressable physical memory, backing both the page-table nodes
// built by mem/vmm and the kernel heap arena built by mem/heap.
//
// A real kernel's "physical memory" is simply there; a kernel running as a Go process has
// none, so this package stands in for it. Frames are allocated lazily and sparsely (a
// map[pmm.Frame]*frameBuf behind a mutex) rather than as one giant contiguous slice, which keeps
// a 512 MiB "machine" cheap to simulate when only a few thousand frames are ever actually
// touched.
package ram

import (
	"encoding/binary"
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
)

// frameBuf is the backing storage for one physical frame. It is a named type, rather than a bare
// array, solely so helper methods can be attached to it.
type frameBuf [pmm.FrameSize]byte

// bytesFrom returns buf[off:], treating a nil frameBuf (never allocated, hence all zero) as a
// zero-filled slice rather than allocating it just to read from it.
func (b *frameBuf) bytesFrom(off int) []byte {
	if b == nil {
		return make([]byte, pmm.FrameSize-off)
	}

	return b[off:]
}

// RAM is simulated physical memory, addressed by physical byte address.
type RAM struct {
	mut    sync.RWMutex
	frames map[pmm.Frame]*frameBuf
}

// New creates an empty RAM. All frames read as zero until written.
func New() *RAM {
	return &RAM{frames: make(map[pmm.Frame]*frameBuf)}
}

// frame returns the backing array for a frame, allocating (zeroed) it on first touch if create
// is set.
func (r *RAM) frame(f pmm.Frame, create bool) *frameBuf {
	r.mut.RLock()
	b := r.frames[f]
	r.mut.RUnlock()

	if b != nil || !create {
		return b
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if b = r.frames[f]; b == nil {
		b = new(frameBuf)
		r.frames[f] = b
	}

	return b
}

// Zero clears a frame to all zero bytes, allocating its backing storage if needed.
func (r *RAM) Zero(f pmm.Frame) {
	b := r.frame(f, true)

	r.mut.Lock()
	defer r.mut.Unlock()
	*b = frameBuf{}
}

// ReadBytes copies len(buf) bytes starting at a physical address into buf.
func (r *RAM) ReadBytes(phys uint64, buf []byte) {
	for len(buf) > 0 {
		f := pmm.FromAddress(phys)
		off := int(phys % pmm.FrameSize)

		r.mut.RLock()
		b := r.frames[f]
		r.mut.RUnlock()

		n := copy(buf, b.bytesFrom(off))

		buf = buf[n:]
		phys += uint64(n)
	}
}

// WriteBytes writes buf starting at a physical address.
func (r *RAM) WriteBytes(phys uint64, buf []byte) {
	for len(buf) > 0 {
		f := pmm.FromAddress(phys)
		off := int(phys % pmm.FrameSize)
		b := r.frame(f, true)

		r.mut.Lock()
		n := copy(b[off:], buf)
		r.mut.Unlock()

		buf = buf[n:]
		phys += uint64(n)
	}
}

// ReadUint64 reads a little-endian 64-bit value, the width of a page-table entry.
func (r *RAM) ReadUint64(phys uint64) uint64 {
	var buf [8]byte
	r.ReadBytes(phys, buf[:])

	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 writes a little-endian 64-bit value.
func (r *RAM) WriteUint64(phys uint64, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	r.WriteBytes(phys, buf[:])
}
