// Package vmm implements the address-space manager: a 4-level page-table walker and
// builder, the kernel's higher-half direct map, and address-space creation/destruction.
//
// The page-table-entry API (HasFlags/SetFlags/ClearFlags/SetFrame) is grounded directly on
// gopher-os's kernel/mem/vmm package, one of the few real Go kernels in the retrieval pack: its
// pageTableEntry type exposes exactly this shape, which this package generalizes from gopher-os's
// 32-bit two-level scheme to the 4-level, 64-bit scheme x86_64 actually uses.
package vmm

import (
	"errors"
	"fmt"

	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/ram"
	"github.com/vulcan-os/vulcan/internal/log"
)

// PageSize is the size of a page (and a physical frame) in bytes.
const PageSize = pmm.FrameSize

// entriesPerTable is 512 64-bit entries per 4 KiB table.
const entriesPerTable = 512

// pageLevels is the depth of the translation tree: PML4, PDPT, PD, PT.
const pageLevels = 4

// HigherHalfBase is the fixed virtual base of the kernel's direct map of all physical memory, per
// the "virt = phys + higher_half_base" design choice.
const HigherHalfBase = uint64(0xffff_8000_0000_0000)

// Flags is the set of page-table-entry flag bits, modeled on the real x86_64 PTE layout.
type Flags uint64

// Flag bits. Names mirror the "Page-table node" flag set.
const (
	FlagPresent       Flags = 1 << 0
	FlagWritable      Flags = 1 << 1
	FlagUser          Flags = 1 << 2
	FlagWriteThrough  Flags = 1 << 3
	FlagCacheDisabled Flags = 1 << 4
	FlagAccessed      Flags = 1 << 5
	FlagDirty         Flags = 1 << 6
	FlagLarge         Flags = 1 << 7
	FlagGlobal        Flags = 1 << 8
	FlagNoExecute     Flags = 1 << 63

	flagMask = Flags(0xfff) // Low 12 bits are flags; the rest of the low qword is the frame.
)

// pageTableEntry is a single 64-bit slot in a page-table node.
type pageTableEntry uint64

func newEntry(frame pmm.Frame, flags Flags) pageTableEntry {
	return pageTableEntry(frame.Address()&^uint64(flagMask)) | pageTableEntry(flags&flagMask) |
		pageTableEntry(flags&FlagNoExecute)
}

func (pte pageTableEntry) HasFlags(f Flags) bool {
	return Flags(pte)&f == f
}

func (pte *pageTableEntry) SetFlags(f Flags) {
	*pte |= pageTableEntry(f & (flagMask | FlagNoExecute))
}

func (pte *pageTableEntry) ClearFlags(f Flags) {
	*pte &^= pageTableEntry(f & (flagMask | FlagNoExecute))
}

func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FromAddress(uint64(pte) &^ uint64(flagMask) &^ uint64(FlagNoExecute))
}

func (pte *pageTableEntry) SetFrame(f pmm.Frame) {
	*pte = pageTableEntry(f.Address()&^uint64(flagMask)) | (*pte & pageTableEntry(flagMask|FlagNoExecute))
}

var (
	// ErrNotMapped is returned by the page-table walk when it meets a missing table and may not
	// create one. Translate and Unmap do not return it: Translate reports an unmapped page with
	// ok=false, and Unmap of an unmapped page returns nil.
	ErrNotMapped = errors.New("vmm: not mapped")

	// ErrOutOfFrames surfaces pmm exhaustion while building page-table nodes.
	ErrOutOfFrames = pmm.ErrOutOfFrames
)

// indices splits a canonical virtual address into its four 9-bit page-table indices and 12-bit
// page offset, top level first.
func indices(virt uint64) (pml4, pdpt, pd, pt uint16) {
	pml4 = uint16((virt >> 39) & 0x1ff)
	pdpt = uint16((virt >> 30) & 0x1ff)
	pd = uint16((virt >> 21) & 0x1ff)
	pt = uint16((virt >> 12) & 0x1ff)

	return
}

// align rounds a virtual address down to the containing page: a non-page-aligned address is
// equivalent to its aligned-down address.
func align(virt uint64) uint64 {
	return virt &^ (PageSize - 1)
}

// Manager is the address-space manager. One Manager oversees every address space in the kernel;
// individual spaces are identified by the physical frame of their top-level (PML4) table.
type Manager struct {
	ram  *ram.RAM
	pmm  *pmm.Allocator
	cpu  cpuPrimitive
	top  pmm.Frame // The kernel's own top-level table; mirrored into every address space.
	log  *log.Logger
}

// cpuPrimitive is the slice of arch.CPU that vmm needs: loading CR3 and invalidating a page.
// Defined locally so vmm does not import arch, avoiding an import cycle with packages that sit
// between them in the dependency graph.
type cpuPrimitive interface {
	LoadCR3(phys uint64)
	InvalidatePage(virt uint64)
	CR3() uint64
}

// New creates a manager bound to the given physical memory, frame allocator, and CPU primitive.
func New(r *ram.RAM, p *pmm.Allocator, cpu cpuPrimitive) *Manager {
	return &Manager{ram: r, pmm: p, cpu: cpu, log: log.DefaultLogger()}
}

// Init allocates and installs the kernel's own top-level table and loads it into CR3.
func (m *Manager) Init() error {
	top, err := m.pmm.AllocOne()
	if err != nil {
		return fmt.Errorf("vmm: init: %w", err)
	}

	m.ram.Zero(top)
	m.top = top
	m.cpu.LoadCR3(top.Address())

	m.log.Debug("vmm initialized", "top", fmt.Sprintf("%#x", top.Address()))

	return nil
}

// KernelTop returns the frame of the kernel's own top-level table.
func (m *Manager) KernelTop() pmm.Frame { return m.top }

// readEntry/writeEntry access a slot of a page-table node frame.
func (m *Manager) readEntry(node pmm.Frame, idx uint16) pageTableEntry {
	return pageTableEntry(m.ram.ReadUint64(node.Address() + uint64(idx)*8))
}

func (m *Manager) writeEntry(node pmm.Frame, idx uint16, pte pageTableEntry) {
	m.ram.WriteUint64(node.Address()+uint64(idx)*8, uint64(pte))
}

// walk descends from a top-level table towards the leaf entry for virt, allocating and zeroing
// intermediate tables as needed when create is true. It returns the table frame and index of the
// leaf (level-1, PT) entry.
func (m *Manager) walk(top pmm.Frame, virt uint64, create bool, flags Flags) (pmm.Frame, uint16, error) {
	idx := [pageLevels]uint16{}
	idx[0], idx[1], idx[2], idx[3] = indices(virt)

	node := top

	for level := 0; level < pageLevels-1; level++ {
		entry := m.readEntry(node, idx[level])

		if !entry.HasFlags(FlagPresent) {
			if !create {
				return 0, 0, ErrNotMapped
			}

			child, err := m.pmm.AllocOne()
			if err != nil {
				return 0, 0, fmt.Errorf("vmm: walk: %w", err)
			}

			m.ram.Zero(child)

			entry = newEntry(child, flags|FlagPresent)
			m.writeEntry(node, idx[level], entry)
		}

		node = entry.Frame()
	}

	return node, idx[pageLevels-1], nil
}

// Map installs a mapping from a virtual page to a physical frame with the given flags. Mapping a
// non-page-aligned address is equivalent to mapping the aligned-down address; an
// already-mapped page is simply overwritten.
func (m *Manager) Map(top pmm.Frame, virt, phys uint64, flags Flags) error {
	virt = align(virt)

	node, idx, err := m.walk(top, virt, true, flags)
	if err != nil {
		return fmt.Errorf("vmm: map %#x: %w", virt, err)
	}

	leaf := newEntry(pmm.FromAddress(phys), flags|FlagPresent)
	m.writeEntry(node, idx, leaf)
	m.cpu.InvalidatePage(virt)

	return nil
}

// MapRange maps n consecutive pages starting at virt to n consecutive frames starting at phys.
func (m *Manager) MapRange(top pmm.Frame, virt, phys uint64, n int, flags Flags) error {
	for i := 0; i < n; i++ {
		off := uint64(i) * PageSize
		if err := m.Map(top, virt+off, phys+off, flags); err != nil {
			return err
		}
	}

	return nil
}

// Unmap clears the mapping for a virtual page. Unmapping an unmapped page is a silent no-op
//.
func (m *Manager) Unmap(top pmm.Frame, virt uint64) error {
	virt = align(virt)

	node, idx, err := m.walk(top, virt, false, 0)
	if errors.Is(err, ErrNotMapped) {
		return nil
	} else if err != nil {
		return fmt.Errorf("vmm: unmap %#x: %w", virt, err)
	}

	entry := m.readEntry(node, idx)
	if !entry.HasFlags(FlagPresent) {
		return nil
	}

	m.writeEntry(node, idx, 0)
	m.cpu.InvalidatePage(virt)

	return nil
}

// Translate returns the physical frame a virtual address maps to.
func (m *Manager) Translate(top pmm.Frame, virt uint64) (pmm.Frame, bool) {
	node, idx, err := m.walk(top, align(virt), false, 0)
	if err != nil {
		return 0, false
	}

	entry := m.readEntry(node, idx)
	if !entry.HasFlags(FlagPresent) {
		return 0, false
	}

	return entry.Frame(), true
}

// IsMapped reports whether a virtual address currently has a present mapping.
func (m *Manager) IsMapped(top pmm.Frame, virt uint64) bool {
	_, ok := m.Translate(top, virt)
	return ok
}

// EntryFlags returns the flags on the leaf entry for virt, for callers (e.g. the page-fault
// handler) that need to know why an access was denied.
func (m *Manager) EntryFlags(top pmm.Frame, virt uint64) (Flags, bool) {
	node, idx, err := m.walk(top, align(virt), false, 0)
	if err != nil {
		return 0, false
	}

	entry := m.readEntry(node, idx)
	if !entry.HasFlags(FlagPresent) {
		return 0, false
	}

	return Flags(entry) & (flagMask | FlagNoExecute), true
}

// upperHalfStart is the PML4 index at which the upper, kernel-shared half of the address space
// begins (index 256 of 512, i.e. virtual address 0xffff800000000000 and above).
const upperHalfStart = entriesPerTable / 2

// CreateSpace allocates a new top-level table whose upper half mirrors the kernel's, by copying
// PML4 entries (not by walking and copying subtrees).
func (m *Manager) CreateSpace() (pmm.Frame, error) {
	top, err := m.pmm.AllocOne()
	if err != nil {
		return 0, fmt.Errorf("vmm: create space: %w", err)
	}

	m.ram.Zero(top)

	for i := uint16(upperHalfStart); i < entriesPerTable; i++ {
		entry := m.readEntry(m.top, i)
		m.writeEntry(top, i, entry)
	}

	return top, nil
}

// DestroySpace frees the lower-half sub-trees of an address space -- every page-table node and
// mapped leaf frame reachable from PML4 indices [0, 256) -- but leaves the shared upper half (and
// the frames it maps) untouched.
func (m *Manager) DestroySpace(top pmm.Frame) error {
	for i := uint16(0); i < upperHalfStart; i++ {
		pml4e := m.readEntry(top, i)
		if !pml4e.HasFlags(FlagPresent) {
			continue
		}

		m.freeSubtree(pml4e.Frame(), 1)
	}

	if err := m.pmm.FreeOne(top); err != nil {
		return fmt.Errorf("vmm: destroy space: %w", err)
	}

	return nil
}

// freeSubtree recursively frees a page-table node and, at the leaf level, the frames it maps.
// level counts up from 1 (the PDPT, as DestroySpace calls it) to pageLevels-1 (the PT, whose
// entries are leaves).
func (m *Manager) freeSubtree(node pmm.Frame, level int) {
	for i := uint16(0); i < entriesPerTable; i++ {
		entry := m.readEntry(node, i)
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		if level < pageLevels-1 {
			m.freeSubtree(entry.Frame(), level+1)
		} else {
			_ = m.pmm.FreeOne(entry.Frame()) // Best-effort: errors here indicate prior corruption.
		}
	}

	_ = m.pmm.FreeOne(node)
}

// SwitchTo loads a new top-level table as current, implicitly flushing non-global TLB entries.
func (m *Manager) SwitchTo(top pmm.Frame) {
	m.cpu.LoadCR3(top.Address())
}

// CurrentTopTable returns the frame of the currently loaded top-level table.
func (m *Manager) CurrentTopTable() pmm.Frame {
	return pmm.FromAddress(m.cpu.CR3())
}

// DirectMap returns the kernel virtual address of a physical frame via the higher-half direct
// map.
func DirectMap(phys uint64) uint64 {
	return phys + HigherHalfBase
}
