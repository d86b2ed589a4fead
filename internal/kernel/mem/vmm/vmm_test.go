package vmm_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/mem/pmm"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/ram"
	"github.com/vulcan-os/vulcan/internal/kernel/mem/vmm"
)

// fakeCPU stands in for arch.CPU so this package's tests do not depend on arch.
type fakeCPU struct {
	cr3         uint64
	invalidated []uint64
}

func (f *fakeCPU) LoadCR3(phys uint64)       { f.cr3 = phys }
func (f *fakeCPU) CR3() uint64               { return f.cr3 }
func (f *fakeCPU) InvalidatePage(virt uint64) { f.invalidated = append(f.invalidated, virt) }

func newManager(t *testing.T) (*vmm.Manager, *pmm.Allocator) {
	t.Helper()

	p := pmm.New()
	p.Init(64*1024*1024, 0x10000)

	m := vmm.New(ram.New(), p, &fakeCPU{})

	if err := m.Init(); err != nil {
		t.Fatalf("init: %s", err)
	}

	return m, p
}

// TestMapTranslateUnmap maps a frame, translates it back, then unmaps it and checks the
// translation fails.
func TestMapTranslateUnmap(t *testing.T) {
	m, p := newManager(t)

	f, err := p.AllocOne()
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	const virt = 0x0040_0000

	top := m.KernelTop()

	if err := m.Map(top, virt, f.Address(), vmm.FlagPresent|vmm.FlagWritable); err != nil {
		t.Fatalf("map: %s", err)
	}

	if got, ok := m.Translate(top, virt); !ok || got != f {
		t.Errorf("translate: want %d,true got %d,%v", f, got, ok)
	}

	if !m.IsMapped(top, virt) {
		t.Error("expected page to be mapped")
	}

	if err := m.Unmap(top, virt); err != nil {
		t.Fatalf("unmap: %s", err)
	}

	if m.IsMapped(top, virt) {
		t.Error("expected page to be unmapped")
	}

	if err := p.FreeOne(f); err != nil {
		t.Fatalf("free: %s", err)
	}
}

func TestUnmapUnmappedIsNoop(t *testing.T) {
	m, _ := newManager(t)

	if err := m.Unmap(m.KernelTop(), 0x7000_0000); err != nil {
		t.Errorf("unmap of unmapped page: want nil, got %v", err)
	}
}

func TestMapRoundsDownUnalignedAddress(t *testing.T) {
	m, p := newManager(t)

	f, err := p.AllocOne()
	if err != nil {
		t.Fatal(err)
	}

	const unaligned = 0x0040_0123

	if err := m.Map(m.KernelTop(), unaligned, f.Address(), vmm.FlagPresent); err != nil {
		t.Fatalf("map: %s", err)
	}

	aligned := uint64(unaligned &^ (vmm.PageSize - 1))

	if !m.IsMapped(m.KernelTop(), aligned) {
		t.Error("expected aligned-down page to be mapped")
	}
}

func TestRemapOverwrites(t *testing.T) {
	m, p := newManager(t)

	f1, _ := p.AllocOne()
	f2, _ := p.AllocOne()
	const virt = 0x0050_0000
	top := m.KernelTop()

	if err := m.Map(top, virt, f1.Address(), vmm.FlagPresent|vmm.FlagWritable); err != nil {
		t.Fatal(err)
	}

	if err := m.Map(top, virt, f2.Address(), vmm.FlagPresent); err != nil {
		t.Fatal(err)
	}

	got, ok := m.Translate(top, virt)
	if !ok || got != f2 {
		t.Errorf("remap: want %d, got %d,%v", f2, got, ok)
	}
}

func TestCreateSpaceMirrorsKernelUpperHalf(t *testing.T) {
	m, p := newManager(t)

	f, err := p.AllocOne()
	if err != nil {
		t.Fatal(err)
	}

	const kernelVirt = vmm.HigherHalfBase + 0x1000

	if err := m.Map(m.KernelTop(), kernelVirt, f.Address(), vmm.FlagPresent|vmm.FlagWritable); err != nil {
		t.Fatal(err)
	}

	space, err := m.CreateSpace()
	if err != nil {
		t.Fatalf("create space: %s", err)
	}

	if got, ok := m.Translate(space, kernelVirt); !ok || got != f {
		t.Errorf("kernel mapping not mirrored: want %d, got %d,%v", f, got, ok)
	}

	if err := m.DestroySpace(space); err != nil {
		t.Fatalf("destroy space: %s", err)
	}
}

func TestDestroySpaceFreesLowerHalfOnly(t *testing.T) {
	m, p := newManager(t)

	space, err := m.CreateSpace()
	if err != nil {
		t.Fatal(err)
	}

	f, err := p.AllocOne()
	if err != nil {
		t.Fatal(err)
	}

	const userVirt = 0x0010_0000

	if err := m.Map(space, userVirt, f.Address(), vmm.FlagPresent|vmm.FlagWritable|vmm.FlagUser); err != nil {
		t.Fatal(err)
	}

	before := p.Stats().Free

	if err := m.DestroySpace(space); err != nil {
		t.Fatalf("destroy space: %s", err)
	}

	after := p.Stats().Free
	if after <= before {
		t.Errorf("expected frames reclaimed: before=%d after=%d", before, after)
	}
}
