package gdt_test

import (
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/arch/gdt"
)

func TestInitPublishesSelectors(t *testing.T) {
	tbl := gdt.New()
	tbl.Init()

	cases := []struct {
		name     string
		selector uint16
		wantDPL  uint8
	}{
		{"kernel code", gdt.KernelCodeSelector, 0},
		{"kernel data", gdt.KernelDataSelector, 0},
		{"user code", gdt.UserCodeSelector, 3},
		{"user data", gdt.UserDataSelector, 3},
		{"tss", gdt.TSSSelector, 0},
	}

	for _, c := range cases {
		d, ok := tbl.Descriptor(c.selector)
		if !ok {
			t.Errorf("%s: not present", c.name)
			continue
		}

		if d.DPL != c.wantDPL {
			t.Errorf("%s: dpl want %d, got %d", c.name, c.wantDPL, d.DPL)
		}
	}

	if _, ok := tbl.Descriptor(gdt.NullSelector); ok {
		t.Error("null selector should not be present")
	}
}

func TestKernelStackForTraps(t *testing.T) {
	tbl := gdt.New()
	tbl.Init()
	tbl.SetKernelStackForTraps(0xffff_8000_0010_0000)

	if got := tbl.KernelStackForTraps(); got != 0xffff_8000_0010_0000 {
		t.Errorf("want %#x, got %#x", uint64(0xffff_8000_0010_0000), got)
	}
}
