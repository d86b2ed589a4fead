package ata_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/kernel/blkdev/ata"
)

func newImage(t *testing.T, sectors int) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "disk-*.img")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sectors * blkdev.BlockSize)); err != nil {
		t.Fatal(err)
	}

	return f.Name()
}

func TestControllerAttachesAndRegisters(t *testing.T) {
	path := newImage(t, 16)

	registry := blkdev.New()
	registry.Init()

	c := ata.New()
	if err := c.Init(registry, []string{path}); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	dev, ok := registry.Lookup("hda")
	if !ok {
		t.Fatal("want hda registered")
	}

	if dev.BlockCount() != 16 {
		t.Errorf("want 16 blocks, got %d", dev.BlockCount())
	}
}

func TestMultipleImagesGetSequentialNames(t *testing.T) {
	paths := []string{newImage(t, 4), newImage(t, 4)}

	registry := blkdev.New()
	registry.Init()

	c := ata.New()
	if err := c.Init(registry, paths); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := registry.Lookup("hda"); !ok {
		t.Error("want hda registered")
	}
	if _, ok := registry.Lookup("hdb"); !ok {
		t.Error("want hdb registered")
	}
}

func TestReadWriteSectorRoundTrip(t *testing.T) {
	path := newImage(t, 4)

	registry := blkdev.New()
	registry.Init()

	c := ata.New()
	if err := c.Init(registry, []string{path}); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	dev, _ := registry.Lookup("hda")

	payload := bytes.Repeat([]byte("X"), blkdev.BlockSize)
	if err := blkdev.WriteAt(dev, blkdev.BlockSize*2, payload); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, blkdev.BlockSize)
	if err := blkdev.ReadAt(dev, blkdev.BlockSize*2, out); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(out, payload) {
		t.Error("round trip mismatch")
	}
}

func TestOutOfRangeSectorRejected(t *testing.T) {
	path := newImage(t, 2)

	registry := blkdev.New()
	registry.Init()

	c := ata.New()
	if err := c.Init(registry, []string{path}); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	dev, _ := registry.Lookup("hda")

	buf := make([]byte, blkdev.BlockSize)
	if err := dev.ReadBlock(5, buf); err == nil {
		t.Error("want error for out-of-range lba")
	}
}

func TestNoFreeSlotAfterFourDrives(t *testing.T) {
	paths := []string{newImage(t, 1), newImage(t, 1), newImage(t, 1), newImage(t, 1), newImage(t, 1)}

	registry := blkdev.New()
	registry.Init()

	c := ata.New()
	err := c.Init(registry, paths)
	if err == nil {
		t.Fatal("want ErrNoSlot for a fifth drive")
	}
	defer c.Close()
}
