package inodefs_test

import (
	"bytes"
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/kernel/fs/inodefs"
	"github.com/vulcan-os/vulcan/internal/kernel/vfs"
)

type memDevice struct {
	blocks [][blkdev.BlockSize]byte
}

func newMemDevice(blocks int) *memDevice {
	return &memDevice{blocks: make([][blkdev.BlockSize]byte, blocks)}
}

func (d *memDevice) ReadBlock(lba uint64, buf []byte) error {
	copy(buf, d.blocks[lba][:])
	return nil
}

func (d *memDevice) WriteBlock(lba uint64, buf []byte) error {
	copy(d.blocks[lba][:], buf)
	return nil
}

func (d *memDevice) BlockCount() uint64 { return uint64(len(d.blocks)) }

// tenMiBDevice builds an in-memory "10 MiB block device": 10 MiB worth of BlockSize blocks.
func tenMiBDevice() *memDevice {
	return newMemDevice(10 * 1024 * 1024 / blkdev.BlockSize)
}

// TestFormatAndMount checks that a freshly formatted device mounts and yields an empty root.
func TestFormatAndMount(t *testing.T) {
	dev := tenMiBDevice()

	if err := inodefs.Format(dev); err != nil {
		t.Fatal(err)
	}

	fs, err := inodefs.Create(dev)
	if err != nil {
		t.Fatal(err)
	}

	v := vfs.New()
	v.Init()
	v.Mount("/", fs)

	root, err := v.Resolve("/")
	if err != nil {
		t.Fatal(err)
	}

	if root.Type != vfs.Directory {
		t.Errorf("want root to be a directory, got type %v", root.Type)
	}

	if root.Size != 0 {
		t.Errorf("want freshly formatted root size 0, got %d", root.Size)
	}
}

func TestCreateRejectsBadMagic(t *testing.T) {
	dev := tenMiBDevice() // never formatted

	if _, err := inodefs.Create(dev); err == nil {
		t.Error("want error mounting an unformatted device")
	}
}

func mountedFS(t *testing.T) (*vfs.VFS, *inodefs.FS) {
	t.Helper()

	dev := tenMiBDevice()
	if err := inodefs.Format(dev); err != nil {
		t.Fatal(err)
	}

	fs, err := inodefs.Create(dev)
	if err != nil {
		t.Fatal(err)
	}

	v := vfs.New()
	v.Init()
	v.Mount("/", fs)

	return v, fs
}

// TestWriteReadRoundTrip checks that write(x) at offset 0, then a read of the same length at
// offset 0, yields x.
func TestWriteReadRoundTrip(t *testing.T) {
	v, fs := mountedFS(t)

	root, err := v.Resolve("/")
	if err != nil {
		t.Fatal(err)
	}

	node, err := fs.CreateFile(root, "greeting.txt")
	if err != nil {
		t.Fatal(err)
	}

	fd, err := v.Open("/greeting.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello, filesystem")
	n, err := v.Write(fd, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("want %d bytes written, got %d", len(payload), n)
	}

	if _, err := v.Seek(fd, 0, vfs.SeekSet); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	n, err = v.Read(fd, got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Errorf("want %q, got %q", payload, got[:n])
	}

	_ = node
}

// TestSeekThenReadMatchesOffsetRead checks that a read after seek(SET, k) of n bytes equals a
// single read from offset k.
func TestSeekThenReadMatchesOffsetRead(t *testing.T) {
	v, fs := mountedFS(t)

	root, _ := v.Resolve("/")
	fs.CreateFile(root, "data.bin")

	fd, err := v.Open("/data.bin", 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("0123456789"), 5)
	if _, err := v.Write(fd, payload); err != nil {
		t.Fatal(err)
	}

	k := uint64(17)
	n := 10

	if _, err := v.Seek(fd, int64(k), vfs.SeekSet); err != nil {
		t.Fatal(err)
	}

	viaSeek := make([]byte, n)
	if _, err := v.Read(fd, viaSeek); err != nil {
		t.Fatal(err)
	}

	fd2, err := v.Open("/data.bin", 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Seek(fd2, int64(k), vfs.SeekSet); err != nil {
		t.Fatal(err)
	}

	direct := make([]byte, n)
	if _, err := v.Read(fd2, direct); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(viaSeek, direct) {
		t.Errorf("seek+read mismatch: %q vs %q", viaSeek, direct)
	}
}

func TestWriteBeyondDirectFanOutFails(t *testing.T) {
	v, fs := mountedFS(t)

	root, _ := v.Resolve("/")
	fs.CreateFile(root, "big.bin")

	fd, err := v.Open("/big.bin", 0)
	if err != nil {
		t.Fatal(err)
	}

	huge := make([]byte, (inodefs.DirectPointers+1)*blkdev.BlockSize)
	if _, err := v.Write(fd, huge); err == nil {
		t.Error("want error writing past the direct-block fan-out")
	}
}

func TestReaddirOnFormattedRootIsEmpty(t *testing.T) {
	v, _ := mountedFS(t)

	fd, err := v.Open("/", 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.ReadDir(fd, 0); err == nil {
		t.Error("want no entries in a freshly formatted root")
	}
}

func TestCreateFileThenReaddirFindsIt(t *testing.T) {
	v, fs := mountedFS(t)

	root, _ := v.Resolve("/")
	if _, err := fs.CreateFile(root, "note.txt"); err != nil {
		t.Fatal(err)
	}

	fd, err := v.Open("/", 0)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := v.ReadDir(fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Name != "note.txt" {
		t.Errorf("want note.txt, got %s", entry.Name)
	}
}
