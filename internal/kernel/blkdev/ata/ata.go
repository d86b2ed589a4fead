// Package ata implements the PIO disk driver: the legacy ATA register protocol (status polling,
// LBA-28 programming, sector transfer, cache flush) simulated over a disk-image file,
// registering each detected drive into the block device layer (C12). The status-register
// polling pattern generalizes a single memory-mapped register pair into the full ATA command
// block; the backing file handle is opened and advisory-locked with golang.org/x/sys/unix.
// See DESIGN.md.
package ata

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Legacy port pairs named, kept here as documentation of which simulated bus a
// Drive stands in for; nothing in this package performs real port I/O.
const (
	PrimaryDataPort      = 0x1F0
	PrimaryControlPort   = 0x3F6
	SecondaryDataPort    = 0x170
	SecondaryControlPort = 0x376
)

// Status register bits polled before and after each command.
const (
	statusErr = 1 << 0
	statusDRQ = 1 << 3
	statusRDY = 1 << 6
	statusBSY = 1 << 7
)

const sectorSize = blkdev.BlockSize

var (
	// ErrBusy simulates a ready-wait timeout: the drive never cleared BSY within its
	// microsecond budget.
	ErrBusy = errors.New("ata: drive busy timeout")

	// ErrAbort simulates a data-request command that completed with the error flag set.
	ErrAbort = errors.New("ata: command aborted (ERR set)")

	// ErrOutOfRange is returned for an LBA beyond the drive's reported sector count.
	ErrOutOfRange = errors.New("ata: lba out of range")

	// ErrNoSlot is returned by Controller.Init once all four legacy drive names are taken.
	ErrNoSlot = errors.New("ata: no free drive slot")
)

// Drive is one simulated disk: a file-backed block store standing in for a physical platter
// addressed over the legacy ATA command block.
type Drive struct {
	mut     sync.Mutex
	name    string
	file    *os.File
	sectors uint64
	log     *log.Logger
}

// openDrive opens and advisory-locks path, then fingerprints it the way the identify
// step fingerprints a candidate: reading its reported size to derive a sector count.
func openDrive(name, path string) (*Drive, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ata: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: lock %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: stat %s: %w", path, err)
	}

	return &Drive{
		name:    name,
		file:    f,
		sectors: uint64(info.Size()) / sectorSize,
		log:     log.DefaultLogger(),
	}, nil
}

// Close releases the backing file and its advisory lock.
func (d *Drive) Close() error {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.file.Close()
}

// BlockCount implements blkdev.Device.
func (d *Drive) BlockCount() uint64 {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.sectors
}

// waitReady simulates status-register polling with a microsecond-budget timeout. The backing
// file is always immediately available, so this never actually waits; it exists as the named
// step  requires before every command.
func (d *Drive) waitReady() error {
	status := statusRDY

	if status&statusBSY != 0 {
		return ErrBusy
	}

	return nil
}

// ReadSectors implements the read_sectors(dev, lba, count, buf): select drive and
// LBA, program sector count, transfer 256 16-bit words (sectorSize bytes) per sector.
func (d *Drive) ReadSectors(lba uint64, count uint32, buf []byte) error {
	if err := d.waitReady(); err != nil {
		return err
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	if lba+uint64(count) > d.sectors {
		return fmt.Errorf("%w: lba %d count %d on %d-sector drive", ErrOutOfRange, lba, count, d.sectors)
	}

	need := int(count) * sectorSize
	if len(buf) < need {
		return fmt.Errorf("ata: buffer too small: need %d, got %d", need, len(buf))
	}

	n, err := d.file.ReadAt(buf[:need], int64(lba)*sectorSize)
	if err != nil || n != need {
		return fmt.Errorf("%w: %v", ErrAbort, err)
	}

	return nil
}

// WriteSectors implements the write_sectors(dev, lba, count, buf): transfer the
// sectors, then issue a cache flush and wait ready again.
func (d *Drive) WriteSectors(lba uint64, count uint32, buf []byte) error {
	if err := d.waitReady(); err != nil {
		return err
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	if lba+uint64(count) > d.sectors {
		return fmt.Errorf("%w: lba %d count %d on %d-sector drive", ErrOutOfRange, lba, count, d.sectors)
	}

	need := int(count) * sectorSize
	if len(buf) < need {
		return fmt.Errorf("ata: buffer too small: need %d, got %d", need, len(buf))
	}

	n, err := d.file.WriteAt(buf[:need], int64(lba)*sectorSize)
	if err != nil || n != need {
		return fmt.Errorf("%w: %v", ErrAbort, err)
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("ata: cache flush: %w", err)
	}

	return d.waitReady()
}

// ReadBlock implements blkdev.Device in terms of ReadSectors.
func (d *Drive) ReadBlock(lba uint64, buf []byte) error {
	return d.ReadSectors(lba, 1, buf)
}

// WriteBlock implements blkdev.Device in terms of WriteSectors.
func (d *Drive) WriteBlock(lba uint64, buf []byte) error {
	return d.WriteSectors(lba, 1, buf)
}

// driveNames is the fixed naming sequence  assigns to detected devices.
var driveNames = []string{"hda", "hdb", "hdc", "hdd"}

// Controller probes configured disk-image paths and registers each as a legacy-named drive in
// the block device layer.
type Controller struct {
	mut    sync.Mutex
	drives []*Drive
	log    *log.Logger
}

// New creates an empty controller.
func New() *Controller {
	return &Controller{log: log.DefaultLogger()}
}

// Init attaches each configured disk-image path to the next free legacy drive name (hda, hdb,
// ...) and registers it with registry, simulating the init-time identification sweep.
func (c *Controller) Init(registry *blkdev.Registry, imagePaths []string) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	for _, path := range imagePaths {
		if len(c.drives) >= len(driveNames) {
			return ErrNoSlot
		}

		name := driveNames[len(c.drives)]

		drive, err := openDrive(name, path)
		if err != nil {
			return err
		}

		c.drives = append(c.drives, drive)
		registry.Register(name, drive)

		c.log.Debug("ata: attached drive", "name", name, "path", path, "sectors", drive.sectors)
	}

	return nil
}

// Close closes every attached drive.
func (c *Controller) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	var first error

	for _, d := range c.drives {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
