// Package blkdev implements the block device layer: a uniform registry of named devices and
// byte-offset helpers that convert into block-aligned reads and writes; see DESIGN.md.
// internal/kernel/blkdev/ata registers the one concrete driver.
package blkdev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/log"
)

// BlockSize is the fixed block size used throughout the storage stack.
const BlockSize = 512

var (
	// ErrNotFound is returned by Lookup for an unregistered device name.
	ErrNotFound = errors.New("blkdev: device not found")

	// ErrMisaligned is returned by ReadAt/WriteAt for an offset or length that is not a multiple
	// of BlockSize. Partial-block access is a known limitation of the initial design: only
	// block-aligned sizes are supported.
	ErrMisaligned = errors.New("blkdev: misaligned access")

	// ErrOutOfRange is returned for an access beyond the device's reported block count.
	ErrOutOfRange = errors.New("blkdev: access out of range")
)

// Device is the capability set a storage driver exposes to the block layer,// "expose capability sets ... select by registry lookup, not by type reflection".
type Device interface {
	ReadBlock(lba uint64, buf []byte) error
	WriteBlock(lba uint64, buf []byte) error
	BlockCount() uint64
}

// Registry is the named lookup table of block devices.
type Registry struct {
	mut     sync.Mutex
	devices map[string]Device
	log     *log.Logger
}

// New creates an empty registry. Call Init before use.
func New() *Registry {
	return &Registry{log: log.DefaultLogger()}
}

// Init resets the registry.
func (r *Registry) Init() {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.devices = make(map[string]Device)
}

// Register installs a device under a name, e.g. "hda".
func (r *Registry) Register(name string, dev Device) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.devices[name] = dev
	r.log.Debug("blkdev: registered device", "name", name, "blocks", dev.BlockCount())
}

// Lookup finds a device by name.
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	dev, ok := r.devices[name]
	return dev, ok
}

// ReadAt reads len(buf) bytes starting at a byte offset, converting the request into a sequence
// of block reads. Both offset and len(buf) must be multiples of BlockSize; anything else is a
// misaligned access and returns ErrMisaligned.
func ReadAt(dev Device, offset uint64, buf []byte) error {
	if offset%BlockSize != 0 || uint64(len(buf))%BlockSize != 0 {
		return ErrMisaligned
	}

	startBlock := offset / BlockSize
	blocks := uint64(len(buf)) / BlockSize

	if startBlock+blocks > dev.BlockCount() {
		return fmt.Errorf("%w: block %d+%d exceeds %d blocks", ErrOutOfRange, startBlock, blocks, dev.BlockCount())
	}

	for i := uint64(0); i < blocks; i++ {
		if err := dev.ReadBlock(startBlock+i, buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}

	return nil
}

// WriteAt writes len(buf) bytes starting at a byte offset, converting the request into a sequence
// of block writes under the same alignment restriction as ReadAt.
func WriteAt(dev Device, offset uint64, buf []byte) error {
	if offset%BlockSize != 0 || uint64(len(buf))%BlockSize != 0 {
		return ErrMisaligned
	}

	startBlock := offset / BlockSize
	blocks := uint64(len(buf)) / BlockSize

	if startBlock+blocks > dev.BlockCount() {
		return fmt.Errorf("%w: block %d+%d exceeds %d blocks", ErrOutOfRange, startBlock, blocks, dev.BlockCount())
	}

	for i := uint64(0); i < blocks; i++ {
		if err := dev.WriteBlock(startBlock+i, buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}

	return nil
}
