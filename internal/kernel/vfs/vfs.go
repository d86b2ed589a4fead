// Package vfs implements the virtual filesystem layer: node model, mount table, a single fixed
// file-descriptor table, and path resolution; see DESIGN.md. The on-disk filesystem in
// kernel/fs/inodefs plugs in as a FileSystem.
package vfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vulcan-os/vulcan/internal/log"
)

// NodeType distinguishes files from directories.
type NodeType int

const (
	File NodeType = iota
	Directory
)

const maxDescriptors = 64

var (
	// ErrNotFound is returned by resolve/open for an absolute path that does not exist.
	ErrNotFound = errors.New("vfs: not found")

	// ErrNotAbsolute is returned by resolve for a path that does not begin with "/".
	ErrNotAbsolute = errors.New("vfs: path must be absolute")

	// ErrNoRoot is returned when no filesystem is mounted at "/".
	ErrNoRoot = errors.New("vfs: no filesystem mounted at /")

	// ErrTooManyDescriptors is returned by open when the fixed descriptor table is full.
	ErrTooManyDescriptors = errors.New("vfs: descriptor table full")

	// ErrBadDescriptor is returned for an unopened or out-of-range descriptor.
	ErrBadDescriptor = errors.New("vfs: bad descriptor")

	// ErrNotImplemented is returned for an operation the VFS does not support; Mkdir is the one
	// operation that returns it.
	ErrNotImplemented = errors.New("vfs: not implemented")
)

// Seek whence values.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// Node is a VFS-level handle onto a file or directory backed by some FileSystem.
type Node struct {
	Name string
	Type NodeType
	Size uint64

	FS  FileSystem
	Ino uint64
}

// DirEntry is one entry returned by FileSystem.ReadDir.
type DirEntry struct {
	Name string
	Ino  uint64
	Type NodeType
}

// FileSystem is the operation vector a concrete filesystem plugs into the VFS,// the "filesystem operation vector plugged into VFS".
type FileSystem interface {
	Root() *Node
	FindDir(dir *Node, name string) (*Node, bool)
	Read(node *Node, offset uint64, buf []byte) (int, error)
	Write(node *Node, offset uint64, buf []byte) (int, error)
	ReadDir(dir *Node, index int) (DirEntry, bool)
}

// descriptor is an open-file entry in the single, global descriptor table.
type descriptor struct {
	node   *Node
	offset uint64
	flags  int
}

// VFS is the kernel's virtual filesystem.
type VFS struct {
	mut sync.Mutex

	mounts      map[string]FileSystem
	descriptors [maxDescriptors]*descriptor

	log *log.Logger
}

// New creates an empty VFS. Call Init before use.
func New() *VFS {
	return &VFS{log: log.DefaultLogger()}
}

// Init resets the mount table and descriptor table.
func (v *VFS) Init() {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.mounts = make(map[string]FileSystem)
	v.descriptors = [maxDescriptors]*descriptor{}
}

// Mount records a filesystem at a path. Only the mount at "/" is actually traversed by resolve;
// other mounts are recorded but not yet honored -- a stated limitation of this VFS.
func (v *VFS) Mount(path string, fs FileSystem) {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.mounts[path] = fs
}

// Unmount removes a recorded mount.
func (v *VFS) Unmount(path string) {
	v.mut.Lock()
	defer v.mut.Unlock()

	delete(v.mounts, path)
}

// Resolve walks an absolute path component by component from the root mount.
func (v *VFS) Resolve(path string) (*Node, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ErrNotAbsolute
	}

	v.mut.Lock()
	root, ok := v.mounts["/"]
	v.mut.Unlock()

	if !ok {
		return nil, ErrNoRoot
	}

	node := root.Root()

	if path == "/" {
		return node, nil
	}

	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}

		next, ok := node.FS.FindDir(node, part)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		node = next
	}

	return node, nil
}

// Open resolves a path and allocates a descriptor for it from the fixed table.
func (v *VFS) Open(path string, flags int) (int, error) {
	node, err := v.Resolve(path)
	if err != nil {
		return -1, err
	}

	v.mut.Lock()
	defer v.mut.Unlock()

	for i, d := range v.descriptors {
		if d == nil {
			v.descriptors[i] = &descriptor{node: node, flags: flags}
			return i, nil
		}
	}

	return -1, ErrTooManyDescriptors
}

// Close releases a descriptor.
func (v *VFS) Close(fd int) error {
	v.mut.Lock()
	defer v.mut.Unlock()

	d, err := v.descriptorLocked(fd)
	if err != nil {
		return err
	}

	_ = d
	v.descriptors[fd] = nil

	return nil
}

func (v *VFS) descriptorLocked(fd int) (*descriptor, error) {
	if fd < 0 || fd >= maxDescriptors || v.descriptors[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}

	return v.descriptors[fd], nil
}

// Read transfers up to len(buf) bytes from a descriptor's current offset, advancing it by the
// number of bytes actually transferred. A read at or beyond end of file returns 0, and a read
// crossing the end of file is clamped.
func (v *VFS) Read(fd int, buf []byte) (int, error) {
	v.mut.Lock()
	d, err := v.descriptorLocked(fd)
	v.mut.Unlock()

	if err != nil {
		return 0, err
	}

	if d.offset >= d.node.Size {
		return 0, nil
	}

	remaining := d.node.Size - d.offset
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n, err := d.node.FS.Read(d.node, d.offset, buf)
	if err != nil {
		return n, err
	}

	v.mut.Lock()
	d.offset += uint64(n)
	v.mut.Unlock()

	return n, nil
}

// Write transfers buf to a descriptor's current offset, advancing it by the number of bytes
// actually transferred.
func (v *VFS) Write(fd int, buf []byte) (int, error) {
	v.mut.Lock()
	d, err := v.descriptorLocked(fd)
	v.mut.Unlock()

	if err != nil {
		return 0, err
	}

	n, err := d.node.FS.Write(d.node, d.offset, buf)
	if err != nil {
		return n, err
	}

	v.mut.Lock()
	d.offset += uint64(n)
	if d.offset > d.node.Size {
		d.node.Size = d.offset
	}
	v.mut.Unlock()

	return n, nil
}

// Seek repositions a descriptor's offset.
func (v *VFS) Seek(fd int, offset int64, whence int) (uint64, error) {
	v.mut.Lock()
	defer v.mut.Unlock()

	d, err := v.descriptorLocked(fd)
	if err != nil {
		return 0, err
	}

	var base int64

	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(d.offset)
	case SeekEnd:
		base = int64(d.node.Size)
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrBadDescriptor, whence)
	}

	next := base + offset
	if next < 0 {
		next = 0
	}

	d.offset = uint64(next)

	return d.offset, nil
}

// Stat reports type and size for an absolute path.
type Stat struct {
	Type NodeType
	Size uint64
}

// Stat resolves a path and reports its type and size.
func (v *VFS) Stat(path string) (Stat, error) {
	node, err := v.Resolve(path)
	if err != nil {
		return Stat{}, err
	}

	return Stat{Type: node.Type, Size: node.Size}, nil
}

// Mkdir is not implemented: the FileSystem interface has no operation for creating a
// directory, so Mkdir always returns ErrNotImplemented.
func (v *VFS) Mkdir(path string, perm uint32) error {
	return ErrNotImplemented
}

// ReadDir returns the directory entry at an index for an open directory descriptor.
func (v *VFS) ReadDir(fd int, index int) (DirEntry, error) {
	v.mut.Lock()
	d, err := v.descriptorLocked(fd)
	v.mut.Unlock()

	if err != nil {
		return DirEntry{}, err
	}

	entry, ok := d.node.FS.ReadDir(d.node, index)
	if !ok {
		return DirEntry{}, ErrNotFound
	}

	return entry, nil
}
