// Package inodefs implements the in-tree filesystem: a superblock, a fixed-size inode table, and
// fixed-size directory entries laid out on a block device (C12), plugged into the VFS (C11) as a
// FileSystem. The encode/decode style (fixed-size records packed with encoding/binary) follows
// mem/heap's blockHeader. See DESIGN.md.
package inodefs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/kernel/vfs"
	"github.com/vulcan-os/vulcan/internal/log"
)

const (
	// Magic is the fixed tag written to every formatted volume's superblock.
	Magic = 0x564c4b31 // "VLK1"

	// Version is the on-disk layout version this package reads and writes.
	Version = 1

	blockSize = blkdev.BlockSize

	// DirectPointers is the direct-block fan-out per inode; it bounds the maximum file size to
	// direct-pointer count times block size.
	DirectPointers = 12

	inodeSize       = 128
	inodesPerBlock  = blockSize / inodeSize
	dirEntrySize    = 32
	maxNameLen      = dirEntrySize - 5 // entry = inode(4) + type(1) + name
	entriesPerBlock = blockSize / dirEntrySize

	// defaultInodeCount is the fixed inode count a Format call reserves.
	defaultInodeCount = 64

	rootInodeNumber = 0
)

// InodeType is the on-disk type tag for an inode.
type InodeType uint8

const (
	TypeFree InodeType = iota
	TypeFile
	TypeDir
)

var (
	// ErrBadMagic is returned by Create when a device's superblock does not carry the fixed tag.
	ErrBadMagic = errors.New("inodefs: bad superblock magic")

	// ErrFileTooLarge is returned by Write once a file would grow past DirectPointers blocks,
	// the deliberate boundary this filesystem draws around indirect blocks.
	ErrFileTooLarge = errors.New("inodefs: file exceeds direct-block fan-out")

	// ErrNoFreeBlocks / ErrNoFreeInodes are returned by the respective allocators when exhausted.
	ErrNoFreeBlocks = errors.New("inodefs: no free blocks")
	ErrNoFreeInodes = errors.New("inodefs: no free inodes")

	// ErrNotFound mirrors vfs.ErrNotFound for directory lookups internal to this package.
	ErrNotFound = errors.New("inodefs: not found")
)

// superblock is block 0 of every volume, laid out exactly.
type superblock struct {
	Magic           uint32
	Version         uint32
	BlockSize       uint32
	BlockCount      uint32
	InodeCount      uint32
	FirstInodeBlock uint32
	FirstDataBlock  uint32
	FreeBlocks      uint32
	FreeInodes      uint32
}

func encodeSuperblock(sb superblock) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Version)
	binary.LittleEndian.PutUint32(buf[8:12], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[12:16], sb.BlockCount)
	binary.LittleEndian.PutUint32(buf[16:20], sb.InodeCount)
	binary.LittleEndian.PutUint32(buf[20:24], sb.FirstInodeBlock)
	binary.LittleEndian.PutUint32(buf[24:28], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(buf[28:32], sb.FreeBlocks)
	binary.LittleEndian.PutUint32(buf[32:36], sb.FreeInodes)
	// Bytes [36:blockSize) are the reserved pad named.
	return buf
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint32(buf[4:8]),
		BlockSize:       binary.LittleEndian.Uint32(buf[8:12]),
		BlockCount:      binary.LittleEndian.Uint32(buf[12:16]),
		InodeCount:      binary.LittleEndian.Uint32(buf[16:20]),
		FirstInodeBlock: binary.LittleEndian.Uint32(buf[20:24]),
		FirstDataBlock:  binary.LittleEndian.Uint32(buf[24:28]),
		FreeBlocks:      binary.LittleEndian.Uint32(buf[28:32]),
		FreeInodes:      binary.LittleEndian.Uint32(buf[32:36]),
	}
}

// inode is the in-memory decoding of one fixed-size inode record.
type inode struct {
	Number     uint32
	Type       InodeType
	Size       uint64
	BlocksUsed uint32
	Direct     [DirectPointers]uint32
	Ctime      int64
	Mtime      int64
}

func encodeInode(in inode) []byte {
	buf := make([]byte, inodeSize)
	binary.LittleEndian.PutUint32(buf[0:4], in.Number)
	buf[4] = byte(in.Type)
	binary.LittleEndian.PutUint64(buf[8:16], in.Size)
	binary.LittleEndian.PutUint32(buf[16:20], in.BlocksUsed)

	for i, p := range in.Direct {
		off := 20 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}

	directEnd := 20 + DirectPointers*4
	binary.LittleEndian.PutUint64(buf[directEnd:directEnd+8], uint64(in.Ctime))
	binary.LittleEndian.PutUint64(buf[directEnd+8:directEnd+16], uint64(in.Mtime))

	return buf
}

func decodeInode(buf []byte) inode {
	var in inode

	in.Number = binary.LittleEndian.Uint32(buf[0:4])
	in.Type = InodeType(buf[4])
	in.Size = binary.LittleEndian.Uint64(buf[8:16])
	in.BlocksUsed = binary.LittleEndian.Uint32(buf[16:20])

	for i := range in.Direct {
		off := 20 + i*4
		in.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}

	directEnd := 20 + DirectPointers*4
	in.Ctime = int64(binary.LittleEndian.Uint64(buf[directEnd : directEnd+8]))
	in.Mtime = int64(binary.LittleEndian.Uint64(buf[directEnd+8 : directEnd+16]))

	return in
}

// dirEntry is one fixed-size directory record; entry-inode==0 means unused.
type dirEntry struct {
	Inode uint32
	Type  InodeType
	Name  string
}

func encodeDirEntry(e dirEntry) []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Inode)
	buf[4] = byte(e.Type)

	name := e.Name
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	copy(buf[5:], name)

	return buf
}

func decodeDirEntry(buf []byte) dirEntry {
	inode := binary.LittleEndian.Uint32(buf[0:4])
	typ := InodeType(buf[4])

	end := 5
	for end < dirEntrySize && buf[end] != 0 {
		end++
	}

	return dirEntry{Inode: inode, Type: typ, Name: string(buf[5:end])}
}

// FS is a mounted in-tree filesystem instance; it implements vfs.FileSystem.
type FS struct {
	mut sync.Mutex

	dev blkdev.Device
	sb  superblock

	nextFreeBlock uint32
	nextFreeInode uint32

	root *vfs.Node
	log  *log.Logger
}

// Format writes a fresh superblock, zeroes the inode table, and reserves inode 0 as the root
// directory with one allocated data block.
func Format(dev blkdev.Device) error {
	blockCount := uint32(dev.BlockCount())

	inodeBlocks := (defaultInodeCount + inodesPerBlock - 1) / inodesPerBlock
	firstInodeBlock := uint32(1)
	firstDataBlock := firstInodeBlock + uint32(inodeBlocks)

	if uint64(firstDataBlock)+1 > uint64(blockCount) {
		return fmt.Errorf("inodefs: device too small: %d blocks", blockCount)
	}

	sb := superblock{
		Magic:           Magic,
		Version:         Version,
		BlockSize:       blockSize,
		BlockCount:      blockCount,
		InodeCount:      defaultInodeCount,
		FirstInodeBlock: firstInodeBlock,
		FirstDataBlock:  firstDataBlock,
		FreeBlocks:      blockCount - firstDataBlock - 1, // minus the root's own data block
		FreeInodes:      defaultInodeCount - 1,           // minus inode 0
	}

	if err := blkdev.WriteAt(dev, 0, encodeSuperblock(sb)); err != nil {
		return err
	}

	zero := make([]byte, blockSize)
	for b := firstInodeBlock; b < firstDataBlock; b++ {
		if err := blkdev.WriteAt(dev, uint64(b)*blockSize, zero); err != nil {
			return err
		}
	}

	root := inode{
		Number:     rootInodeNumber,
		Type:       TypeDir,
		Size:       0,
		BlocksUsed: 1,
	}
	root.Direct[0] = firstDataBlock

	if err := writeInodeRaw(dev, sb, rootInodeNumber, root); err != nil {
		return err
	}

	return blkdev.WriteAt(dev, uint64(firstDataBlock)*blockSize, zero)
}

func writeInodeRaw(dev blkdev.Device, sb superblock, number uint32, in inode) error {
	blockIndex, offsetInBlock := inodeLocation(sb, number)

	var block [blockSize]byte
	if err := blkdev.ReadAt(dev, uint64(blockIndex)*blockSize, block[:]); err != nil {
		return err
	}

	copy(block[offsetInBlock:offsetInBlock+inodeSize], encodeInode(in))

	return blkdev.WriteAt(dev, uint64(blockIndex)*blockSize, block[:])
}

func inodeLocation(sb superblock, number uint32) (block uint32, offset uint32) {
	block = sb.FirstInodeBlock + number/inodesPerBlock
	offset = (number % inodesPerBlock) * inodeSize
	return block, offset
}

// Create opens an already-formatted device as a mounted filesystem handle.
func Create(dev blkdev.Device) (*FS, error) {
	var sbBlock [blockSize]byte
	if err := blkdev.ReadAt(dev, 0, sbBlock[:]); err != nil {
		return nil, err
	}

	sb := decodeSuperblock(sbBlock[:])
	if sb.Magic != Magic {
		return nil, ErrBadMagic
	}

	fs := &FS{dev: dev, sb: sb, log: log.DefaultLogger()}

	if err := fs.recoverAllocatorCursors(); err != nil {
		return nil, err
	}

	root, err := fs.nodeForInode(rootInodeNumber)
	if err != nil {
		return nil, err
	}
	root.Name = "/"
	fs.root = root

	return fs, nil
}

// recoverAllocatorCursors derives bump-allocation cursors for blocks and inodes by scanning the
// inode table, since the fixed on-disk format carries only free counters, not a
// free-block/free-inode list. Blocks and inodes are always handed out in increasing order, so the
// high-water mark across all in-use inodes is sufficient; freed entries below it are not reused,
// a known limitation of this minimal allocator.
func (fs *FS) recoverAllocatorCursors() error {
	maxBlock := fs.sb.FirstDataBlock
	maxInode := uint32(0)

	for i := uint32(0); i < fs.sb.InodeCount; i++ {
		in, err := fs.readInode(i)
		if err != nil {
			return err
		}

		if in.Type == TypeFree {
			continue
		}

		if i >= maxInode {
			maxInode = i + 1
		}

		for _, d := range in.Direct {
			if d >= maxBlock {
				maxBlock = d + 1
			}
		}
	}

	fs.nextFreeBlock = maxBlock
	if maxInode == 0 {
		maxInode = 1
	}
	fs.nextFreeInode = maxInode

	return nil
}

func (fs *FS) readInode(number uint32) (inode, error) {
	block, offset := inodeLocation(fs.sb, number)

	var buf [blockSize]byte
	if err := blkdev.ReadAt(fs.dev, uint64(block)*blockSize, buf[:]); err != nil {
		return inode{}, err
	}

	return decodeInode(buf[offset : offset+inodeSize]), nil
}

func (fs *FS) writeInode(number uint32, in inode) error {
	return writeInodeRaw(fs.dev, fs.sb, number, in)
}

// allocBlock hands out the next data block via the bump cursor recovered at Create time.
func (fs *FS) allocBlock() (uint32, error) {
	if uint64(fs.nextFreeBlock) >= uint64(fs.sb.BlockCount) {
		return 0, ErrNoFreeBlocks
	}

	b := fs.nextFreeBlock
	fs.nextFreeBlock++

	if fs.sb.FreeBlocks > 0 {
		fs.sb.FreeBlocks--
	}

	return b, nil
}

// freeBlock retires a block's accounting. The bump allocator does not reclaim the block itself,
// per recoverAllocatorCursors's documented limitation.
func (fs *FS) freeBlock(uint32) {
	fs.sb.FreeBlocks++
}

func (fs *FS) allocInode() (uint32, error) {
	if fs.nextFreeInode >= fs.sb.InodeCount {
		return 0, ErrNoFreeInodes
	}

	n := fs.nextFreeInode
	fs.nextFreeInode++

	if fs.sb.FreeInodes > 0 {
		fs.sb.FreeInodes--
	}

	return n, nil
}

func (fs *FS) freeInode(number uint32) error {
	in, err := fs.readInode(number)
	if err != nil {
		return err
	}

	in.Type = TypeFree
	fs.sb.FreeInodes++

	return fs.writeInode(number, in)
}

func (fs *FS) nodeForInode(number uint32) (*vfs.Node, error) {
	in, err := fs.readInode(number)
	if err != nil {
		return nil, err
	}

	typ := vfs.File
	if in.Type == TypeDir {
		typ = vfs.Directory
	}

	return &vfs.Node{Type: typ, Size: in.Size, FS: fs, Ino: uint64(number)}, nil
}

// Root implements vfs.FileSystem.
func (fs *FS) Root() *vfs.Node {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	return fs.root
}

// FindDir implements vfs.FileSystem: it reads the first direct data block of a directory inode
// and scans its fixed-size entries for a name match.
func (fs *FS) FindDir(dir *vfs.Node, name string) (*vfs.Node, bool) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	in, err := fs.readInode(uint32(dir.Ino))
	if err != nil || in.Type != TypeDir || in.Direct[0] == 0 {
		return nil, false
	}

	var block [blockSize]byte
	if err := blkdev.ReadAt(fs.dev, uint64(in.Direct[0])*blockSize, block[:]); err != nil {
		return nil, false
	}

	for i := 0; i < entriesPerBlock; i++ {
		entry := decodeDirEntry(block[i*dirEntrySize : (i+1)*dirEntrySize])
		if entry.Inode == 0 {
			continue
		}

		if entry.Name == name {
			node, err := fs.nodeForInode(entry.Inode)
			if err != nil {
				return nil, false
			}

			node.Name = name

			return node, true
		}
	}

	return nil, false
}

// ReadDir implements vfs.FileSystem.13: only the first direct data block of a
// directory is consulted, returning the entry at index or false once the inode field is zero.
func (fs *FS) ReadDir(dir *vfs.Node, index int) (vfs.DirEntry, bool) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	if index < 0 || index >= entriesPerBlock {
		return vfs.DirEntry{}, false
	}

	in, err := fs.readInode(uint32(dir.Ino))
	if err != nil || in.Direct[0] == 0 {
		return vfs.DirEntry{}, false
	}

	var block [blockSize]byte
	if err := blkdev.ReadAt(fs.dev, uint64(in.Direct[0])*blockSize, block[:]); err != nil {
		return vfs.DirEntry{}, false
	}

	entry := decodeDirEntry(block[index*dirEntrySize : (index+1)*dirEntrySize])
	if entry.Inode == 0 {
		return vfs.DirEntry{}, false
	}

	typ := vfs.File
	if entry.Type == TypeDir {
		typ = vfs.Directory
	}

	return vfs.DirEntry{Name: entry.Name, Ino: uint64(entry.Inode), Type: typ}, true
}

// Read implements vfs.FileSystem.13's read path: clamp to the inode's size, map
// each byte span onto a direct block, and copy.
func (fs *FS) Read(node *vfs.Node, offset uint64, buf []byte) (int, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	in, err := fs.readInode(uint32(node.Ino))
	if err != nil {
		return 0, err
	}

	if offset >= in.Size {
		return 0, nil
	}

	remaining := in.Size - offset
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n := 0

	for n < len(buf) {
		pos := offset + uint64(n)
		blockIndex := pos / blockSize
		blockOffset := pos % blockSize

		if blockIndex >= DirectPointers || in.Direct[blockIndex] == 0 {
			break
		}

		var block [blockSize]byte
		if err := blkdev.ReadAt(fs.dev, uint64(in.Direct[blockIndex])*blockSize, block[:]); err != nil {
			return n, err
		}

		toCopy := blockSize - int(blockOffset)
		if toCopy > len(buf)-n {
			toCopy = len(buf) - n
		}

		copy(buf[n:n+toCopy], block[blockOffset:int(blockOffset)+toCopy])
		n += toCopy
	}

	return n, nil
}

// Write implements the supplemented eager allocate-on-write path: it grows a file one direct
// block at a time, never crossing DirectPointers.
func (fs *FS) Write(node *vfs.Node, offset uint64, buf []byte) (int, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	in, err := fs.readInode(uint32(node.Ino))
	if err != nil {
		return 0, err
	}

	n := 0

	for n < len(buf) {
		pos := offset + uint64(n)
		blockIndex := pos / blockSize
		blockOffset := pos % blockSize

		if blockIndex >= DirectPointers {
			return n, ErrFileTooLarge
		}

		var block [blockSize]byte

		if in.Direct[blockIndex] == 0 {
			newBlock, err := fs.allocBlock()
			if err != nil {
				return n, err
			}

			in.Direct[blockIndex] = newBlock
			in.BlocksUsed++
		} else if err := blkdev.ReadAt(fs.dev, uint64(in.Direct[blockIndex])*blockSize, block[:]); err != nil {
			return n, err
		}

		toCopy := blockSize - int(blockOffset)
		if toCopy > len(buf)-n {
			toCopy = len(buf) - n
		}

		copy(block[blockOffset:int(blockOffset)+toCopy], buf[n:n+toCopy])

		if err := blkdev.WriteAt(fs.dev, uint64(in.Direct[blockIndex])*blockSize, block[:]); err != nil {
			return n, err
		}

		n += toCopy
	}

	newSize := offset + uint64(n)
	if newSize > in.Size {
		in.Size = newSize
		node.Size = newSize
	}

	if err := fs.writeInode(uint32(node.Ino), in); err != nil {
		return n, err
	}

	return n, nil
}

// CreateFile allocates an inode and a directory entry for a new regular file in dir, a small
// extension to  needed to exercise the write path from an empty filesystem in tests
// and from cmd/vulcan's disk-image tooling.
func (fs *FS) CreateFile(dir *vfs.Node, name string) (*vfs.Node, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	dirInode, err := fs.readInode(uint32(dir.Ino))
	if err != nil {
		return nil, err
	}

	if dirInode.Direct[0] == 0 {
		return nil, ErrNotFound
	}

	var block [blockSize]byte
	if err := blkdev.ReadAt(fs.dev, uint64(dirInode.Direct[0])*blockSize, block[:]); err != nil {
		return nil, err
	}

	slot := -1

	for i := 0; i < entriesPerBlock; i++ {
		entry := decodeDirEntry(block[i*dirEntrySize : (i+1)*dirEntrySize])
		if entry.Inode == 0 {
			slot = i
			break
		}
	}

	if slot == -1 {
		return nil, fmt.Errorf("inodefs: directory full")
	}

	number, err := fs.allocInode()
	if err != nil {
		return nil, err
	}

	in := inode{Number: number, Type: TypeFile}
	if err := fs.writeInode(number, in); err != nil {
		return nil, err
	}

	copy(block[slot*dirEntrySize:(slot+1)*dirEntrySize], encodeDirEntry(dirEntry{Inode: number, Type: TypeFile, Name: name}))

	if err := blkdev.WriteAt(fs.dev, uint64(dirInode.Direct[0])*blockSize, block[:]); err != nil {
		return nil, err
	}

	return &vfs.Node{Name: name, Type: vfs.File, FS: fs, Ino: uint64(number)}, nil
}
