package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vulcan-os/vulcan/internal/cli"
	"github.com/vulcan-os/vulcan/internal/kernel/blkdev"
	"github.com/vulcan-os/vulcan/internal/kernel/blkdev/ata"
	"github.com/vulcan-os/vulcan/internal/kernel/fs/inodefs"
	"github.com/vulcan-os/vulcan/internal/kernel/vfs"
	"github.com/vulcan-os/vulcan/internal/log"
)

// Diskutil formats and populates disk images for the in-tree filesystem, the offline counterpart
// to boot's -disk flag, built directly on blkdev/ata and fs/inodefs's own construction sequence.
//
//	vulcan diskutil -image disk.img -size bytes -format [-add localfile]...
func Diskutil() cli.Command {
	return &diskutil{size: 10 << 20}
}

type diskutil struct {
	image  string
	size   uint64
	format bool
	add    stringList
}

type stringList []string

func (s *stringList) String() string     { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func (diskutil) Description() string {
	return "format and populate an in-tree-filesystem disk image"
}

func (diskutil) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `diskutil -image file [-size bytes] [-format] [-add localfile]...

Creates or opens a disk image, optionally formats it with the in-tree
filesystem, and optionally copies local files into its root directory.`)

	return err
}

func (d *diskutil) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("diskutil", flag.ExitOnError)

	fs.StringVar(&d.image, "image", "", "path to the disk image")
	fs.Uint64Var(&d.size, "size", d.size, "image size in bytes, when creating")
	fs.BoolVar(&d.format, "format", false, "format the image before use")
	fs.Var(&d.add, "add", "local `file` to copy into the image root (repeatable)")

	return fs
}

func (d *diskutil) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if d.image == "" {
		logger.Error("diskutil: -image is required")
		return 1
	}

	if d.format {
		if err := d.createImageFile(); err != nil {
			logger.Error("diskutil: create image", "err", err)
			return 1
		}
	}

	registry := blkdev.New()
	registry.Init()

	controller := ata.New()
	if err := controller.Init(registry, []string{d.image}); err != nil {
		logger.Error("diskutil: attach image", "err", err)
		return 1
	}
	defer controller.Close()

	dev, _ := registry.Lookup("hda")

	if d.format {
		if err := inodefs.Format(dev); err != nil {
			logger.Error("diskutil: format", "err", err)
			return 1
		}

		fmt.Fprintf(out, "formatted %s\n", d.image)
	}

	fs, err := inodefs.Create(dev)
	if err != nil {
		logger.Error("diskutil: mount", "err", err)
		return 1
	}

	v := vfs.New()
	v.Init()
	v.Mount("/", fs)

	root, err := v.Resolve("/")
	if err != nil {
		logger.Error("diskutil: resolve root", "err", err)
		return 1
	}

	for _, path := range d.add {
		if err := d.copyIn(v, fs, root, path); err != nil {
			logger.Error("diskutil: add file", "file", path, "err", err)
			return 1
		}

		fmt.Fprintf(out, "added %s\n", path)
	}

	return 0
}

func (d *diskutil) createImageFile() error {
	f, err := os.Create(d.image)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Truncate(int64(d.size))
}

func (d *diskutil) copyIn(v *vfs.VFS, fs *inodefs.FS, root *vfs.Node, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	name := filepathBase(localPath)

	if _, err := fs.CreateFile(root, name); err != nil {
		return err
	}

	fd, err := v.Open("/"+name, 0)
	if err != nil {
		return err
	}
	defer v.Close(fd)

	_, err = v.Write(fd, data)

	return err
}

// filepathBase avoids importing path/filepath solely for Base; this command only ever deals in
// plain, single-component names since fs/inodefs's root directory has no subdirectories.
func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}

	return p
}
