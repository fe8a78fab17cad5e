package mount

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Filesystem is a backend able to mount a device as one filesystem type.
type Filesystem interface {
	Name() string
	Mount(source, target string) error
	Unmount(target string) error
}

// Kernel mounts through the mount(2) syscall with a fixed type, flags and data.
type Kernel struct {
	Type  string
	Flags uintptr
	Data  string
}

func (k *Kernel) Name() string {
	return k.Type
}

func (k *Kernel) Mount(source, target string) error {
	if err := unix.Mount(source, target, k.Type, k.Flags, k.Data); err != nil {
		return fmt.Errorf("mount %s on %s as %s: %w", source, target, k.Type, err)
	}
	return nil
}

func (k *Kernel) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// DefaultFilesystems is the order removable media are probed in.
var DefaultFilesystems = []string{"vfat", "exfat", "ntfs3", "ext4", "ext3", "ext2"}

// Catalog holds the backends a coordinator may be configured with.
type Catalog map[string]Filesystem

func DefaultCatalog() Catalog {
	catalog := Catalog{}
	for _, name := range DefaultFilesystems {
		catalog.Register(&Kernel{Type: name})
	}
	// flash filesystems on MTD block devices
	for _, name := range []string{"jffs2", "ubifs", "yaffs2"} {
		catalog.Register(&Kernel{Type: name, Flags: unix.MS_NOATIME})
	}
	return catalog
}

func (c Catalog) Register(fs Filesystem) {
	c[fs.Name()] = fs
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the backends for names, keeping their order.
func (c Catalog) Select(names ...string) ([]Filesystem, error) {
	res := make([]Filesystem, 0, len(names))
	for _, name := range names {
		fs, found := c[name]
		if !found {
			return nil, fmt.Errorf("unsupported filesystem %q, known: %v", name, c.Names())
		}
		res = append(res, fs)
	}
	return res, nil
}
