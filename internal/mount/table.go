package mount

import (
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// MountTable lists mount points currently active under a directory.
type MountTable interface {
	MountsUnder(root string) ([]string, error)
}

type procMountTable struct{}

// ProcMountTable reads /proc/self/mountinfo.
func ProcMountTable() MountTable {
	return procMountTable{}
}

func (procMountTable) MountsUnder(root string) ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(infos))
	for _, info := range infos {
		res = append(res, info.Mountpoint)
	}
	return DeepestFirst(res), nil
}

// DeepestFirst orders mount points so nested mounts are released before their parents.
func DeepestFirst(mountpoints []string) []string {
	sort.SliceStable(mountpoints, func(i, j int) bool {
		return strings.Count(mountpoints[i], "/") > strings.Count(mountpoints[j], "/")
	})
	return mountpoints
}

func lazyUnmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}
