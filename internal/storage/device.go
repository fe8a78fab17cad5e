package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/kennygrant/sanitize"

	"github.com/ydb-platform/udev-recovery/internal/hotplug"
)

// Layout holds the process wide prefixes device nodes and mount points live under.
type Layout struct {
	DevRoot   string
	MountRoot string
}

func DefaultLayout() Layout {
	return Layout{
		DevRoot:   "/dev",
		MountRoot: "/recovery-mount",
	}
}

// Device is a registered storage device eligible to be searched for an update.
type Device struct {
	Name       string
	DevicePath string
	MountPoint string
}

func (d Device) String() string {
	return fmt.Sprintf("Device[Name=%s, DevicePath=%s, MountPoint=%s]", d.Name, d.DevicePath, d.MountPoint)
}

// Device derives the paths of a kernel device name. Names with a directory
// component (cciss/c0d0) keep it under DevRoot but are flattened for the
// mount point.
func (l Layout) Device(name string) Device {
	return Device{
		Name:       name,
		DevicePath: path.Join(l.DevRoot, name),
		MountPoint: path.Join(l.MountRoot, sanitize.BaseName(name)),
	}
}

// DeviceName extracts the kernel device name of an event: DEVNAME when
// present, otherwise the last element of DEVPATH.
func (l Layout) DeviceName(ev hotplug.Event) string {
	name := ev.Attribute(hotplug.KeyDevName)
	if name == "" {
		if devpath := ev.Attribute(hotplug.KeyDevPath); devpath != "" {
			name = path.Base(devpath)
		}
	}
	prefix := strings.TrimSuffix(l.DevRoot, "/") + "/"
	return strings.TrimPrefix(name, prefix)
}
