package storage

import (
	"strconv"
	"strings"

	"github.com/ydb-platform/udev-recovery/internal/hotplug"
	"github.com/ydb-platform/udev-recovery/internal/mux"
)

var DefaultNamePrefixes = []string{"sd", "mmcblk"}

type Admission int

const (
	// Ignored events are not about storage devices this registry cares about.
	Ignored Admission = iota
	// SkippedDisk marks a whole disk with partitions: its partitions are registered instead.
	SkippedDisk
	Registered
	AlreadyRegistered
	Unregistered
	NotRegistered
)

func (a Admission) String() string {
	switch a {
	case Ignored:
		return "ignored"
	case SkippedDisk:
		return "skipped partitioned disk"
	case Registered:
		return "registered"
	case AlreadyRegistered:
		return "already registered"
	case Unregistered:
		return "unregistered"
	case NotRegistered:
		return "not registered"
	}
	return "invalid"
}

func IsSubsystem(subsystem string) mux.FilterFunc[hotplug.Event] {
	return func(ev hotplug.Event) bool {
		return ev.Subsystem == subsystem
	}
}

func HasNamePrefix(layout Layout, prefixes ...string) mux.FilterFunc[hotplug.Event] {
	return func(ev hotplug.Event) bool {
		name := layout.DeviceName(ev)
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
		return false
	}
}

// IsVolume rejects whole disks that announce partitions. A missing or
// malformed NPARTS counts as an unpartitioned disk.
func IsVolume(ev hotplug.Event) bool {
	if ev.Attribute(hotplug.KeyDevType) == hotplug.DevTypePartition {
		return true
	}
	nparts, err := strconv.Atoi(strings.TrimSpace(ev.Attribute(hotplug.KeyNParts)))
	if err != nil {
		return true
	}
	return nparts == 0
}

// StorageFilter is the event predicate a registry applies before
// looking at the action.
func StorageFilter(layout Layout, prefixes ...string) mux.FilterFunc[hotplug.Event] {
	return mux.And(
		IsSubsystem(hotplug.BlockSubsystem),
		HasNamePrefix(layout, prefixes...),
	)
}
