package hotplug

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	libudev "github.com/jochenvg/go-udev"

	"k8s.io/klog/v2"
)

// Scanner reports devices that were attached before the listener started,
// as if the kernel had just announced them.
type Scanner interface {
	Scan() ([]Event, error)
}

// DeviceRecord is the part of an enumerated device needed to synthesize an event.
type DeviceRecord struct {
	Syspath    string
	Parent     string
	Sysname    string
	Subsystem  string
	DevType    string
	Properties map[string]string
}

type UdevScanner struct {
	Subsystems []string
	DevRoot    string
}

func NewUdevScanner(devRoot string) *UdevScanner {
	return &UdevScanner{
		Subsystems: []string{BlockSubsystem, NetSubsystem},
		DevRoot:    devRoot,
	}
}

func (s *UdevScanner) Scan() ([]Event, error) {
	var u libudev.Udev
	records := make([]DeviceRecord, 0)

	for _, subsystem := range s.Subsystems {
		enum := u.NewEnumerate()
		if err := enum.AddMatchSubsystem(subsystem); err != nil {
			return nil, fmt.Errorf("failed to match subsystem %q: %w", subsystem, err)
		}
		devs, err := enum.Devices()
		if err != nil {
			klog.Errorf("Failed to enumerate %s devices: %v", subsystem, err)
			return nil, fmt.Errorf("failed to enumerate %s devices: %w", subsystem, err)
		}
		for _, dev := range devs {
			if dev == nil {
				klog.Error("udev device is nil!")
				continue
			}
			record := DeviceRecord{
				Syspath:    dev.Syspath(),
				Sysname:    dev.Sysname(),
				Subsystem:  dev.Subsystem(),
				DevType:    dev.Devtype(),
				Properties: dev.Properties(),
			}
			if parent := dev.Parent(); parent != nil {
				record.Parent = parent.Syspath()
			}
			records = append(records, record)
		}
	}

	events := Synthesize(records, s.DevRoot)
	klog.V(2).Infof("Cold scan found %d devices", len(events))
	return events, nil
}

// Synthesize turns enumerated devices into Add events. Udev reports DEVNAME as
// a device node path, so it is reduced to the kernel name relative to devRoot.
// Whole disks get NPARTS from the partitions present in the same enumeration
// unless udev already provided it.
func Synthesize(records []DeviceRecord, devRoot string) []Event {
	nparts := make(map[string]int)
	for _, r := range records {
		if r.Subsystem == BlockSubsystem && r.DevType == DevTypePartition && r.Parent != "" {
			nparts[r.Parent]++
		}
	}

	prefix := strings.TrimSuffix(devRoot, "/") + "/"
	events := make([]Event, 0, len(records))
	for _, r := range records {
		var attrs Attributes
		attrs.Set(KeyAction, Add.String())
		attrs.Set(KeySubsystem, r.Subsystem)
		if r.DevType != "" {
			attrs.Set(KeyDevType, r.DevType)
		}

		keys := make([]string, 0, len(r.Properties))
		for k := range r.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch k {
			case KeyAction, KeySubsystem:
				continue
			}
			attrs.Set(k, r.Properties[k])
		}

		name := strings.TrimPrefix(attrs.Get(KeyDevName), prefix)
		if name == "" {
			name = r.Sysname
		}
		if name != "" && r.Subsystem == BlockSubsystem {
			attrs.Set(KeyDevName, name)
		}

		if r.Subsystem == BlockSubsystem && r.DevType == DevTypeDisk {
			if _, found := attrs.Lookup(KeyNParts); !found {
				attrs.Set(KeyNParts, strconv.Itoa(nparts[r.Syspath]))
			}
		}

		events = append(events, NewEvent(r.Subsystem, Add, attrs))
	}
	return events
}
