package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-recovery/internal/mount"
)

const DefaultPackageName = "update.zip"

var ErrNoPackage = errors.New("no update package found")

// Storage looks for an update package at the root of mounted volumes.
type Storage struct {
	PackageName string
	Applier     Applier
}

// UpdateFromStorage applies the first package found that the applier accepts,
// trying volumes in order.
func (s *Storage) UpdateFromStorage(ctx context.Context, volumes []mount.Volume) error {
	name := s.PackageName
	if name == "" {
		name = DefaultPackageName
	}

	var errs error
	found := false
	for _, volume := range volumes {
		pkg := filepath.Join(volume.MountPoint, name)
		info, err := os.Stat(pkg)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				klog.Warningf("Failed to inspect %s: %v", pkg, err)
			}
			continue
		}
		if !info.Mode().IsRegular() {
			klog.Warningf("Ignoring %s: not a regular file", pkg)
			continue
		}

		found = true
		klog.Infof("Found update package %s (%s) on %s", pkg, humanize.Bytes(uint64(info.Size())), volume.DevicePath)
		if err := s.Applier.Apply(ctx, pkg); err != nil {
			klog.Errorf("Failed to apply update package %s: %v", pkg, err)
			errs = errors.Join(errs, fmt.Errorf("%s: %w", volume.DevicePath, err))
			continue
		}
		klog.Infof("Update from %s succeeded", volume.DevicePath)
		return nil
	}

	if !found {
		return ErrNoPackage
	}
	return errs
}
