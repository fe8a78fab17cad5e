package mount

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-recovery/internal/mux"
	"github.com/ydb-platform/udev-recovery/internal/storage"
)

// Volume is a device mounted by the coordinator.
type Volume struct {
	DevicePath string
	MountPoint string
	Filesystem string

	fs Filesystem
}

func (v Volume) String() string {
	return fmt.Sprintf("Volume[DevicePath=%s, MountPoint=%s, Filesystem=%s]", v.DevicePath, v.MountPoint, v.Filesystem)
}

// DeviceSet is the registry view UnmountAll drains.
type DeviceSet interface {
	Devices() []storage.Device
	Remove(name string) bool
}

type Coordinator struct {
	root        string
	filesystems []Filesystem
	nodeWait    time.Duration
	waitNode    NodeWaiter
	table       MountTable
	detach      func(target string) error

	mu      sync.Mutex
	volumes map[string]Volume
	order   []string
}

type Option func(*Coordinator)

func WithNodeWait(timeout time.Duration, waiter NodeWaiter) Option {
	return func(c *Coordinator) {
		c.nodeWait = timeout
		if waiter != nil {
			c.waitNode = waiter
		}
	}
}

// WithMountTable replaces the stale mount lookup and the detach call Prepare uses.
func WithMountTable(table MountTable, detach func(target string) error) Option {
	return func(c *Coordinator) {
		c.table = table
		if detach != nil {
			c.detach = detach
		}
	}
}

// NewCoordinator creates a coordinator mounting devices under root, trying
// filesystems in the given order.
func NewCoordinator(root string, filesystems []Filesystem, opts ...Option) *Coordinator {
	c := &Coordinator{
		root:        root,
		filesystems: filesystems,
		nodeWait:    2 * time.Second,
		waitNode:    WaitForNode,
		table:       ProcMountTable(),
		detach:      lazyUnmount,
		volumes:     make(map[string]Volume),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Prepare releases anything left mounted under the mount root by a previous
// session and recreates the root empty. The root is never removed while
// something is still mounted below it.
func (c *Coordinator) Prepare() error {
	stale, err := c.table.MountsUnder(c.root)
	if err != nil {
		return fmt.Errorf("failed to list mounts under %s: %w", c.root, err)
	}
	for _, mountpoint := range stale {
		klog.Warningf("Detaching stale mount %s", mountpoint)
		if err := c.detach(mountpoint); err != nil {
			return fmt.Errorf("failed to detach stale mount %s: %w", mountpoint, err)
		}
	}
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("failed to remove mount root %s: %w", c.root, err)
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("failed to create mount root %s: %w", c.root, err)
	}
	return nil
}

// Mount mounts dev with the first filesystem that accepts it. Mounting an
// already mounted device returns the existing volume.
func (c *Coordinator) Mount(dev storage.Device) (Volume, error) {
	if volume, found := c.lookup(dev.DevicePath); found {
		return volume, nil
	}

	if err := os.MkdirAll(dev.MountPoint, 0o755); err != nil {
		return Volume{}, fmt.Errorf("failed to create mount point %s: %w", dev.MountPoint, err)
	}

	if err := c.waitNode(dev.DevicePath, c.nodeWait); err != nil {
		klog.Warningf("Device node for %q is not ready: %v", dev.Name, err)
	}

	var (
		lastErr  error
		lastType string
	)
	for _, fs := range c.filesystems {
		klog.Infof("Try to mount %s to %s as %s", dev.DevicePath, dev.MountPoint, fs.Name())
		err := fs.Mount(dev.DevicePath, dev.MountPoint)
		if err == nil {
			volume := Volume{
				DevicePath: dev.DevicePath,
				MountPoint: dev.MountPoint,
				Filesystem: fs.Name(),
				fs:         fs,
			}
			c.record(volume)
			klog.Infof("Mounted %s", volume)
			return volume, nil
		}
		klog.V(2).Infof("Mounting %s as %s failed: %v", dev.DevicePath, fs.Name(), err)
		lastErr, lastType = err, fs.Name()
	}

	err := &MountError{Device: dev.DevicePath, Filesystem: lastType, Err: lastErr}
	klog.Errorf("Failed to mount device %q: %v", dev.Name, err)
	return Volume{}, err
}

// Unmount releases dev. A device that is not mounted is not an error.
func (c *Coordinator) Unmount(dev storage.Device) error {
	volume, found := c.lookup(dev.DevicePath)
	if !found {
		klog.Warningf("Device %q may be already unmounted", dev.DevicePath)
		return nil
	}
	return c.release(volume)
}

func (c *Coordinator) release(volume Volume) error {
	klog.Infof("Try to umount %s from %s", volume.DevicePath, volume.MountPoint)
	if err := volume.fs.Unmount(volume.MountPoint); err != nil {
		return &UnmountError{Device: volume.DevicePath, MountPoint: volume.MountPoint, Err: err}
	}
	c.forget(volume.DevicePath)
	return nil
}

// UnmountAll unmounts every registered device and drops it from set, then
// releases volumes whose device already left the registry. Failures are
// logged and returned joined; the mounted set is always empty afterwards.
func (c *Coordinator) UnmountAll(set DeviceSet) error {
	var errs error
	for _, dev := range set.Devices() {
		if err := c.Unmount(dev); err != nil {
			klog.Errorf("Failed to umount device %q: %v", dev.Name, err)
			errs = errors.Join(errs, err)
		}
		c.forget(dev.DevicePath)
		set.Remove(dev.Name)
	}

	for _, volume := range c.Volumes() {
		klog.Warningf("Device %q left while mounted, releasing %s", volume.DevicePath, volume.MountPoint)
		if err := c.release(volume); err != nil {
			klog.Errorf("Failed to umount orphaned volume: %v", err)
			errs = errors.Join(errs, err)
		}
		c.forget(volume.DevicePath)
	}
	return errs
}

// Track logs devices that disappear from src while still mounted. The volume
// stays recorded until UnmountAll releases it.
func (c *Coordinator) Track(src mux.Source[storage.Change]) mux.CancelFunc {
	ch := make(chan storage.Change)
	go func() {
		for change := range ch {
			removed := change.(storage.Removed)
			if c.Mounted(removed.DevicePath) {
				klog.Warningf("Device %q was removed while mounted on %s", removed.Name, removed.MountPoint)
			}
		}
	}()

	isRemoved := func(change storage.Change) bool {
		_, ok := change.(storage.Removed)
		return ok
	}
	return src.Subscribe(mux.FilterSink(mux.SinkFromChan(ch), isRemoved))
}

// Volumes returns the mounted volumes in mount order.
func (c *Coordinator) Volumes() []Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]Volume, 0, len(c.order))
	for _, devicePath := range c.order {
		res = append(res, c.volumes[devicePath])
	}
	return res
}

func (c *Coordinator) Mounted(devicePath string) bool {
	_, found := c.lookup(devicePath)
	return found
}

func (c *Coordinator) lookup(devicePath string) (Volume, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	volume, found := c.volumes[devicePath]
	return volume, found
}

func (c *Coordinator) record(volume Volume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.volumes[volume.DevicePath]; !found {
		c.order = append(c.order, volume.DevicePath)
	}
	c.volumes[volume.DevicePath] = volume
}

func (c *Coordinator) forget(devicePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.volumes[devicePath]; !found {
		return
	}
	delete(c.volumes, devicePath)
	for i, p := range c.order {
		if p == devicePath {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
