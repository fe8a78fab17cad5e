package mount_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ydb-platform/udev-recovery/internal/hotplug"
	"github.com/ydb-platform/udev-recovery/internal/mount"
	"github.com/ydb-platform/udev-recovery/internal/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func partitionAdd(name string) hotplug.Event {
	var attrs hotplug.Attributes
	attrs.Set(hotplug.KeyDevType, hotplug.DevTypePartition)
	attrs.Set(hotplug.KeyDevName, name)
	return hotplug.NewEvent(hotplug.BlockSubsystem, hotplug.Add, attrs)
}

func partitionRemove(name string) hotplug.Event {
	var attrs hotplug.Attributes
	attrs.Set(hotplug.KeyDevType, hotplug.DevTypePartition)
	attrs.Set(hotplug.KeyDevName, name)
	return hotplug.NewEvent(hotplug.BlockSubsystem, hotplug.Remove, attrs)
}

var _ = Describe("Coordinator", func() {
	var (
		mu          sync.Mutex
		calls       []string
		vfat, ext4  *fakeFS
		layout      storage.Layout
		registry    *storage.Registry
		coordinator *mount.Coordinator
		noWait      = func(string, time.Duration) error { return nil }
	)

	callLog := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}

	BeforeEach(func() {
		calls = nil
		vfat = newFakeFS("vfat", &calls, &mu)
		ext4 = newFakeFS("ext4", &calls, &mu)
		tmp := GinkgoT().TempDir()
		layout = storage.Layout{DevRoot: "/dev", MountRoot: filepath.Join(tmp, "recovery-mount")}
		registry = storage.NewRegistry(layout)
		coordinator = mount.NewCoordinator(layout.MountRoot, []mount.Filesystem{vfat, ext4},
			mount.WithNodeWait(time.Second, noWait),
			mount.WithMountTable(&fakeTable{}, func(string) error { return nil }),
		)
	})

	AfterEach(func() {
		registry.Close()
	})

	Context("Mount", func() {
		It("stops at the first filesystem that succeeds", func() {
			dev := layout.Device("sda1")
			vfat.failMount[dev.DevicePath] = syscall.EINVAL

			volume, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())
			Expect(volume.Filesystem).To(Equal("ext4"))
			Expect(volume.MountPoint).To(Equal(dev.MountPoint))
			Expect(callLog()).To(Equal([]string{
				"mount vfat /dev/sda1 " + dev.MountPoint,
				"mount ext4 /dev/sda1 " + dev.MountPoint,
			}))
			Expect(dev.MountPoint).To(BeADirectory())
		})

		It("does not try later filesystems after a success", func() {
			dev := layout.Device("sda1")

			volume, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())
			Expect(volume.Filesystem).To(Equal("vfat"))
			Expect(callLog()).To(HaveLen(1))
		})

		It("reports the last failure when nothing mounts", func() {
			dev := layout.Device("sdb1")
			vfat.failMount[dev.DevicePath] = syscall.EINVAL
			ext4.failMount[dev.DevicePath] = syscall.ENODEV

			_, err := coordinator.Mount(dev)
			Expect(errors.Is(err, mount.ErrNoneSupported)).To(BeTrue())
			Expect(errors.Is(err, syscall.ENODEV)).To(BeTrue())
			var mountErr *mount.MountError
			Expect(errors.As(err, &mountErr)).To(BeTrue())
			Expect(mountErr.Filesystem).To(Equal("ext4"))
			Expect(coordinator.Volumes()).To(BeEmpty())
		})

		It("returns the existing volume for a mounted device", func() {
			dev := layout.Device("sda1")
			_, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())
			_, err = coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())
			Expect(callLog()).To(HaveLen(1))
			Expect(coordinator.Volumes()).To(HaveLen(1))
		})
	})

	Context("Unmount", func() {
		It("succeeds for a device that is not mounted", func() {
			Expect(coordinator.Unmount(layout.Device("sdc1"))).To(Succeed())
			Expect(callLog()).To(BeEmpty())
		})

		It("unmounts and forgets the volume", func() {
			dev := layout.Device("sda1")
			_, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())

			Expect(coordinator.Unmount(dev)).To(Succeed())
			Expect(coordinator.Mounted(dev.DevicePath)).To(BeFalse())
			Expect(coordinator.Unmount(dev)).To(Succeed())
		})

		It("reports failures and keeps the volume", func() {
			dev := layout.Device("sda1")
			_, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())
			vfat.failUnmount[dev.MountPoint] = syscall.EBUSY

			err = coordinator.Unmount(dev)
			var unmountErr *mount.UnmountError
			Expect(errors.As(err, &unmountErr)).To(BeTrue())
			Expect(errors.Is(err, syscall.EBUSY)).To(BeTrue())
			Expect(coordinator.Mounted(dev.DevicePath)).To(BeTrue())
		})
	})

	Context("UnmountAll", func() {
		It("empties the mounted set and the registry even when unmounts fail", func() {
			for _, name := range []string{"sda1", "sdb1", "mmcblk0p1"} {
				registry.Admit(partitionAdd(name))
				_, err := coordinator.Mount(layout.Device(name))
				Expect(err).NotTo(HaveOccurred())
			}
			vfat.failUnmount[layout.Device("sdb1").MountPoint] = syscall.EBUSY

			err := coordinator.UnmountAll(registry)
			Expect(errors.Is(err, syscall.EBUSY)).To(BeTrue())
			Expect(coordinator.Volumes()).To(BeEmpty())
			Expect(registry.Devices()).To(BeEmpty())
			Expect(callLog()).To(ContainElement("umount vfat " + layout.Device("mmcblk0p1").MountPoint))
		})

		It("removes registered devices that never mounted", func() {
			registry.Admit(partitionAdd("sda1"))
			Expect(coordinator.UnmountAll(registry)).To(Succeed())
			Expect(registry.Devices()).To(BeEmpty())
		})

		It("releases volumes whose device was removed while mounted", func() {
			registry.Admit(partitionAdd("sda1"))
			dev, _ := registry.Lookup("sda1")
			_, err := coordinator.Mount(dev)
			Expect(err).NotTo(HaveOccurred())

			cancel := coordinator.Track(registry)
			defer cancel()

			Expect(registry.Admit(partitionRemove("sda1"))).To(Equal(storage.Unregistered))
			_, found := registry.Lookup("sda1")
			Expect(found).To(BeFalse())
			Consistently(func() bool { return coordinator.Mounted(dev.DevicePath) }, 100*time.Millisecond).Should(BeTrue())

			Expect(coordinator.UnmountAll(registry)).To(Succeed())
			Expect(coordinator.Volumes()).To(BeEmpty())
			Expect(callLog()).To(ContainElement("umount vfat " + dev.MountPoint))
		})
	})

	Context("Prepare", func() {
		It("detaches stale mounts and recreates the root", func() {
			Expect(os.MkdirAll(filepath.Join(layout.MountRoot, "old"), 0o755)).To(Succeed())
			var detached []string
			stale := []string{layout.MountRoot + "/old", layout.MountRoot + "/old/nested"}
			c := mount.NewCoordinator(layout.MountRoot, nil,
				mount.WithMountTable(&fakeTable{mounts: mount.DeepestFirst(stale)}, func(target string) error {
					detached = append(detached, target)
					return nil
				}),
			)

			Expect(c.Prepare()).To(Succeed())
			Expect(detached).To(Equal([]string{layout.MountRoot + "/old/nested", layout.MountRoot + "/old"}))
			Expect(layout.MountRoot).To(BeADirectory())
			Expect(filepath.Join(layout.MountRoot, "old")).NotTo(BeAnExistingFile())
		})

		It("keeps the root when a stale mount cannot be detached", func() {
			keep := filepath.Join(layout.MountRoot, "busy", "data")
			Expect(os.MkdirAll(keep, 0o755)).To(Succeed())
			c := mount.NewCoordinator(layout.MountRoot, nil,
				mount.WithMountTable(&fakeTable{mounts: []string{layout.MountRoot + "/busy"}}, func(string) error {
					return syscall.EBUSY
				}),
			)

			Expect(c.Prepare()).To(MatchError(ContainSubstring("stale mount")))
			Expect(keep).To(BeADirectory())
		})

		It("fails when the mount table cannot be read", func() {
			c := mount.NewCoordinator(layout.MountRoot, nil,
				mount.WithMountTable(&fakeTable{err: errors.New("no procfs")}, nil),
			)
			Expect(c.Prepare()).NotTo(Succeed())
		})
	})
})

var _ = Describe("Catalog", func() {
	It("selects backends in the requested order", func() {
		fss, err := mount.DefaultCatalog().Select("ext4", "vfat", "jffs2")
		Expect(err).NotTo(HaveOccurred())
		Expect(fss).To(HaveLen(3))
		Expect(fss[0].Name()).To(Equal("ext4"))
		Expect(fss[1].Name()).To(Equal("vfat"))
		Expect(fss[2].Name()).To(Equal("jffs2"))
	})

	It("rejects unknown filesystems", func() {
		_, err := mount.DefaultCatalog().Select("vfat", "zfs")
		Expect(err).To(MatchError(ContainSubstring(`"zfs"`)))
	})

	It("covers the default probing order", func() {
		_, err := mount.DefaultCatalog().Select(mount.DefaultFilesystems...)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("WaitForNode", func() {
	It("returns once the node is created", func() {
		dir := GinkgoT().TempDir()
		node := filepath.Join(dir, "sda1")
		go func() {
			time.Sleep(50 * time.Millisecond)
			f, err := os.Create(node)
			if err == nil {
				f.Close()
			}
		}()

		Expect(mount.WaitForNode(node, 5*time.Second)).To(Succeed())
	})

	It("returns immediately for an existing node", func() {
		node := filepath.Join(GinkgoT().TempDir(), "sda1")
		Expect(os.WriteFile(node, nil, 0o600)).To(Succeed())
		Expect(mount.WaitForNode(node, time.Hour)).To(Succeed())
	})

	It("times out for a node that never appears", func() {
		node := filepath.Join(GinkgoT().TempDir(), "sdz")
		err := mount.WaitForNode(node, 50*time.Millisecond)
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})
})
