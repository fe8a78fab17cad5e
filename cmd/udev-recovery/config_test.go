package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ydb-platform/udev-recovery/internal/mount"
	"github.com/ydb-platform/udev-recovery/internal/orchestrator"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func filesystemNames(filesystems []mount.Filesystem) []string {
	res := make([]string, 0, len(filesystems))
	for _, fs := range filesystems {
		res = append(res, fs.Name())
	}
	return res
}

var _ = Describe("Config", func() {
	var catalog mount.Catalog

	BeforeEach(func() {
		catalog = mount.DefaultCatalog()
	})

	It("uses defaults for an empty document", func() {
		config, err := parseConfig(strings.NewReader(""), catalog)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.DevRoot).To(Equal("/dev"))
		Expect(config.MountRoot).To(Equal("/recovery-mount"))
		Expect(config.NamePrefixes).To(Equal([]string{"sd", "mmcblk"}))
		Expect(filesystemNames(config.filesystems)).To(Equal(mount.DefaultFilesystems))
		Expect(config.SettleDelay).To(Equal(100 * time.Millisecond))
		Expect(config.noMedia).To(Equal(orchestrator.NoMediaNetwork))
		Expect(config.Update.Package).To(Equal("update.zip"))
		Expect(config.Network.URL).To(BeEmpty())
	})

	It("parses a full document", func() {
		config, err := parseConfig(strings.NewReader(`
devRoot: /dev
mountRoot: /run/recovery
namePrefixes: [sd, mmcblk, nvme]
filesystems: [ext4, vfat]
settleDelay: 250ms
nodeWait: 5s
noMedia: fatal
update:
  package: ota.zip
  installer: [/sbin/apply, --verify]
network:
  url: https://updates.example.com/ota.zip
  interfaces: [eth0]
  stagingDir: /tmp/ota
status:
  socket: /run/recovery.sock
`), catalog)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Layout().MountRoot).To(Equal("/run/recovery"))
		Expect(config.NamePrefixes).To(ContainElement("nvme"))
		Expect(filesystemNames(config.filesystems)).To(Equal([]string{"ext4", "vfat"}))
		Expect(config.SettleDelay).To(Equal(250 * time.Millisecond))
		Expect(config.NodeWait).To(Equal(5 * time.Second))
		Expect(config.noMedia).To(Equal(orchestrator.NoMediaFatal))
		Expect(config.Update.Installer).To(Equal([]string{"/sbin/apply", "--verify"}))
		Expect(config.Network.Interfaces).To(Equal([]string{"eth0"}))
		Expect(config.Status.Socket).To(Equal("/run/recovery.sock"))
	})

	DescribeTable("rejects invalid documents",
		func(document, expected string) {
			_, err := parseConfig(strings.NewReader(document), catalog)
			Expect(err).To(MatchError(ContainSubstring(expected)))
		},
		Entry("unknown filesystem", "filesystems: [vfat, zfs]", ".filesystems"),
		Entry("no filesystems", "filesystems: []", ".filesystems"),
		Entry("relative mount root", "mountRoot: recovery", ".mountRoot"),
		Entry("filesystem root", "mountRoot: /", ".mountRoot"),
		Entry("unknown policy", "noMedia: retry", ".noMedia"),
		Entry("negative delay", "settleDelay: -1s", ".settleDelay"),
		Entry("package path", "update: {package: a/b.zip}", ".update.package"),
		Entry("no installer", "update: {installer: []}", ".update.installer"),
		Entry("ftp url", "network: {url: 'ftp://example.com/u.zip'}", ".network.url"),
		Entry("unknown key", "mountPoint: /mnt", "mountPoint"),
	)

	It("reports every invalid field", func() {
		_, err := parseConfig(strings.NewReader("mountRoot: x\nnoMedia: retry\n"), catalog)
		Expect(err).To(MatchError(ContainSubstring(".mountRoot")))
		Expect(err).To(MatchError(ContainSubstring(".noMedia")))
	})
})

var _ = Describe("ConfigFlag", func() {
	It("reads from a file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte("noMedia: fatal\n"), 0o644)).To(Succeed())

		var flag ConfigFlag
		Expect(flag.Set("file:" + path)).To(Succeed())
		Expect(flag.String()).To(Equal("file:" + path))

		reader, closer, err := flag.open()
		Expect(err).NotTo(HaveOccurred())
		defer closer()
		config, err := parseConfig(reader, mount.DefaultCatalog())
		Expect(err).NotTo(HaveOccurred())
		Expect(config.noMedia).To(Equal(orchestrator.NoMediaFatal))
	})

	It("reads from the environment", func() {
		GinkgoT().Setenv("RECOVERY_CONFIG", "settleDelay: 1s")

		var flag ConfigFlag
		Expect(flag.Set("env:RECOVERY_CONFIG")).To(Succeed())
		reader, _, err := flag.open()
		Expect(err).NotTo(HaveOccurred())
		config, err := parseConfig(reader, mount.DefaultCatalog())
		Expect(err).NotTo(HaveOccurred())
		Expect(config.SettleDelay).To(Equal(time.Second))
	})

	It("fails on an unset environment variable", func() {
		var flag ConfigFlag
		Expect(flag.Set("env:RECOVERY_CONFIG_UNSET")).To(Succeed())
		_, _, err := flag.open()
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown sources", func() {
		var flag ConfigFlag
		Expect(flag.Set("http://example.com")).NotTo(Succeed())
		Expect(flag.String()).To(BeEmpty())
		Expect(flag.Set("stdin")).To(Succeed())
		Expect(flag.String()).To(Equal("stdin"))
	})
})
