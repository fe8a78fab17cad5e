package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/vishvananda/netlink"

	"k8s.io/klog/v2"
)

const DefaultStagingDir = "/tmp/recovery-download"

var ErrNoSource = errors.New("no network update source configured")

// Network downloads an update package over HTTP and applies it.
type Network struct {
	URL        string
	Interfaces []string
	StagingDir string
	Applier    Applier
	Client     *http.Client
	LinkUp     func(ifname string) error
}

// SetLinkUp brings a network interface administratively up.
func SetLinkUp(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("failed to find interface %s: %w", ifname, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface %s: %w", ifname, err)
	}
	return nil
}

func (n *Network) UpdateFromNetwork(ctx context.Context) error {
	if n.URL == "" {
		return ErrNoSource
	}

	linkUp := n.LinkUp
	if linkUp == nil {
		linkUp = SetLinkUp
	}
	for _, ifname := range n.Interfaces {
		if err := linkUp(ifname); err != nil {
			klog.Warningf("Interface %s is unavailable: %v", ifname, err)
			continue
		}
		klog.Infof("Interface %s is up", ifname)
	}

	pkg, err := n.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(pkg)

	if err := n.Applier.Apply(ctx, pkg); err != nil {
		return fmt.Errorf("failed to apply package from %s: %w", n.URL, err)
	}
	klog.Infof("Update from %s succeeded", n.URL)
	return nil
}

func (n *Network) download(ctx context.Context) (string, error) {
	source, err := url.Parse(n.URL)
	if err != nil {
		return "", fmt.Errorf("invalid update URL %q: %w", n.URL, err)
	}
	name := path.Base(source.Path)
	if name == "." || name == "/" {
		name = DefaultPackageName
	}

	dir := n.StagingDir
	if dir == "" {
		dir = DefaultStagingDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.URL, nil)
	if err != nil {
		return "", err
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	klog.Infof("Downloading update package from %s", n.URL)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", n.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: %s", n.URL, resp.Status)
	}

	pkg := filepath.Join(dir, name)
	file, err := os.Create(pkg)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", pkg, err)
	}
	size, err := io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(pkg)
		return "", fmt.Errorf("failed to store %s: %w", pkg, err)
	}
	klog.Infof("Downloaded %s (%s)", pkg, humanize.Bytes(uint64(size)))
	return pkg, nil
}
