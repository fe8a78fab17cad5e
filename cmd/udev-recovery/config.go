package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udev-recovery/internal/mount"
	"github.com/ydb-platform/udev-recovery/internal/orchestrator"
	"github.com/ydb-platform/udev-recovery/internal/storage"
	"github.com/ydb-platform/udev-recovery/internal/update"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	switch {
	case strings.HasPrefix(value, "file:"):
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	case strings.HasPrefix(value, "env:"):
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	case value == "stdin":
		cf.configSource = &stdinConfigSource{}
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

const defaultInstaller = "/sbin/recovery-apply"

type UpdateConfig struct {
	Package   string   `yaml:"package"`
	Installer []string `yaml:"installer"` // argv, the package path is appended
}

type NetworkConfig struct {
	URL        string   `yaml:"url"` // empty disables the network attempt
	Interfaces []string `yaml:"interfaces"`
	StagingDir string   `yaml:"stagingDir"`
}

type StatusConfig struct {
	Socket string `yaml:"socket"` // empty disables the status server
}

type Config struct {
	DevRoot      string        `yaml:"devRoot"`
	MountRoot    string        `yaml:"mountRoot"`
	NamePrefixes []string      `yaml:"namePrefixes"`
	Filesystems  []string      `yaml:"filesystems"` // tried in order
	SettleDelay  time.Duration `yaml:"settleDelay"`
	NodeWait     time.Duration `yaml:"nodeWait"`
	NoMedia      string        `yaml:"noMedia"`
	Update       UpdateConfig  `yaml:"update"`
	Network      NetworkConfig `yaml:"network"`
	Status       StatusConfig  `yaml:"status"`

	filesystems []mount.Filesystem        // resolved from Filesystems if the config is valid
	noMedia     orchestrator.NoMediaPolicy // parsed from NoMedia if the config is valid
}

func defaultConfig() *Config {
	layout := storage.DefaultLayout()
	return &Config{
		DevRoot:      layout.DevRoot,
		MountRoot:    layout.MountRoot,
		NamePrefixes: append([]string(nil), storage.DefaultNamePrefixes...),
		Filesystems:  append([]string(nil), mount.DefaultFilesystems...),
		SettleDelay:  orchestrator.DefaultSettleDelay,
		NodeWait:     2 * time.Second,
		NoMedia:      string(orchestrator.NoMediaNetwork),
		Update: UpdateConfig{
			Package:   update.DefaultPackageName,
			Installer: []string{defaultInstaller},
		},
		Network: NetworkConfig{
			StagingDir: update.DefaultStagingDir,
		},
	}
}

func (c *Config) Layout() storage.Layout {
	return storage.Layout{DevRoot: c.DevRoot, MountRoot: c.MountRoot}
}

func validateRoot(key, value string) error {
	if !filepath.IsAbs(value) {
		return fmt.Errorf(".%s: %q must be an absolute path", key, value)
	}
	return nil
}

func (c *Config) validate(catalog mount.Catalog) error {
	var errs error

	if err := validateRoot("devRoot", c.DevRoot); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := validateRoot("mountRoot", c.MountRoot); err != nil {
		errs = errors.Join(errs, err)
	} else if filepath.Clean(c.MountRoot) == "/" {
		errs = errors.Join(errs, fmt.Errorf(".mountRoot: must not be the filesystem root"))
	}

	for i, prefix := range c.NamePrefixes {
		if prefix == "" {
			errs = errors.Join(errs, fmt.Errorf(".namePrefixes[%d]: must not be empty", i))
		}
	}

	if len(c.Filesystems) == 0 {
		errs = errors.Join(errs, fmt.Errorf(".filesystems: at least one filesystem must be set"))
	} else if filesystems, err := catalog.Select(c.Filesystems...); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".filesystems: %w", err))
	} else {
		c.filesystems = filesystems
	}

	if c.SettleDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf(".settleDelay: %s must not be negative", c.SettleDelay))
	}
	if c.NodeWait < 0 {
		errs = errors.Join(errs, fmt.Errorf(".nodeWait: %s must not be negative", c.NodeWait))
	}

	if policy, err := orchestrator.ParseNoMediaPolicy(c.NoMedia); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".noMedia: %w", err))
	} else {
		c.noMedia = policy
	}

	if c.Update.Package == "" || strings.Contains(c.Update.Package, "/") {
		errs = errors.Join(errs, fmt.Errorf(".update.package: %q must be a file name", c.Update.Package))
	}
	if len(c.Update.Installer) == 0 || c.Update.Installer[0] == "" {
		errs = errors.Join(errs, fmt.Errorf(".update.installer: command must be set"))
	}

	if c.Network.URL != "" {
		u, err := url.Parse(c.Network.URL)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf(".network.url: %q must be a valid URL: %w", c.Network.URL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = errors.Join(errs, fmt.Errorf(".network.url: %q must use http or https", c.Network.URL))
		}
	}
	for i, ifname := range c.Network.Interfaces {
		if ifname == "" {
			errs = errors.Join(errs, fmt.Errorf(".network.interfaces[%d]: must not be empty", i))
		}
	}

	return errs
}

// parseConfig reads a YAML document on top of the defaults and validates it.
func parseConfig(reader io.Reader, catalog mount.Catalog) (*Config, error) {
	config := defaultConfig()
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.validate(catalog); err != nil {
		return nil, err
	}

	return config, nil
}
