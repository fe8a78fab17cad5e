package main

import (
	"context"
	"flag"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-recovery/internal/hotplug"
	"github.com/ydb-platform/udev-recovery/internal/mount"
	"github.com/ydb-platform/udev-recovery/internal/orchestrator"
	"github.com/ydb-platform/udev-recovery/internal/status"
	"github.com/ydb-platform/udev-recovery/internal/storage"
	"github.com/ydb-platform/udev-recovery/internal/terminal"
	"github.com/ydb-platform/udev-recovery/internal/update"
)

func main() {
	appContext := context.Background()
	appWaitGroup := &sync.WaitGroup{}

	flags := initFlags()
	config := flags.config
	layout := config.Layout()

	// Registry owns the set of storage devices, hotplug and the session only send it requests
	registry := storage.NewRegistry(layout, config.NamePrefixes...)

	// Listener runs detached for the whole session, nothing waits for it
	listener := hotplug.NewListener(hotplug.NetlinkSource, registry)
	if err := listener.Start(); err != nil {
		klog.Errorf("failed to listen for hotplug events, continuing with devices present at start: %v", err)
	}

	coordinator := mount.NewCoordinator(layout.MountRoot, config.filesystems, mount.WithNodeWait(config.NodeWait, nil))
	coordinator.Track(registry)

	applier := &update.Command{Argv: config.Update.Installer}
	local := &update.Storage{
		PackageName: config.Update.Package,
		Applier:     applier,
	}
	remote := &update.Network{
		URL:        config.Network.URL,
		Interfaces: config.Network.Interfaces,
		StagingDir: config.Network.StagingDir,
		Applier:    applier,
	}

	opts := []orchestrator.Option{
		orchestrator.WithScanner(hotplug.NewUdevScanner(layout.DevRoot)),
		orchestrator.WithPolicy(config.noMedia),
		orchestrator.WithSettleDelay(config.SettleDelay),
	}
	if config.Status.Socket != "" {
		server, err := status.Serve(appContext, appWaitGroup, config.Status.Socket)
		if err != nil {
			klog.Errorf("failed to start status server, continuing without it: %v", err)
		} else {
			opts = append(opts, orchestrator.WithReporter(server))
		}
	}

	session := orchestrator.NewSession(registry, coordinator, local, remote, opts...)
	session.Finish(appContext, terminal.New(terminal.KernelPower()))
}

type FlagValues struct {
	Config ConfigFlag

	config *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet("udev-recovery", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `optional configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin")`)
	flags.Parse(os.Args[1:])

	catalog := mount.DefaultCatalog()
	if values.Config.configSource == nil {
		config := defaultConfig()
		if err := config.validate(catalog); err != nil {
			klog.Fatalf("invalid default configuration: %v", err)
		}
		values.config = config
		return values
	}

	configReader, configCloser, err := values.Config.open()
	if err != nil {
		klog.Fatalf("failed to open --config %q: %v", values.Config.String(), err)
	}
	defer configCloser()

	config, err := parseConfig(configReader, catalog)
	if err != nil {
		klog.Fatalf("failed to parse --config %q: %v", values.Config.String(), err)
	}

	values.config = config

	return values
}
