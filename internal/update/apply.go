package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"
)

// Applier verifies an update package and installs it.
type Applier interface {
	Apply(ctx context.Context, pkg string) error
}

type ApplierFunc func(ctx context.Context, pkg string) error

func (f ApplierFunc) Apply(ctx context.Context, pkg string) error {
	return f(ctx, pkg)
}

// Command hands the package path to an external installer as its last argument.
// A zero exit status means the package was verified and applied.
type Command struct {
	Argv []string
}

func (c *Command) Apply(ctx context.Context, pkg string) error {
	if len(c.Argv) == 0 {
		return errors.New("no installer command configured")
	}
	args := append(append([]string(nil), c.Argv[1:]...), pkg)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	klog.Infof("Applying update package %s with %s", pkg, c.Argv[0])
	err := c.runOk(cmd)
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line != "" {
			klog.V(2).Infof("%s: %s", c.Argv[0], line)
		}
	}
	if err != nil {
		return fmt.Errorf("installer %s failed for %s: %w", c.Argv[0], pkg, err)
	}
	return nil
}

func (c *Command) runOk(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Wait()
}
