package terminal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"
)

type Outcome int

const (
	Success Outcome = iota
	FailedRecoverable
	FailedFatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case FailedRecoverable:
		return "FailedRecoverable"
	case FailedFatal:
		return "FailedFatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Action int

const (
	Reboot Action = iota
	PowerOff
)

func (a Action) String() string {
	switch a {
	case Reboot:
		return "reboot"
	case PowerOff:
		return "power-off"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ActionFor maps a session outcome to the system action that ends it.
func ActionFor(outcome Outcome) Action {
	if outcome == FailedFatal {
		return PowerOff
	}
	return Reboot
}

// Power is the set of system primitives the terminal action relies on.
type Power interface {
	Sync()
	Reboot() error
	PowerOff() error
}

type kernelPower struct{}

func (kernelPower) Sync() {
	unix.Sync()
}

func (kernelPower) Reboot() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func (kernelPower) PowerOff() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

// KernelPower issues sync(2) and reboot(2) directly.
func KernelPower() Power {
	return kernelPower{}
}

const DefaultInterval = time.Second

type Terminal struct {
	power    Power
	interval time.Duration
	parked   func(n int)
}

type Option func(*Terminal)

// WithInterval sets the period of the warning logged once parked.
func WithInterval(interval time.Duration) Option {
	return func(t *Terminal) {
		t.interval = interval
	}
}

// WithParkedHook is called with the iteration number every time the parked loop wakes up.
func WithParkedHook(hook func(n int)) Option {
	return func(t *Terminal) {
		t.parked = hook
	}
}

func New(power Power, opts ...Option) *Terminal {
	t := &Terminal{
		power:    power,
		interval: DefaultInterval,
		parked:   func(int) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Finish ends the session. It never returns: if the system action does not take
// effect the process stays parked, logging a warning periodically.
func (t *Terminal) Finish(outcome Outcome) {
	t.finish(context.Background(), outcome)
	select {}
}

func (t *Terminal) finish(ctx context.Context, outcome Outcome) {
	action := ActionFor(outcome)
	klog.Infof("Session finished with %s, syncing filesystems before %s", outcome, action)
	t.power.Sync()

	var err error
	switch action {
	case PowerOff:
		err = t.power.PowerOff()
	default:
		err = t.power.Reboot()
	}
	if err != nil {
		klog.Errorf("Failed to %s: %v", action, err)
	}

	t.park(ctx, action)
}

func (t *Terminal) park(ctx context.Context, action Action) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		klog.Warningf("Still running %s after requesting %s, manual intervention required", time.Duration(n)*t.interval, action)
		t.parked(n)
	}
}
