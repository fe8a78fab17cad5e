package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-recovery/internal/hotplug"
	"github.com/ydb-platform/udev-recovery/internal/mount"
	"github.com/ydb-platform/udev-recovery/internal/storage"
	"github.com/ydb-platform/udev-recovery/internal/terminal"
	"github.com/ydb-platform/udev-recovery/internal/update"
)

const DefaultSettleDelay = 100 * time.Millisecond

// Registry is the storage device registry as seen by a session.
type Registry interface {
	Admit(ev hotplug.Event) storage.Admission
	mount.DeviceSet
}

type Coordinator interface {
	Prepare() error
	Mount(dev storage.Device) (mount.Volume, error)
	UnmountAll(set mount.DeviceSet) error
	Volumes() []mount.Volume
}

type StorageUpdater interface {
	UpdateFromStorage(ctx context.Context, volumes []mount.Volume) error
}

type NetworkUpdater interface {
	UpdateFromNetwork(ctx context.Context) error
}

// Finisher ends the process; Finish is not expected to return.
type Finisher interface {
	Finish(outcome terminal.Outcome)
}

type Session struct {
	ID uuid.UUID

	registry    Registry
	coordinator Coordinator
	storage     StorageUpdater
	network     NetworkUpdater
	scanner     hotplug.Scanner
	policy      NoMediaPolicy
	settleDelay time.Duration
	reporter    Reporter

	phase Phase
}

type Option func(*Session)

func WithScanner(scanner hotplug.Scanner) Option {
	return func(s *Session) {
		s.scanner = scanner
	}
}

func WithPolicy(policy NoMediaPolicy) Option {
	return func(s *Session) {
		s.policy = policy
	}
}

// WithSettleDelay sets the pause taken before each mount attempt.
func WithSettleDelay(delay time.Duration) Option {
	return func(s *Session) {
		s.settleDelay = delay
	}
}

func WithReporter(reporters ...Reporter) Option {
	return func(s *Session) {
		s.reporter = multiReporter(reporters)
	}
}

func NewSession(registry Registry, coordinator Coordinator, local StorageUpdater, remote NetworkUpdater, opts ...Option) *Session {
	s := &Session{
		ID:          uuid.New(),
		registry:    registry,
		coordinator: coordinator,
		storage:     local,
		network:     remote,
		policy:      NoMediaNetwork,
		settleDelay: DefaultSettleDelay,
		reporter:    nopReporter{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Phase returns the phase the session is in. It is only meaningful on the
// goroutine running the session.
func (s *Session) Phase() Phase {
	return s.phase
}

func (s *Session) enter(phase Phase) {
	s.phase = phase
	klog.Infof("[%s] Entering %s", s.ID, phase)
	s.reporter.PhaseChanged(phase)
}

// Run drives the session up to and including UnmountAll and returns its outcome.
func (s *Session) Run(ctx context.Context) terminal.Outcome {
	s.enter(Start)
	klog.Infof("[%s] Recovery session started, no-media policy %q", s.ID, s.policy)

	s.enter(EnumerateExisting)
	s.enumerateExisting()

	s.enter(MountAll)
	outcome := s.update(ctx, s.mountAll(ctx))

	s.enter(UnmountAll)
	if err := s.coordinator.UnmountAll(s.registry); err != nil {
		klog.Warningf("[%s] Some devices were not unmounted cleanly: %v", s.ID, err)
	}

	klog.Infof("[%s] Recovery session finished with %s", s.ID, outcome)
	s.reporter.Finished(outcome)
	return outcome
}

// Finish runs the session and hands its outcome to the terminal action.
func (s *Session) Finish(ctx context.Context, finisher Finisher) {
	outcome := s.Run(ctx)
	s.enter(Terminate)
	klog.Flush()
	finisher.Finish(outcome)
}

func (s *Session) enumerateExisting() {
	if s.scanner == nil {
		return
	}
	events, err := s.scanner.Scan()
	if err != nil {
		klog.Errorf("[%s] Failed to enumerate existing devices: %v", s.ID, err)
	}
	for _, ev := range events {
		if res := s.registry.Admit(ev); res == storage.Registered {
			klog.V(2).Infof("[%s] Found existing device %s", s.ID, ev.Attribute(hotplug.KeyDevName))
		}
	}
}

func (s *Session) mountAll(ctx context.Context) error {
	if err := s.coordinator.Prepare(); err != nil {
		return err
	}
	for _, dev := range s.registry.Devices() {
		s.settle(ctx)
		if _, err := s.coordinator.Mount(dev); err != nil {
			if errors.Is(err, mount.ErrNoneSupported) {
				klog.Warningf("[%s] Device %s is unavailable as an update source: %v", s.ID, dev.Name, err)
			} else {
				klog.Errorf("[%s] Failed to mount device %s: %v", s.ID, dev.Name, err)
			}
		}
	}
	return nil
}

func (s *Session) settle(ctx context.Context) {
	if s.settleDelay <= 0 {
		return
	}
	timer := time.NewTimer(s.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Session) update(ctx context.Context, precondition error) terminal.Outcome {
	if precondition != nil {
		klog.Errorf("[%s] Cannot prepare mount root: %v", s.ID, precondition)
		return terminal.FailedFatal
	}

	volumes := s.coordinator.Volumes()
	if len(volumes) == 0 {
		klog.Warningf("[%s] No storage device could be mounted", s.ID)
		if s.policy == NoMediaFatal {
			return terminal.FailedFatal
		}
	} else {
		s.enter(AttemptStorageUpdate)
		err := s.storage.UpdateFromStorage(ctx, volumes)
		if err == nil {
			return terminal.Success
		}
		if errors.Is(err, update.ErrNoPackage) {
			klog.Warningf("[%s] No update package on %d mounted volume(s)", s.ID, len(volumes))
		} else {
			klog.Errorf("[%s] Update from storage failed: %v", s.ID, err)
		}
	}

	s.enter(AttemptNetworkUpdate)
	if err := s.network.UpdateFromNetwork(ctx); err != nil {
		klog.Errorf("[%s] Update from network failed: %v", s.ID, err)
		return terminal.FailedRecoverable
	}
	return terminal.Success
}
