package mount

import (
	"errors"
	"fmt"
)

var ErrNoneSupported = errors.New("no supported filesystem")

// MountError reports a device none of the configured filesystems could mount.
// Err is the failure of the last filesystem tried.
type MountError struct {
	Device     string
	Filesystem string
	Err        error
}

func (e *MountError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to mount %s: %v", e.Device, ErrNoneSupported)
	}
	return fmt.Sprintf("failed to mount %s: %v (last tried %s: %v)", e.Device, ErrNoneSupported, e.Filesystem, e.Err)
}

func (e *MountError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNoneSupported}
	}
	return []error{ErrNoneSupported, e.Err}
}

type UnmountError struct {
	Device     string
	MountPoint string
	Err        error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("failed to unmount %s from %s: %v", e.Device, e.MountPoint, e.Err)
}

func (e *UnmountError) Unwrap() error {
	return e.Err
}
