package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ydb-platform/udev-recovery/internal/terminal"
)

// Phase is a step of the recovery session. Phases only move forward.
type Phase int

const (
	Start Phase = iota
	EnumerateExisting
	MountAll
	AttemptStorageUpdate
	AttemptNetworkUpdate
	UnmountAll
	Terminate
)

var phaseNames = [...]string{
	Start:                "Start",
	EnumerateExisting:    "EnumerateExisting",
	MountAll:             "MountAll",
	AttemptStorageUpdate: "AttemptStorageUpdate",
	AttemptNetworkUpdate: "AttemptNetworkUpdate",
	UnmountAll:           "UnmountAll",
	Terminate:            "Terminate",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Phases lists every phase in session order.
func Phases() []Phase {
	res := make([]Phase, 0, len(phaseNames))
	for p := range phaseNames {
		res = append(res, Phase(p))
	}
	return res
}

// NoMediaPolicy decides how a session with nothing mounted continues.
type NoMediaPolicy string

const (
	// NoMediaNetwork skips the storage attempt and still tries the network.
	NoMediaNetwork NoMediaPolicy = "network"
	// NoMediaFatal ends the session with FailedFatal without trying the network.
	NoMediaFatal NoMediaPolicy = "fatal"
)

func ParseNoMediaPolicy(s string) (NoMediaPolicy, error) {
	switch policy := NoMediaPolicy(strings.ToLower(strings.TrimSpace(s))); policy {
	case "":
		return NoMediaNetwork, nil
	case NoMediaNetwork, NoMediaFatal:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown no-media policy %q, expected %q or %q", s, NoMediaNetwork, NoMediaFatal)
	}
}

// Reporter observes session progress.
type Reporter interface {
	PhaseChanged(phase Phase)
	Finished(outcome terminal.Outcome)
}

type nopReporter struct{}

func (nopReporter) PhaseChanged(Phase) {}

func (nopReporter) Finished(terminal.Outcome) {}

type multiReporter []Reporter

func (m multiReporter) PhaseChanged(phase Phase) {
	for _, r := range m {
		r.PhaseChanged(phase)
	}
}

func (m multiReporter) Finished(outcome terminal.Outcome) {
	for _, r := range m {
		r.Finished(outcome)
	}
}
