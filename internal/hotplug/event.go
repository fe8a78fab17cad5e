package hotplug

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	BlockSubsystem = "block"
	NetSubsystem   = "net"

	KeyAction    = "ACTION"
	KeyDevPath   = "DEVPATH"
	KeySubsystem = "SUBSYSTEM"
	KeyDevName   = "DEVNAME"
	KeyDevType   = "DEVTYPE"
	KeyNParts    = "NPARTS"
	KeyInterface = "INTERFACE"

	DevTypeDisk      = "disk"
	DevTypePartition = "partition"
)

type Action int

const (
	Unknown Action = iota
	Add
	Remove
	Change
)

func ParseAction(s string) Action {
	switch s {
	case "add":
		return Add
	case "remove":
		return Remove
	case "change":
		return Change
	}
	return Unknown
}

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Change:
		return "change"
	}
	return "unknown"
}

// Attributes is an insertion ordered KEY=VALUE set. Setting an existing key
// replaces its value but keeps its original position.
type Attributes struct {
	keys   []string
	values map[string]string
}

func (a *Attributes) Set(key, value string) {
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, found := a.values[key]; !found {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

func (a Attributes) Get(key string) string {
	return a.values[key]
}

func (a Attributes) Lookup(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

func (a Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

func (a Attributes) Len() int {
	return len(a.keys)
}

// Map returns a copy of the attributes without ordering.
func (a Attributes) Map() map[string]string {
	res := make(map[string]string, len(a.values))
	for k, v := range a.values {
		res[k] = v
	}
	return res
}

func (a Attributes) String() string {
	parts := make([]string, 0, len(a.keys))
	for _, k := range a.keys {
		parts = append(parts, k+"="+a.values[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Event is a decoded kernel hotplug notification.
type Event struct {
	Subsystem  string
	Action     Action
	Attributes Attributes
	Raw        []byte
}

// NewEvent builds an event from already split attributes, as done for
// devices found by enumeration rather than read from the kernel.
func NewEvent(subsystem string, action Action, attrs Attributes) Event {
	return Event{
		Subsystem:  subsystem,
		Action:     action,
		Attributes: attrs,
	}
}

func (e Event) Attribute(key string) string {
	return e.Attributes.Get(key)
}

// Dump renders the raw payload one token per line.
func (e Event) Dump() string {
	raw := bytes.Trim(e.Raw, "\x00\n")
	if len(raw) == 0 {
		return fmt.Sprintf("Event[%s %s %s]", e.Subsystem, e.Action, e.Attributes)
	}
	return string(bytes.ReplaceAll(raw, []byte{0}, []byte{'\n'}))
}

func (e Event) String() string {
	return fmt.Sprintf("Event[Subsystem=%s, Action=%s, Attributes=%s]", e.Subsystem, e.Action, e.Attributes)
}
