package hotplug

import (
	"bytes"
	"strings"
)

func isSeparator(r rune) bool {
	return r == 0 || r == '\n'
}

// Decode parses a raw uevent message. It never fails: a malformed token
// stops parsing and the result keeps whatever attributes preceded it, but
// is reported with an empty subsystem and Unknown action.
func Decode(raw []byte) Event {
	ev := Event{
		Raw: append([]byte(nil), raw...),
	}

	tokens := bytes.FieldsFunc(raw, isSeparator)
	for i, tok := range tokens {
		token := string(tok)
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			if i == 0 && !ok {
				if action, devpath, header := strings.Cut(token, "@"); header && action != "" {
					ev.Attributes.Set(KeyAction, action)
					ev.Attributes.Set(KeyDevPath, devpath)
					continue
				}
			}
			return ev
		}
		ev.Attributes.Set(key, value)
	}

	ev.Subsystem = ev.Attributes.Get(KeySubsystem)
	ev.Action = ParseAction(ev.Attributes.Get(KeyAction))
	return ev
}
