package guard

import "time"

// EventKind identifies an interruption signal
type EventKind int

const (
	FocusLost EventKind = iota
	FocusGained
	CallActive
	CallIdle
	StorageLow
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case FocusLost:
		return "focus_lost"
	case FocusGained:
		return "focus_gained"
	case CallActive:
		return "call_active"
	case CallIdle:
		return "call_idle"
	case StorageLow:
		return "storage_low"
	default:
		return "unknown"
	}
}

// ParseEventKind maps the string form back to an EventKind
func ParseEventKind(s string) (EventKind, bool) {
	for _, k := range []EventKind{FocusLost, FocusGained, CallActive, CallIdle, StorageLow} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Event is a tagged interruption delivered to the recording controller
type Event struct {
	Kind      EventKind
	At        time.Time
	FreeBytes uint64 // set for StorageLow
}

// Emitter delivers events to their consumer
type Emitter func(Event)
