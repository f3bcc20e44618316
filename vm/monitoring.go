package vm

import (
	"fmt"
	"strings"
	"sync"
)

// EventKind identifies a point in frame execution that monitoring
// callbacks can observe.
type EventKind uint8

const (
	EventPyStart EventKind = iota
	EventPyResume
	EventPyReturn
	EventPyYield
	EventRaise
	EventReraise
	EventPyUnwind
	EventExceptionHandled
	EventPyThrow
	EventStopIteration
	numEvents
)

var eventNames = [numEvents]string{
	EventPyStart:          "PY_START",
	EventPyResume:         "PY_RESUME",
	EventPyReturn:         "PY_RETURN",
	EventPyYield:          "PY_YIELD",
	EventRaise:            "RAISE",
	EventReraise:          "RERAISE",
	EventPyUnwind:         "PY_UNWIND",
	EventExceptionHandled: "EXCEPTION_HANDLED",
	EventPyThrow:          "PY_THROW",
	EventStopIteration:    "STOP_ITERATION",
}

func (k EventKind) String() string {
	if k < numEvents {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind looks an event up by name, case-insensitively.
func ParseEventKind(name string) (EventKind, error) {
	for k, n := range eventNames {
		if strings.EqualFold(n, name) {
			return EventKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown monitoring event %q", name)
}

// EventSet is a bit set of EventKinds.
type EventSet uint32

// Events builds a set from kinds.
func Events(kinds ...EventKind) EventSet {
	var s EventSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// AllEvents selects every event.
const AllEvents = EventSet(1<<numEvents - 1)

// Has reports whether k is in s.
func (s EventSet) Has(k EventKind) bool { return s&(1<<k) != 0 }

// Event describes one observation. Arg is borrowed and only valid during
// the callback: the return value for PY_RETURN and PY_YIELD, the exception
// for the exception events, nil otherwise.
type Event struct {
	Kind   EventKind
	Code   *Code
	Frame  *Frame
	Offset int
	Arg    *Object
	Thread *ThreadState
}

// MonitorFunc receives events. Returning an error replaces the exception in
// flight for RAISE, PY_UNWIND and PY_THROW, restarts handler lookup for
// EXCEPTION_HANDLED, and raises for the other events.
type MonitorFunc func(ev Event) error

type monitor struct {
	id     uint64
	events EventSet
	fn     MonitorFunc
}

// Monitoring is the interpreter's registry of event callbacks.
type Monitoring struct {
	mu       sync.RWMutex
	nextID   uint64
	monitors []monitor
	active   EventSet
}

func newMonitoring() *Monitoring { return &Monitoring{} }

// Register installs fn for events and returns a function that removes it.
func (m *Monitoring) Register(events EventSet, fn MonitorFunc) (unregister func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.monitors = append(m.monitors, monitor{id: id, events: events, fn: fn})
	m.recompute()
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, mon := range m.monitors {
			if mon.id == id {
				m.monitors = append(m.monitors[:i:i], m.monitors[i+1:]...)
				break
			}
		}
		m.recompute()
	}
}

func (m *Monitoring) recompute() {
	m.active = 0
	for _, mon := range m.monitors {
		m.active |= mon.events
	}
}

// Active returns the union of every registered event set.
func (m *Monitoring) Active() EventSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// fire delivers an event for frame at its current instruction. The first
// callback error stops delivery and is returned.
func (ts *ThreadState) fire(kind EventKind, frame *Frame, arg *Object) error {
	m := ts.interp.monitoring
	m.mu.RLock()
	if !m.active.Has(kind) {
		m.mu.RUnlock()
		return nil
	}
	var fns []MonitorFunc
	for _, mon := range m.monitors {
		if mon.events.Has(kind) {
			fns = append(fns, mon.fn)
		}
	}
	m.mu.RUnlock()
	ev := Event{Kind: kind, Code: frame.code, Frame: frame, Offset: frame.InstrPtr, Arg: arg, Thread: ts}
	for _, fn := range fns {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}
