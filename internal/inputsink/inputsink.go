// Package inputsink implements the input sink (SPEC_FULL.md §4.10):
// the platform boundary that turns a decoded control-channel event
// into an OS-level input action, with per-event multi-monitor
// coordinate mapping (not primary-monitor-only, as the teacher's
// single-capturer model assumed).
//
// Grounded on the teacher's internal/remote/desktop InputEvent/
// InputHandler interface and LinuxInputHandler (xdotool-driven),
// generalized so every event carries its originating MonitorID and is
// translated to desktop-global coordinates before dispatch.
package inputsink

import (
	"fmt"

	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/permission"
)

var log = logging.L("inputsink")

// EventType enumerates the control-channel input event kinds.
type EventType string

const (
	EventMouseMove   EventType = "mouse_move"
	EventMouseDown   EventType = "mouse_down"
	EventMouseUp     EventType = "mouse_up"
	EventMouseScroll EventType = "mouse_scroll"
	EventKeyDown     EventType = "key_down"
	EventKeyUp       EventType = "key_up"
	EventText        EventType = "text"
)

// Event is one remote-control input event, scoped to the monitor its
// coordinates are relative to.
type Event struct {
	Type      EventType
	MonitorID string
	X, Y      int // monitor-local coordinates
	Button    string
	Key       string
	Modifiers []string
	Delta     int
	Text      string
	Sequence  uint64
}

// capabilityFor maps an event type to the permission capability that
// must be granted for it to be dispatched.
func capabilityFor(t EventType) permission.Capability {
	switch t {
	case EventMouseMove:
		return permission.CapMouseMove
	case EventMouseDown, EventMouseUp, EventMouseScroll:
		return permission.CapMouseButtons
	case EventKeyDown, EventKeyUp:
		return permission.CapKeyboard
	case EventText:
		return permission.CapTextInput
	default:
		return ""
	}
}

// Backend is the platform-specific OS input dispatcher.
type Backend interface {
	MouseMove(x, y int) error
	MouseButton(x, y int, button string, down bool) error
	MouseScroll(x, y int, delta int) error
	KeyEvent(key string, modifiers []string, down bool) error
	TypeText(text string) error
}

// MonitorResolver maps a monitor id to its desktop-global origin, so
// monitor-local event coordinates can be translated before dispatch.
type MonitorResolver interface {
	Origin(monitorID string) (x, y int, ok bool)
}

// Sink dispatches gated input events to the platform Backend.
type Sink struct {
	backend  Backend
	monitors MonitorResolver
	gate     *permission.Gate
}

// New constructs a Sink. gate is the session's fixed permission Gate;
// monitors resolves per-event coordinate translation.
func New(backend Backend, monitors MonitorResolver, gate *permission.Gate) *Sink {
	return &Sink{backend: backend, monitors: monitors, gate: gate}
}

// Dispatch gates and applies one event. It returns nil on
// PermissionDenied (spec.md §7: drop silently, no error propagation to
// the caller) — the notify-once behavior is surfaced via the returned
// bool.
func (s *Sink) Dispatch(ev Event) (notify bool, err error) {
	cap := capabilityFor(ev.Type)
	if cap == "" {
		return false, fmt.Errorf("inputsink: unknown event type %q", ev.Type)
	}

	switch s.gate.Evaluate(cap) {
	case permission.DecisionDeny:
		return false, nil
	case permission.DecisionDenyAndNotify:
		log.Info("input event denied", "capability", string(cap), "monitor", ev.MonitorID)
		return true, nil
	}

	gx, gy := ev.X, ev.Y
	if s.monitors != nil && ev.MonitorID != "" {
		if ox, oy, ok := s.monitors.Origin(ev.MonitorID); ok {
			gx, gy = ev.X+ox, ev.Y+oy
		}
	}

	switch ev.Type {
	case EventMouseMove:
		return false, s.backend.MouseMove(gx, gy)
	case EventMouseDown:
		return false, s.backend.MouseButton(gx, gy, ev.Button, true)
	case EventMouseUp:
		return false, s.backend.MouseButton(gx, gy, ev.Button, false)
	case EventMouseScroll:
		return false, s.backend.MouseScroll(gx, gy, ev.Delta)
	case EventKeyDown:
		return false, s.backend.KeyEvent(ev.Key, ev.Modifiers, true)
	case EventKeyUp:
		return false, s.backend.KeyEvent(ev.Key, ev.Modifiers, false)
	case EventText:
		return false, s.backend.TypeText(ev.Text)
	default:
		return false, fmt.Errorf("inputsink: unhandled event type %q", ev.Type)
	}
}

// staticMonitors is a MonitorResolver backed by a fixed snapshot,
// suitable for wiring from a capture.Source's Enumerate() result.
type staticMonitors struct {
	origins map[string][2]int
}

// NewStaticMonitorResolver builds a MonitorResolver from a Monitor
// list, as captured at session start (spec.md §4.1's immutable
// per-session enumeration invariant applies symmetrically here).
func NewStaticMonitorResolver(monitors []frame.Monitor) MonitorResolver {
	m := make(map[string][2]int, len(monitors))
	for _, mon := range monitors {
		m[mon.ID] = [2]int{mon.X, mon.Y}
	}
	return &staticMonitors{origins: m}
}

func (s *staticMonitors) Origin(monitorID string) (int, int, bool) {
	o, ok := s.origins[monitorID]
	if !ok {
		return 0, 0, false
	}
	return o[0], o[1], true
}
