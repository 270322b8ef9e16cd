package inputsink

import (
	"testing"

	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/permission"
)

type recordingBackend struct {
	moveX, moveY int
	moveCalled   bool
}

func (r *recordingBackend) MouseMove(x, y int) error {
	r.moveX, r.moveY = x, y
	r.moveCalled = true
	return nil
}
func (r *recordingBackend) MouseButton(x, y int, button string, down bool) error { return nil }
func (r *recordingBackend) MouseScroll(x, y int, delta int) error               { return nil }
func (r *recordingBackend) KeyEvent(key string, modifiers []string, down bool) error { return nil }
func (r *recordingBackend) TypeText(text string) error                          { return nil }

func allowAllGate() *permission.Gate {
	return permission.NewGate(permission.NewDescriptor(permission.AllCapabilities))
}

func TestDispatchTranslatesMonitorLocalToGlobalCoordinates(t *testing.T) {
	monitors := []frame.Monitor{
		{ID: "mon-0", X: 0, Y: 0, Width: 1920, Height: 1080},
		{ID: "mon-1", X: 1920, Y: 0, Width: 1280, Height: 1024},
	}
	backend := &recordingBackend{}
	sink := New(backend, NewStaticMonitorResolver(monitors), allowAllGate())

	_, err := sink.Dispatch(Event{Type: EventMouseMove, MonitorID: "mon-1", X: 50, Y: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !backend.moveCalled {
		t.Fatal("expected MouseMove to be dispatched")
	}
	if backend.moveX != 1970 || backend.moveY != 60 {
		t.Fatalf("expected global coords (1970, 60), got (%d, %d)", backend.moveX, backend.moveY)
	}
}

func TestDispatchUnknownMonitorFallsBackToRawCoordinates(t *testing.T) {
	backend := &recordingBackend{}
	sink := New(backend, NewStaticMonitorResolver(nil), allowAllGate())

	_, err := sink.Dispatch(Event{Type: EventMouseMove, MonitorID: "missing", X: 10, Y: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.moveX != 10 || backend.moveY != 20 {
		t.Fatalf("expected raw coords (10, 20), got (%d, %d)", backend.moveX, backend.moveY)
	}
}

func TestDispatchDeniesWithoutCapabilityAndNotifiesOnce(t *testing.T) {
	backend := &recordingBackend{}
	sink := New(backend, NewStaticMonitorResolver(nil), permission.NewGate(permission.NewDescriptor(nil)))

	notify, err := sink.Dispatch(Event{Type: EventMouseMove, X: 1, Y: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !notify {
		t.Fatal("expected first denial to request notification")
	}
	if backend.moveCalled {
		t.Fatal("expected denied event to not reach the backend")
	}

	notify, err = sink.Dispatch(Event{Type: EventMouseMove, X: 1, Y: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notify {
		t.Fatal("expected second denial to be silent")
	}
}

func TestDispatchUnknownEventTypeErrors(t *testing.T) {
	sink := New(&recordingBackend{}, NewStaticMonitorResolver(nil), allowAllGate())
	_, err := sink.Dispatch(Event{Type: EventType("bogus")})
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
