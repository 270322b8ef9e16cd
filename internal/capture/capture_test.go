package capture

import (
	"testing"
	"time"

	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/ringbuffer"
)

type fakeBackend struct {
	monitors []frame.Monitor
	enumErr  error
	closed   bool
}

func (f *fakeBackend) Enumerate() ([]frame.Monitor, error) { return f.monitors, f.enumErr }
func (f *fakeBackend) CaptureNext(monitorID string, timeout time.Duration) (*frame.Frame, error) {
	return &frame.Frame{Width: 1, Height: 1, Pix: []byte{0, 0, 0, 0}, CapturedAt: time.Now()}, nil
}
func (f *fakeBackend) Close() error { f.closed = true; return nil }

func TestStartStopIsIdempotent(t *testing.T) {
	backend := &fakeBackend{monitors: []frame.Monitor{{ID: "mon-0", Width: 100, Height: 100}}}
	src := New(backend, DefaultConfig())
	buf := ringbuffer.New[*frame.Frame](2)

	if err := src.Start(buf); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(buf); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got error: %v", err)
	}
	if !backend.closed {
		t.Fatal("expected backend.Close to be called on Stop")
	}
}

func TestStartFailsWithNoDisplays(t *testing.T) {
	backend := &fakeBackend{monitors: nil}
	src := New(backend, DefaultConfig())
	buf := ringbuffer.New[*frame.Frame](2)

	if err := src.Start(buf); err == nil {
		t.Fatal("expected error when backend reports no displays")
	}
}

func TestDefaultConfigAppliesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TargetHz != 30 {
		t.Fatalf("expected default TargetHz 30, got %d", cfg.TargetHz)
	}
	if cfg.RetryLimit != 3 {
		t.Fatalf("expected default RetryLimit 3, got %d", cfg.RetryLimit)
	}
}
