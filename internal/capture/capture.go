// Package capture implements the frame-source subsystem (SPEC_FULL.md
// §4.1): enumerate monitors, start/stop a capture loop on a dedicated
// goroutine, and push timestamped Frame values into a ring buffer.
//
// Grounded on the ScreenCapturer interface shape in the teacher's
// internal/remote/desktop/capture.go (marker interfaces for capability
// detection: BGRAProvider, TightLoopHint, CursorProvider) and on the
// portable kbinani/screenshot-based backend shown in the Sentinel
// reference file under _examples/other_examples.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftpeer/core/internal/clock"
	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/ringbuffer"
)

var log = logging.L("capture")

// Sentinel errors, matching the teacher's capture.go naming.
var (
	ErrNotSupported     = errors.New("screen capture not supported on this platform")
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrDisplayNotFound  = errors.New("display not found")
	ErrNoDisplay        = errors.New("no display available")
)

// Backend is the platform-specific capturer a Source drives. One frame
// per CaptureNext call; implementations may block internally (see
// TightLoopHint) or rely on the Source's ticker.
type Backend interface {
	Enumerate() ([]frame.Monitor, error)
	// CaptureNext blocks until the next frame is ready or timeout
	// elapses, returning ErrTimeout on timeout (not a fatal error).
	CaptureNext(monitorID string, timeout time.Duration) (*frame.Frame, error)
	Close() error
}

// ErrTimeout signals a single-frame acquisition timeout; the frame
// source treats this as CaptureTransient, not fatal.
var ErrTimeout = errors.New("capture: frame acquisition timeout")

// TightLoopHint is implemented by backends that block internally
// waiting for a new frame (e.g. an OS duplication API), letting the
// Source run a tight loop instead of pacing with a ticker.
type TightLoopHint interface {
	TightLoop() bool
}

// Config configures a Source.
type Config struct {
	MonitorID  string
	TargetHz   int
	RetryLimit int // transient retries per frame before CaptureLost, default 3
	// OnFatal is invoked (on its own goroutine) once consecutive
	// non-transient capture errors exceed RetryLimit, surfacing the
	// session-fatal CaptureLost condition (spec.md §4.1, §7) to the
	// coordinator. The capture goroutine starts OnFatal and then returns,
	// so a Stop call made from OnFatal waits for that return instead of
	// deadlocking (see (*Source).loop).
	OnFatal func(error)
}

// DefaultConfig returns spec.md's defaults (30 Hz, 3 transient retries).
func DefaultConfig() Config {
	return Config{TargetHz: 30, RetryLimit: 3}
}

// Source is the frame-source subsystem. It owns one Backend exclusively
// and runs its capture loop on a dedicated goroutine, never performing
// network I/O itself (SPEC_FULL.md §5).
type Source struct {
	backend Backend
	cfg     Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	dropped uint64
}

// New constructs a Source around the given backend.
func New(backend Backend, cfg Config) *Source {
	if cfg.TargetHz <= 0 {
		cfg.TargetHz = 30
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Source{backend: backend, cfg: cfg}
}

// Enumerate returns the finite list of Monitor descriptors, OS-ordered,
// primary first (spec.md §4.1).
func (s *Source) Enumerate() ([]frame.Monitor, error) {
	return s.backend.Enumerate()
}

// Start begins capture on a dedicated goroutine, pushing frames into
// sink. It returns immediately; call Stop to end the loop.
func (s *Source) Start(sink *ringbuffer.Ring[*frame.Frame]) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	monitors, err := s.backend.Enumerate()
	if err != nil {
		s.mu.Unlock()
		return corekind.Wrap(corekind.CaptureLost, "capture", "enumerate failed", err)
	}
	if len(monitors) == 0 {
		s.mu.Unlock()
		return corekind.New(corekind.CaptureLost, "capture", "no display available")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sink)
	return nil
}

// Stop is idempotent and blocks until all OS handles are released.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	return s.backend.Close()
}

func (s *Source) loop(sink *ringbuffer.Ring[*frame.Frame]) {
	defer close(s.doneCh)

	interval := time.Second / time.Duration(s.cfg.TargetHz)
	timeout := 2 * interval

	tight := false
	if th, ok := s.backend.(TightLoopHint); ok {
		tight = th.TightLoop()
	}

	ticker := (*time.Ticker)(nil)
	if !tight {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	consecutiveFailures := 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !tight {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
			}
		}

		f, err := s.backend.CaptureNext(s.cfg.MonitorID, timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				// Not an error: reissue the acquire next loop iteration.
				s.dropped++
				continue
			}
			consecutiveFailures++
			if consecutiveFailures > s.cfg.RetryLimit {
				log.Error("capture lost", "error", err, "consecutiveFailures", consecutiveFailures)
				if s.cfg.OnFatal != nil {
					fatalErr := corekind.Wrap(corekind.CaptureLost, "capture", "exceeded transient-retry limit", err)
					go s.cfg.OnFatal(fatalErr)
				}
				return
			}
			log.Warn("transient capture error", "error", err, "attempt", consecutiveFailures)
			continue
		}
		consecutiveFailures = 0
		f.CapturedAt = clock.Now()
		sink.Push(f)
	}
}

// Dropped returns the count of timeout-induced dropped frames.
func (s *Source) Dropped() uint64 { return s.dropped }

// FmtMonitor renders a Monitor for log messages.
func FmtMonitor(m frame.Monitor) string {
	return fmt.Sprintf("%s(%dx%d@%d,%d primary=%v)", m.ID, m.Width, m.Height, m.X, m.Y, m.Primary)
}
