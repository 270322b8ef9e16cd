package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftpeer/core/internal/capture"
	"github.com/driftpeer/core/internal/control"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/inputsink"
	"github.com/driftpeer/core/internal/peer"
	"github.com/driftpeer/core/internal/permission"
	"github.com/driftpeer/core/internal/ringbuffer"
)

// fakeCaptureBackend never produces a real frame; CaptureNext always
// times out, which the frame source treats as a transient, non-fatal
// condition (internal/capture.ErrTimeout). It exists purely to give
// onPeerConnected/onCaptureFatal tests a capture.Source that Start/Stop
// cleanly without touching a real display.
type fakeCaptureBackend struct{}

func (fakeCaptureBackend) Enumerate() ([]frame.Monitor, error) {
	return []frame.Monitor{{ID: "0", Width: 1920, Height: 1080, Primary: true}}, nil
}

func (fakeCaptureBackend) CaptureNext(monitorID string, timeout time.Duration) (*frame.Frame, error) {
	time.Sleep(time.Millisecond)
	return nil, capture.ErrTimeout
}

func (fakeCaptureBackend) Close() error { return nil }

func newTestControlSink(backend inputsink.Backend) *inputsink.Sink {
	gate := permission.NewGate(permission.NewDescriptor(permission.AllCapabilities))
	return inputsink.New(backend, inputsink.NewStaticMonitorResolver(nil), gate)
}

type noopInputBackend struct{ moves int }

func (b *noopInputBackend) MouseMove(x, y int) error                          { b.moves++; return nil }
func (b *noopInputBackend) MouseButton(x, y int, button string, down bool) error { return nil }
func (b *noopInputBackend) MouseScroll(x, y int, delta int) error             { return nil }
func (b *noopInputBackend) KeyEvent(key string, modifiers []string, down bool) error {
	return nil
}
func (b *noopInputBackend) TypeText(text string) error { return nil }

func TestStopIsIdempotent(t *testing.T) {
	c := New(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	if got := c.State(); got != StateIdle {
		t.Fatalf("expected StateIdle after stop, got %v", got)
	}
}

func TestStopOnFreshCoordinatorDoesNotPanic(t *testing.T) {
	c := New(Config{})
	c.Stop()
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected StateIdle, got %v", got)
	}
}

func TestNewCoordinatorStartsIdle(t *testing.T) {
	c := New(Config{})
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected StateIdle initially, got %v", got)
	}
	if got := c.Status().State; got != StateIdle {
		t.Fatalf("expected status StateIdle, got %v", got)
	}
}

func TestAddRemoteCandidateWithoutSessionErrors(t *testing.T) {
	c := New(Config{})
	if err := c.AddRemoteCandidate("candidate:1 1 udp 1 0.0.0.0 1 typ host"); err == nil {
		t.Fatal("expected error when no peer session is active")
	}
}

func TestAcceptAnswerWithoutPendingOfferErrors(t *testing.T) {
	c := New(Config{})
	if err := c.AcceptAnswer("v=0"); err == nil {
		t.Fatal("expected error when there is no pending offer")
	}
}

// TestOnPeerConnectedStartsCaptureAndTransitionsToStreaming exercises
// the Connected -> Streaming path with the encoder/decoder left nil
// (buildPipeline is not called): encodeAndSend and onRemoteMediaPacket
// both short-circuit harmlessly on a nil encoder/decoder, so this
// isolates the capture-start and state-transition logic from the real
// (cgo-backed) codec.
func TestOnPeerConnectedStartsCaptureAndTransitionsToStreaming(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	c := New(Config{OnStateChange: func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}})

	src := capture.New(fakeCaptureBackend{}, capture.DefaultConfig())
	buf := ringbuffer.New[*frame.Frame](captureRingDepth)

	c.mu.Lock()
	c.captureSrc = src
	c.captureBuf = buf
	c.mu.Unlock()

	c.onPeerConnected()
	defer c.beginTeardown()

	if got := c.State(); got != StateStreaming {
		t.Fatalf("expected StateStreaming after peer connect, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != StateStreaming {
		t.Fatalf("expected a Streaming transition to be reported, got %v", transitions)
	}
}

// TestOnDataChannelMessageRoutesToAttachedControlChannel is the
// coordinator-level half of review finding (b): a data-channel message
// reaching the coordinator must be handed to the attached
// control.Channel, which applies it to the input sink.
func TestOnDataChannelMessageRoutesToAttachedControlChannel(t *testing.T) {
	backend := &noopInputBackend{}
	sink := newTestControlSink(backend)
	ctl := control.New(control.Config{Sink: sink})
	defer ctl.Stop()

	c := New(Config{})
	c.AttachControlChannel(ctl)

	batch := control.EventBatch{Events: []inputsink.Event{{Type: inputsink.EventMouseMove, Sequence: 1}}}
	payload, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	env, err := json.Marshal(control.Envelope{Kind: control.KindEventBatch, Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	c.onDataChannelMessage(peer.DataChannelMessage{Data: env})

	if backend.moves != 1 {
		t.Fatalf("expected 1 move dispatched through the attached control channel, got %d", backend.moves)
	}
}

// TestOnDataChannelMessageWithoutAttachedControlChannelIsNoop confirms
// a message arriving before AttachControlChannel is simply dropped,
// not a panic.
func TestOnDataChannelMessageWithoutAttachedControlChannelIsNoop(t *testing.T) {
	c := New(Config{})
	c.onDataChannelMessage(peer.DataChannelMessage{Data: []byte(`{"kind":"event_batch"}`)})
}

// TestOnCaptureFatalRetriesOnceThenEscalates exercises review finding
// (f)'s policy (spec.md §7): the first capture-fatal callback retries
// the capture source; a repeat within captureRetryWindow tears the
// session down instead.
func TestOnCaptureFatalRetriesOnceThenEscalates(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	c := New(Config{OnStateChange: func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}})

	src := capture.New(fakeCaptureBackend{}, capture.DefaultConfig())
	buf := ringbuffer.New[*frame.Frame](captureRingDepth)
	if err := src.Start(buf); err != nil {
		t.Fatalf("start fake capture source: %v", err)
	}

	c.mu.Lock()
	c.captureSrc = src
	c.captureBuf = buf
	c.mu.Unlock()

	c.onCaptureFatal(errors.New("first transient loss"))

	hasTeardown := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range transitions {
			if s == StateTeardown {
				return true
			}
		}
		return false
	}

	if hasTeardown() {
		t.Fatal("expected the first capture failure to retry rather than tear down")
	}

	c.onCaptureFatal(errors.New("second loss within retry window"))

	if !hasTeardown() {
		t.Fatal("expected a repeat capture failure within the retry window to tear down the session")
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected StateIdle after teardown, got %v", got)
	}
}
