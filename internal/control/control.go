// Package control implements the control channel (SPEC_FULL.md §4.8):
// decoding the data-channel's typed envelope, idempotency-by-sequence,
// a bounded reorder window, permission gating, and heartbeat-stall
// detection. Grounded on the teacher's handleInputMessage/
// handleControlMessage dispatch (internal/remote/desktop/
// session_control.go) generalized onto spec.md §3/§4.8's envelope and
// sequence-number contract.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftpeer/core/internal/clipboard"
	"github.com/driftpeer/core/internal/inputsink"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/permission"
)

var log = logging.L("control")

// EventKind discriminates the control-channel envelope's payload
// (spec.md §3 "Control-channel message").
type EventKind string

const (
	KindEventBatch  EventKind = "event_batch"
	KindCursorShape EventKind = "cursor_shape"
	KindClipboard   EventKind = "clipboard"
	KindHeartbeat   EventKind = "heartbeat"
	KindPermReq     EventKind = "permission_request"
	KindPermResp    EventKind = "permission_response"
)

// Envelope is one data-channel message.
type Envelope struct {
	Kind    EventKind       `json:"kind"`
	Seq     uint64          `json:"seq"` // batch sequence number
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventBatch carries a sequence of input events, each with its own
// monotonic event sequence, per spec.md §4.8.
type EventBatch struct {
	Events []inputsink.Event `json:"events"`
}

// ClipboardPayload is the payload of a KindClipboard envelope: a
// clipboard fragment pushed from the remote peer to be applied
// locally, per spec.md §3's "clipboard fragment" data-channel kind.
type ClipboardPayload struct {
	Content clipboard.Content `json:"content"`
}

const (
	heartbeatInterval   = 2 * time.Second
	heartbeatStallAfter = 5 * time.Second
	defaultReorderWindow = 50 * time.Millisecond
)

// StallFunc is invoked when the heartbeat has been silent for
// heartbeatStallAfter. The coordinator surfaces this to the UI without
// treating it as fatal if media still flows (spec.md §4.8).
type StallFunc func()

// Channel decodes incoming data-channel envelopes, enforces
// idempotency and ordering, and hands surviving events to a Sink.
type Channel struct {
	sink          *inputsink.Sink
	clipboardFn   clipboard.Provider
	clipboardGate *permission.Gate
	reorderWindow time.Duration
	onStall       StallFunc
	onNotify      func(inputsink.EventType)
	send          func([]byte) error

	mu            sync.Mutex
	lastApplied   uint64
	held          map[uint64]inputsink.Event
	lastHeartbeat time.Time
	sendSeq       uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config configures a Channel.
type Config struct {
	Sink          *inputsink.Sink
	Clipboard     clipboard.Provider // nil disables clipboard fragment handling
	ClipboardGate *permission.Gate
	ReorderWindow time.Duration // 0 = defaultReorderWindow
	OnStall       StallFunc
	OnNotify      func(inputsink.EventType) // fired on deny-and-notify
	// Send transmits one encoded envelope over the peer session's
	// reliable data channel (typically peer.Session.SendControl). nil
	// disables the sender side, e.g. in tests that only exercise
	// HandleMessage.
	Send func([]byte) error
}

// New constructs a Channel and starts its heartbeat-stall watchdog.
func New(cfg Config) *Channel {
	window := cfg.ReorderWindow
	if window <= 0 {
		window = defaultReorderWindow
	}
	c := &Channel{
		sink:          cfg.Sink,
		clipboardFn:   cfg.Clipboard,
		clipboardGate: cfg.ClipboardGate,
		reorderWindow: window,
		onStall:       cfg.OnStall,
		onNotify:      cfg.OnNotify,
		send:          cfg.Send,
		held:          make(map[uint64]inputsink.Event),
		lastHeartbeat: time.Now(),
		stopCh:        make(chan struct{}),
	}
	go c.watchdog()
	return c
}

// Stop halts the heartbeat watchdog. Idempotent.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Channel) watchdog() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			stalled := time.Since(c.lastHeartbeat) > heartbeatStallAfter
			c.mu.Unlock()
			if stalled && c.onStall != nil {
				c.onStall()
			}
		}
	}
}

// HandleMessage decodes one raw data-channel message and dispatches
// it per spec.md §4.8's four-step pipeline.
func (c *Channel) HandleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn("failed to decode control envelope", "error", err)
		return
	}

	switch env.Kind {
	case KindHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return
	case KindEventBatch:
		c.handleEventBatch(env.Payload)
	case KindClipboard:
		c.handleClipboard(env.Payload)
	default:
		// cursor_shape / permission_* are delivered to the coordinator via
		// a separate hook in a full wiring; this package owns the
		// input-event and clipboard pipelines.
		log.Info("unhandled control envelope kind", "kind", string(env.Kind))
	}
}

// ErrNoSender is returned by SendEventBatch when the Channel was built
// without a Config.Send (e.g. before the data channel has opened).
var ErrNoSender = errors.New("control: no sender wired")

// SendEventBatch encodes and transmits a batch of local input events to
// the remote peer's HandleMessage, assigning the envelope its own
// monotonic batch sequence number (spec.md §4.8) distinct from each
// Event's own Sequence field. The controller side of a session is the
// only side expected to call this in the two spec.md §6 process roles,
// but the method itself is symmetric.
func (c *Channel) SendEventBatch(events []inputsink.Event) error {
	if c.send == nil {
		return ErrNoSender
	}

	payload, err := json.Marshal(EventBatch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal event batch: %w", err)
	}

	c.mu.Lock()
	c.sendSeq++
	seq := c.sendSeq
	c.mu.Unlock()

	data, err := json.Marshal(Envelope{Kind: KindEventBatch, Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.send(data)
}

func (c *Channel) handleClipboard(payload json.RawMessage) {
	if c.clipboardFn == nil {
		return
	}
	var msg ClipboardPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn("failed to decode clipboard payload", "error", err)
		return
	}
	if c.clipboardGate != nil {
		switch c.clipboardGate.Evaluate(permission.CapClipboardWrite) {
		case permission.DecisionDeny:
			return
		case permission.DecisionDenyAndNotify:
			if c.onNotify != nil {
				c.onNotify(inputsink.EventType("clipboard"))
			}
			return
		}
	}
	if err := c.clipboardFn.SetContent(msg.Content); err != nil {
		log.Warn("failed to apply clipboard content", "error", err)
	}
}

func (c *Channel) handleEventBatch(payload json.RawMessage) {
	var batch EventBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		log.Warn("failed to decode event batch", "error", err)
		return
	}

	c.mu.Lock()
	for _, ev := range batch.Events {
		if ev.Sequence <= c.lastApplied {
			continue // idempotency drop: step 2 of spec.md §4.8
		}
		c.held[ev.Sequence] = ev
	}
	ready := c.drainReadyLocked()
	c.mu.Unlock()

	for _, ev := range ready {
		c.apply(ev)
	}
}

// drainReadyLocked releases held events in sequence order for as long as
// the next-in-sequence event is held. Events beyond a gap stay held until
// the gap fills or FlushStale releases them; no timer releases them.
func (c *Channel) drainReadyLocked() []inputsink.Event {
	var ready []inputsink.Event
	for {
		next := c.lastApplied + 1
		ev, ok := c.held[next]
		if !ok {
			break
		}
		delete(c.held, next)
		c.lastApplied = next
		ready = append(ready, ev)
	}
	return ready
}

// FlushStale force-applies every held event in sequence order,
// advancing lastApplied past the gap, and returns the events it
// applied. Held events record no arrival time, so olderThan and the
// configured reorder window are not consulted: every held event is
// released whatever its age. Nothing in this package calls FlushStale.
func (c *Channel) FlushStale(olderThan time.Time) []inputsink.Event {
	c.mu.Lock()
	if len(c.held) == 0 {
		c.mu.Unlock()
		return nil
	}
	seqs := make([]uint64, 0, len(c.held))
	for s := range c.held {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []inputsink.Event
	for _, s := range seqs {
		out = append(out, c.held[s])
		delete(c.held, s)
		if s > c.lastApplied {
			c.lastApplied = s
		}
	}
	c.mu.Unlock()
	for _, ev := range out {
		c.apply(ev)
	}
	return out
}

func (c *Channel) apply(ev inputsink.Event) {
	notify, err := c.sink.Dispatch(ev)
	if err != nil {
		log.Warn("input dispatch failed", "type", string(ev.Type), "error", err)
		return
	}
	if notify && c.onNotify != nil {
		c.onNotify(ev.Type)
	}
}
