// Package coordinator implements the session coordinator
// (SPEC_FULL.md §4.11): the single state-machine authority tying
// capture, encode, transport (peer), and control together for one
// remote-desktop session.
//
// Grounded on the teacher's Session/SessionManager lifecycle
// (internal/remote/desktop/session.go: Stop/doCleanup's once-guarded,
// wait-group-drained teardown; StartSession's subsystem wiring order)
// but explicitly NOT enforcing the teacher's SessionManager
// single-active-session-per-process invariant: spec.md describes one
// coordinator instance per peer session, and multiple concurrent
// sessions (e.g. one host, several controllers) are in scope.
package coordinator

import (
	"sync"
	"time"

	"github.com/driftpeer/core/internal/capture"
	"github.com/driftpeer/core/internal/control"
	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/decode"
	"github.com/driftpeer/core/internal/encode"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/packetize"
	"github.com/driftpeer/core/internal/peer"
	"github.com/driftpeer/core/internal/ringbuffer"
	"github.com/driftpeer/core/internal/signaling"
)

var log = logging.L("coordinator")

// State is the coordinator's lifecycle state, per spec.md §4.11's
// diagram: Idle -> Registering -> Ready -> Offering/Answering ->
// Streaming -> Teardown -> Idle, with a ReconnectWait substate of
// Streaming.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateReady
	StateOffering
	StateAnswering
	StateStreaming
	StateReconnectWait
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRegistering:
		return "Registering"
	case StateReady:
		return "Ready"
	case StateOffering:
		return "Offering"
	case StateAnswering:
		return "Answering"
	case StateStreaming:
		return "Streaming"
	case StateReconnectWait:
		return "ReconnectWait"
	case StateTeardown:
		return "Teardown"
	default:
		return "Unknown"
	}
}

const (
	teardownDeadline   = 500 * time.Millisecond
	captureRingDepth   = 3               // spec.md §4.2: hard capacity 2-3, drop-oldest
	captureRetryWindow = 30 * time.Second // spec.md §7: escalate if capture loss repeats within this window
)

// Status is a read-only snapshot exposed to UI consumers. Per
// spec.md's Redesign Flags, the coordinator owns all live handles; UI
// never holds one directly.
type Status struct {
	State          State
	PeerState      peer.State
	ControlStalled bool
}

// Config wires one coordinator instance's subsystems.
type Config struct {
	Signaling     *signaling.Client
	RemoteID      string // the peer device id this coordinator talks to
	ICEServers    []peer.ICEServer
	CaptureCfg    capture.Config
	EncodeCfg     encode.Config
	Backend       capture.Backend
	FrameDuration time.Duration // nominal frame interval for packetizer timing; default 1/30s
	OnStateChange func(State)
	// OnRemoteFrame receives each decoded frame from the remote peer's
	// video track, for local presentation (spec.md §4.4). Non-goal per
	// spec.md §1 is an actual GUI toolkit; this is the presentation
	// boundary a renderer would attach to.
	OnRemoteFrame func(*frame.Frame)
}

// Coordinator owns the lifecycle of one remote-desktop session.
type Coordinator struct {
	cfg Config

	mu    sync.RWMutex
	state State

	captureSrc  *capture.Source
	captureBuf  *ringbuffer.Ring[*frame.Frame]
	encoder     *encode.VideoEncoder
	adaptive    *encode.AdaptiveBitrate
	packetizer  *packetize.Packetizer
	reassembler *packetize.Reassembler
	decoder     *decode.Decoder
	peerSess    *peer.Session
	controlCh   *control.Channel

	consumeDone       chan struct{}
	lastCaptureFailAt time.Time

	stopOnce sync.Once
}

// New constructs a Coordinator in state Idle. No subsystem is started
// until Start is called.
func New(cfg Config) *Coordinator {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = time.Second / 30
	}
	return &Coordinator{cfg: cfg, state: StateIdle}
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	log.Info("coordinator transition", "from", from.String(), "to", to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(to)
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a read-only snapshot for UI consumers.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{State: c.state}
	if c.peerSess != nil {
		st.PeerState = c.peerSess.State()
	}
	return st
}

// AttachSignaling wires the signaling client used for registration and
// handshake relay. Must be called before RegisterAndAwaitReady.
func (c *Coordinator) AttachSignaling(sig *signaling.Client) {
	c.mu.Lock()
	c.cfg.Signaling = sig
	c.mu.Unlock()
}

// RegisterAndAwaitReady moves Idle -> Registering -> Ready once the
// signaling client confirms registration.
func (c *Coordinator) RegisterAndAwaitReady(timeout time.Duration) error {
	c.transition(StateRegistering)
	if !c.cfg.Signaling.WaitRegistered(timeout) {
		c.transition(StateIdle)
		return corekind.New(corekind.SignalingUnreachable, "coordinator", "registration not acknowledged")
	}
	c.transition(StateReady)
	return nil
}

// buildPipeline constructs the capture/encode/packetize subsystems
// shared by both the offering and accepting sides. The peer session is
// built separately by the caller since its OnStateChange callback
// needs to reference the coordinator.
func (c *Coordinator) buildPipeline() error {
	captureCfg := c.cfg.CaptureCfg
	captureCfg.OnFatal = c.onCaptureFatal
	src := capture.New(c.cfg.Backend, captureCfg)
	buf := ringbuffer.New[*frame.Frame](captureRingDepth)

	enc, err := encode.New(c.cfg.EncodeCfg, c.onBackpressure)
	if err != nil {
		return err
	}
	adaptive, err := encode.NewAdaptiveBitrate(encode.AdaptiveConfig{
		Encoder:        enc,
		InitialBitrate: c.cfg.EncodeCfg.BitrateBPS,
		MinBitrate:     200_000,
		MaxBitrate:     c.cfg.EncodeCfg.BitrateBPS * 3,
	})
	if err != nil {
		enc.Close()
		return err
	}

	dec, err := decode.New(frame.CodecH264, c.requestRemoteKeyframe)
	if err != nil {
		enc.Close()
		return err
	}

	c.mu.Lock()
	c.captureSrc = src
	c.captureBuf = buf
	c.encoder = enc
	c.adaptive = adaptive
	c.packetizer = packetize.New(1200, 96, 0)
	c.reassembler = packetize.NewReassembler(c.cfg.FrameDuration, c.onReassemblyLoss)
	c.decoder = dec
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onBackpressure() {
	c.mu.RLock()
	adaptive := c.adaptive
	c.mu.RUnlock()
	if adaptive != nil {
		adaptive.Degrade()
	}
}

func (c *Coordinator) newPeerSession() (*peer.Session, error) {
	return peer.New(peer.Config{
		ICEServers:              c.cfg.ICEServers,
		OnStateChange:           c.onPeerStateChange,
		OnRemoteKeyframeRequest: c.forceKeyframe,
		OnDataChannelMessage:    c.onDataChannelMessage,
		OnMedia:                 c.onRemoteMediaPacket,
	})
}

// onDataChannelMessage routes one inbound reliable-channel message to
// the attached control.Channel. controlCh is read fresh on every call
// since AttachControlChannel is only called after the peer session (and
// therefore this callback) already exists.
func (c *Coordinator) onDataChannelMessage(msg peer.DataChannelMessage) {
	c.mu.RLock()
	ch := c.controlCh
	c.mu.RUnlock()
	if ch != nil {
		ch.HandleMessage(msg.Data)
	}
}

// onRemoteMediaPacket feeds one inbound RTP-style packet through the
// reassembler and, once a unit completes, the decoder, surfacing the
// resulting Frame via OnRemoteFrame. This is the inverse of
// encodeAndSend: Encoder -> Packetizer -> Peer session on the send
// side, Peer session -> Reassembler -> Decoder here.
func (c *Coordinator) onRemoteMediaPacket(pkt frame.MediaPacket) {
	c.mu.RLock()
	reasm := c.reassembler
	dec := c.decoder
	c.mu.RUnlock()
	if reasm == nil || dec == nil {
		return
	}

	data, keyframe, complete := reasm.Push(pkt)
	if !complete {
		return
	}

	unit := &frame.EncodedUnit{Codec: frame.CodecH264, Data: data, Keyframe: keyframe, ProducedAt: time.Now()}
	f, err := dec.Decode(unit)
	if err != nil {
		log.Warn("decode failed", "error", err)
		return
	}
	if f != nil && c.cfg.OnRemoteFrame != nil {
		c.cfg.OnRemoteFrame(f)
	}
}

func (c *Coordinator) onReassemblyLoss(crossesKeyframe bool) {
	if !crossesKeyframe {
		return
	}
	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec != nil {
		dec.MarkLoss()
	}
}

func (c *Coordinator) requestRemoteKeyframe() {
	c.mu.RLock()
	sess := c.peerSess
	c.mu.RUnlock()
	if sess == nil {
		return
	}
	if err := sess.RequestKeyframe(); err != nil {
		log.Warn("failed to request remote keyframe", "error", err)
	}
}

// onCaptureFatal reacts to capture.Source's fatal-loss callback
// (spec.md §7/§4.1): the first occurrence retries the capture source
// once; a repeat within captureRetryWindow escalates to a full session
// teardown instead of retrying indefinitely.
func (c *Coordinator) onCaptureFatal(err error) {
	log.Error("capture subsystem reported fatal loss", "error", err)

	c.mu.Lock()
	now := time.Now()
	recentRepeat := !c.lastCaptureFailAt.IsZero() && now.Sub(c.lastCaptureFailAt) < captureRetryWindow
	c.lastCaptureFailAt = now
	src, buf := c.captureSrc, c.captureBuf
	c.mu.Unlock()

	if recentRepeat {
		log.Error("capture lost again within retry window, tearing down session", "window", captureRetryWindow)
		c.beginTeardown()
		return
	}
	if src == nil || buf == nil {
		c.beginTeardown()
		return
	}

	src.Stop()
	if err := src.Start(buf); err != nil {
		log.Warn("capture retry failed to restart", "error", err)
		c.beginTeardown()
		return
	}
	c.forceKeyframe()
}

// CreateOffer builds the local pipeline and peer session, transitions
// Ready -> Offering, and returns the SDP offer to relay via signaling.
func (c *Coordinator) CreateOffer() (string, error) {
	if err := c.buildPipeline(); err != nil {
		return "", err
	}
	sess, err := c.newPeerSession()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.peerSess = sess
	c.mu.Unlock()

	c.transition(StateOffering)
	return sess.CreateOffer()
}

// AcceptOffer builds the local pipeline and peer session from a
// remote offer, transitions Ready -> Answering, and returns the SDP
// answer to relay via signaling.
func (c *Coordinator) AcceptOffer(remoteSDP string) (string, error) {
	if err := c.buildPipeline(); err != nil {
		return "", err
	}
	sess, err := c.newPeerSession()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.peerSess = sess
	c.mu.Unlock()

	c.transition(StateAnswering)
	return sess.AcceptOffer(remoteSDP)
}

// AcceptAnswer completes the offering side's handshake.
func (c *Coordinator) AcceptAnswer(remoteSDP string) error {
	c.mu.RLock()
	sess := c.peerSess
	c.mu.RUnlock()
	if sess == nil {
		return corekind.New(corekind.ConfigError, "coordinator", "no pending offer to answer")
	}
	return sess.AcceptAnswer(remoteSDP)
}

// AddRemoteCandidate relays one ICE candidate to the peer session.
func (c *Coordinator) AddRemoteCandidate(candidate string) error {
	c.mu.RLock()
	sess := c.peerSess
	c.mu.RUnlock()
	if sess == nil {
		return corekind.New(corekind.ConfigError, "coordinator", "no active peer session")
	}
	return sess.AddRemoteCandidate(candidate)
}

func (c *Coordinator) forceKeyframe() {
	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc != nil {
		enc.ForceKeyframe()
	}
}

func (c *Coordinator) onPeerStateChange(st peer.State) {
	switch st {
	case peer.StateConnected:
		c.onPeerConnected()
	case peer.StateDisconnected:
		c.onPeerDisconnected()
	case peer.StateFailed, peer.StateClosed:
		c.beginTeardown()
	}
}

// onPeerConnected starts the frame source and its consume loop (or, when
// coming back from ReconnectWait, forces a keyframe) and then declares
// Streaming. Only a failed capture start prevents the transition; it
// does not check that the encoder is producing or that a control
// channel is attached.
func (c *Coordinator) onPeerConnected() {
	c.mu.Lock()
	src, buf := c.captureSrc, c.captureBuf
	wasReconnecting := c.state == StateReconnectWait
	c.mu.Unlock()

	if !wasReconnecting {
		if err := src.Start(buf); err != nil {
			log.Warn("failed to start capture on connect", "error", err)
			c.beginTeardown()
			return
		}
		c.mu.Lock()
		c.consumeDone = make(chan struct{})
		done := c.consumeDone
		c.mu.Unlock()
		go c.consumeLoop(buf, done)
	} else {
		// Resume encoding with an immediate keyframe, per spec.md §4.11.
		c.forceKeyframe()
	}
	c.transition(StateStreaming)
}

func (c *Coordinator) onPeerDisconnected() {
	c.transition(StateReconnectWait)
	// Hold the frame source running but stop encoding: consumeLoop checks
	// state and skips Encode() while not Streaming.
}

// consumeLoop pops captured frames off the ring buffer and drives them
// through encode -> packetize -> peer transport. It runs for the life
// of one capture Start/Stop pair, continuing to drain (and discard)
// frames during ReconnectWait so the ring buffer doesn't back up.
func (c *Coordinator) consumeLoop(buf *ringbuffer.Ring[*frame.Frame], done chan struct{}) {
	for {
		f, ok := buf.Pop(done)
		if !ok {
			return
		}
		c.encodeAndSend(f)
	}
}

func (c *Coordinator) encodeAndSend(f *frame.Frame) {
	c.mu.RLock()
	state := c.state
	enc := c.encoder
	pk := c.packetizer
	sess := c.peerSess
	c.mu.RUnlock()

	if state != StateStreaming || enc == nil {
		return // ReconnectWait or teardown racing: drop captured frame
	}

	unit, err := enc.Encode(f)
	if err != nil {
		log.Warn("encode failed", "error", err)
		return
	}

	if pk == nil || sess == nil {
		return
	}
	for _, pkt := range pk.Packetize(unit, c.cfg.FrameDuration) {
		if err := sess.WriteMediaPacket(pkt); err != nil {
			log.Warn("failed to write media packet", "error", err)
			return
		}
	}
}

// SendControlMessage transmits one already-encoded control envelope
// over the peer session's reliable data channel. Wired as
// control.Config.Send so control.Channel.SendEventBatch reaches the
// wire (spec.md §4.8).
func (c *Coordinator) SendControlMessage(data []byte) error {
	c.mu.RLock()
	sess := c.peerSess
	c.mu.RUnlock()
	if sess == nil {
		return corekind.New(corekind.ConfigError, "coordinator", "no active peer session")
	}
	return sess.SendControl(data)
}

// AttachControlChannel wires the data channel's message stream into
// the control package once the peer session's "control" data channel
// opens.
func (c *Coordinator) AttachControlChannel(ch *control.Channel) {
	c.mu.Lock()
	c.controlCh = ch
	c.mu.Unlock()
}

// beginTeardown moves to Teardown, stops every subsystem within
// teardownDeadline, then returns to Idle. Idempotent.
func (c *Coordinator) beginTeardown() {
	c.stopOnce.Do(func() {
		c.transition(StateTeardown)

		done := make(chan struct{})
		go func() {
			c.mu.RLock()
			src, enc, dec, sess, ctl, consumeDone := c.captureSrc, c.encoder, c.decoder, c.peerSess, c.controlCh, c.consumeDone
			c.mu.RUnlock()

			if consumeDone != nil {
				close(consumeDone)
			}
			if src != nil {
				src.Stop()
			}
			if ctl != nil {
				ctl.Stop()
			}
			if sess != nil {
				sess.Close()
			}
			if enc != nil {
				enc.Close()
			}
			if dec != nil {
				dec.Close()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(teardownDeadline):
			log.Warn("teardown exceeded deadline", "deadline", teardownDeadline)
		}
		c.transition(StateIdle)
	})
}

// Stop tears down the session from any state. Idempotent.
func (c *Coordinator) Stop() {
	c.beginTeardown()
}
