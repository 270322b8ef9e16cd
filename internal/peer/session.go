// Package peer implements the peer-session subsystem (SPEC_FULL.md
// §4.6): the ICE/DTLS/SRTP state machine, offer/answer lifecycle,
// media tracks, and the reliable data channel.
//
// Grounded on the teacher's internal/remote/desktop StartSession (ICE
// server parsing, media engine setup, video track creation, RTCP-PLI
// keyframe forcing, ICE-gathering-complete wait) standardized on
// github.com/pion/webrtc/v4 (the teacher's go.mod version — some
// teacher files drift to v3 imports, a pack inconsistency this module
// does not reproduce), plus the SettingEngine/interceptor/mDNS-filtering
// setup shown in the Sentinel reference file under _examples/other_examples.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/packetize"
)

var log = logging.L("peer")

// State is the peer-session lifecycle state from spec.md §4.6.
type State int

const (
	StateNew State = iota
	StateGathering
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateGathering:
		return "Gathering"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ICEServer mirrors spec.md §6's ice_servers config entries.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ErrNotConnected is returned by WriteMediaPacket before the Connected state.
var ErrNotConnected = errors.New("peer: not connected")

// DataChannelMessage is delivered to OnDataChannelMessage handlers.
type DataChannelMessage struct {
	Data   []byte
	IsText bool
}

// Config configures a Session.
type Config struct {
	ICEServers []ICEServer
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)
	// OnMedia is invoked for each incoming media packet off the remote
	// video track, in RTP arrival order. The caller is responsible for
	// reassembly (internal/packetize.Reassembler) and decode.
	OnMedia func(pkt frame.MediaPacket)
	// OnDataChannelMessage is invoked for each reliable data-channel message.
	OnDataChannelMessage func(DataChannelMessage)
	// OnRemoteKeyframeRequest fires when the remote peer signals PLI/FIR.
	OnRemoteKeyframeRequest func()
}

const (
	iceGatherTimeout    = 10 * time.Second
	dtlsHandshakeWindow = 5 * time.Second
	iceRestartMaxTries  = 3
)

var iceRestartBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

// Session is one peer connection and its lifecycle state.
type Session struct {
	mu    sync.Mutex
	state State
	cfg   Config

	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticRTP
	remoteTrack *webrtc.TrackRemote
	dataChan    *webrtc.DataChannel

	firstPairAt   time.Time
	iceRestarts   int
	lastIncoming  time.Time
	closeOnce     sync.Once
	doneCh        chan struct{}
}

// New constructs a Session in state New. No network activity happens
// until CreateOffer or AcceptOffer is called.
func New(cfg Config) (*Session, error) {
	s := &Session{cfg: cfg, state: StateNew, doneCh: make(chan struct{})}
	pc, videoTrack, err := s.buildPeerConnection()
	if err != nil {
		return nil, corekind.Wrap(corekind.ConfigError, "peer", "failed to construct peer connection", err)
	}
	s.pc = pc
	s.videoTrack = videoTrack
	s.wireCallbacks()
	return s, nil
}

func (s *Session) buildPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticRTP, error) {
	settingEngine := webrtc.SettingEngine{}
	// Disable mDNS candidate gathering — the Sentinel reference file's
	// SettingEngine setup filters .local candidates from the SDP for the
	// same reason: mDNS resolution is unreliable across OS/network
	// configurations for a headless remote-desktop host.
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	settingEngine.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register default codecs: %w", err)
	}
	const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("failed to register playout-delay extension", "error", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, nil, fmt.Errorf("build PLI interceptor: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(s.cfg.ICEServers))
	for _, srv := range s.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	// TrackLocalStaticRTP (rather than pion's sample-based
	// TrackLocalStaticSample) is used deliberately: internal/packetize's
	// Packetizer already fragments each EncodedUnit into MediaPackets
	// with the sequence/timestamp/marker contract spec.md §4.5 requires,
	// and the wire format must be that packetizer's real output, not a
	// second, pion-internal repacketization of the raw unit.
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
		},
		"video", "desktop",
	)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("new video track: %w", err)
	}
	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("add video track: %w", err)
	}

	go s.drainRTCP(sender)

	return pc, videoTrack, nil
}

// drainRTCP reads RTCP feedback off the video sender, forcing a
// keyframe request upstream on PLI/FIR — grounded verbatim on the
// teacher's StartSession RTCP-read goroutine.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	var lastRequest time.Time
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(lastRequest) < 500*time.Millisecond {
					continue
				}
				lastRequest = time.Now()
				if s.cfg.OnRemoteKeyframeRequest != nil {
					s.cfg.OnRemoteKeyframeRequest()
				}
			}
		}
	}
}

func (s *Session) wireCallbacks() {
	// The answering side never calls CreateDataChannel itself (see
	// CreateOffer); it only ever observes the offering side's channel
	// here.
	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		s.wireDataChannel(dc)
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		s.mu.Lock()
		s.remoteTrack = track
		s.mu.Unlock()
		go s.readRemoteTrack(track)
	})

	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		switch st {
		case webrtc.ICEConnectionStateChecking:
			s.transition(StateConnecting)
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			s.onICEConnected()
		case webrtc.ICEConnectionStateDisconnected:
			s.onDisconnected()
		case webrtc.ICEConnectionStateFailed:
			s.transition(StateFailed)
		case webrtc.ICEConnectionStateClosed:
			s.transition(StateClosed)
		}
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info("connection state changed", "state", st.String())
		if st == webrtc.PeerConnectionStateFailed {
			// pion surfaces DTLS/ICE handshake failures (including a
			// fingerprint mismatch) as a Failed connection state; this
			// is the HandshakeFailed kind, security-sensitive, no retry.
			s.transition(StateFailed)
		}
	})
}

// wireDataChannel stores the opened "control" data channel and wires
// its OnMessage to the caller's handler. Called either by OnDataChannel
// (answering side) or directly after CreateDataChannel (offering side).
func (s *Session) wireDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dataChan = dc
	s.mu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.cfg.OnDataChannelMessage != nil {
			s.cfg.OnDataChannelMessage(DataChannelMessage{Data: msg.Data, IsText: msg.IsString})
		}
	})
}

// readRemoteTrack drains one incoming video track's RTP stream for the
// life of the track, handing each packet to OnMedia for reassembly.
// Grounded on the Azunyan1111 WHEP client's pipeRawStream/
// track.ReadRTP loop and petervdpas-goop2's drainRemoteTrack — the
// teacher has no receive path of its own to mirror here, since it is
// always the sharing/host side of a session.
func (s *Session) readRemoteTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if s.cfg.OnMedia == nil {
			continue
		}
		s.cfg.OnMedia(frame.MediaPacket{
			Header: frame.PacketHeader{
				Sequence:     pkt.SequenceNumber,
				TimestampRTP: pkt.Timestamp,
				PayloadType:  pkt.PayloadType,
				Marker:       pkt.Marker,
				Keyframe:     packetize.DetectKeyframeNAL(pkt.Payload),
			},
			Payload: pkt.Payload,
		})
	}
}

func (s *Session) onICEConnected() {
	s.mu.Lock()
	if s.firstPairAt.IsZero() {
		s.firstPairAt = time.Now()
	}
	s.lastIncoming = time.Now()
	s.mu.Unlock()
	// Connecting -> Connected requires both candidate-pair success AND
	// DTLS completion; pion's ICEConnectionStateConnected already
	// implies the DTLS handshake finished for the default transport.
	s.transition(StateConnected)
}

func (s *Session) onDisconnected() {
	s.transition(StateDisconnected)
	go s.attemptICERestart()
}

func (s *Session) attemptICERestart() {
	s.mu.Lock()
	if s.iceRestarts >= iceRestartMaxTries {
		s.mu.Unlock()
		s.transition(StateFailed)
		return
	}
	attempt := s.iceRestarts
	s.iceRestarts++
	s.mu.Unlock()

	backoff := iceRestartBackoff[attempt]
	select {
	case <-time.After(backoff):
	case <-s.doneCh:
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateDisconnected {
		return // already recovered or torn down
	}

	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		log.Warn("ICE restart: create offer failed", "error", err)
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		log.Warn("ICE restart: set local description failed", "error", err)
	}
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	cb := s.cfg.OnStateChange
	s.mu.Unlock()

	log.Info("peer session transition", "from", from.String(), "to", to.String())
	if cb != nil {
		cb(to)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateOffer moves New → Gathering and returns the local SDP offer.
// The reliable, ordered "control" data channel (spec.md §4.6) is
// created here, before the offer: pion only negotiates an SCTP
// association and a data-channel m-line for channels that exist at
// CreateOffer time, mirroring the teacher's webrtc.go/session_webrtc.go
// CreateDataChannel-before-offer calls. The answering side never calls
// CreateDataChannel itself; it observes this channel via OnDataChannel.
func (s *Session) CreateOffer() (string, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("create control data channel: %w", err)
	}
	s.wireDataChannel(dc)

	s.transition(StateGathering)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := s.waitGather(gatherComplete); err != nil {
		return "", err
	}
	return s.pc.LocalDescription().SDP, nil
}

// AcceptOffer moves New → Gathering and returns the local SDP answer.
func (s *Session) AcceptOffer(remoteSDP string) (string, error) {
	s.transition(StateGathering)

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return "", corekind.Wrap(corekind.HandshakeFailed, "peer", "failed to set remote offer", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := s.waitGather(gatherComplete); err != nil {
		return "", err
	}
	return s.pc.LocalDescription().SDP, nil
}

// AcceptAnswer completes the offering side's handshake.
func (s *Session) AcceptAnswer(remoteSDP string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteSDP}); err != nil {
		return corekind.Wrap(corekind.HandshakeFailed, "peer", "failed to set remote answer", err)
	}
	return nil
}

func (s *Session) waitGather(gatherComplete <-chan struct{}) error {
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		s.transition(StateFailed)
		return corekind.New(corekind.IceGatheringFailed, "peer", "ICE gathering timed out")
	case <-s.doneCh:
		return corekind.New(corekind.IceGatheringFailed, "peer", "session stopped during gathering")
	}
}

// AddRemoteCandidate adds one ICE candidate received via the signaling
// client.
func (s *Session) AddRemoteCandidate(candidate string) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// WriteMediaPacket writes one already-fragmented MediaPacket (produced
// by internal/packetize.Packetizer) directly to the video track. It
// fails with NotConnected before the Connected state, as spec.md §4.6
// requires. TrackLocalStaticRTP rewrites SSRC/PayloadType per bound
// transceiver on write, so the packetizer's placeholder values for
// those fields are never actually sent on the wire.
func (s *Session) WriteMediaPacket(pkt frame.MediaPacket) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.videoTrack.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         pkt.Header.Marker,
			PayloadType:    pkt.Header.PayloadType,
			SequenceNumber: pkt.Header.Sequence,
			Timestamp:      pkt.Header.TimestampRTP,
		},
		Payload: pkt.Payload,
	})
}

// RequestKeyframe asks the remote encoder for a fresh keyframe by
// sending a Picture Loss Indication upstream on the inbound video
// track's SSRC — the decode package's loss-recovery policy (spec.md
// §4.4) run in the receive direction, mirroring the teacher's
// RTCP-PLI-triggered keyframe-request logic in reverse.
func (s *Session) RequestKeyframe() error {
	s.mu.Lock()
	track := s.remoteTrack
	s.mu.Unlock()
	if track == nil {
		return errors.New("peer: no remote video track")
	}
	return s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
}

// SendControl writes one message on the reliable data channel. It
// returns WouldBlock-equivalent behavior by returning an error if the
// channel's buffered amount exceeds a high-water mark, rather than
// blocking — matching spec.md §5's 500 ms/high-water-mark contract.
var ErrWouldBlock = errors.New("peer: data channel send queue full")

const dataChannelHighWaterMark = 1 << 20 // 1 MiB

func (s *Session) SendControl(data []byte) error {
	s.mu.Lock()
	dc := s.dataChan
	s.mu.Unlock()
	if dc == nil {
		return errors.New("peer: data channel not open")
	}
	if dc.BufferedAmount() > dataChannelHighWaterMark {
		return ErrWouldBlock
	}
	return dc.Send(data)
}

// Close performs a graceful teardown: sends a closing signal is the
// caller's responsibility (via the signaling client's `bye`), then
// this releases peer-connection and cryptographic state. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.doneCh)
		err = s.pc.Close()
		s.transition(StateClosed)
	})
	return err
}
