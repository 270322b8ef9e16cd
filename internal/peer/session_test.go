package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/driftpeer/core/internal/frame"
)

// newLoopbackPair builds one offering and one answering Session and
// drives them through the full SDP/ICE handshake in-process. Both
// sides run on localhost, so gathering completes against host
// candidates without a STUN/TURN server.
func newLoopbackPair(t *testing.T, offererCfg, answererCfg Config) (*Session, *Session) {
	t.Helper()

	offerer, err := New(offererCfg)
	if err != nil {
		t.Fatalf("new offerer session: %v", err)
	}
	answerer, err := New(answererCfg)
	if err != nil {
		offerer.Close()
		t.Fatalf("new answerer session: %v", err)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	answer, err := answerer.AcceptOffer(offer)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if err := offerer.AcceptAnswer(answer); err != nil {
		t.Fatalf("accept answer: %v", err)
	}

	return offerer, answerer
}

func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, currently %s", want, s.State())
}

// TestSessionLoopbackDataChannelRoundTrip exercises the offering side's
// CreateDataChannel-before-offer call and the answering side's
// OnDataChannel observation end to end: review finding (a)/(b)'s fix.
func TestSessionLoopbackDataChannelRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	gotMsg := make(chan struct{}, 1)

	offerer, answerer := newLoopbackPair(t, Config{}, Config{
		OnDataChannelMessage: func(msg DataChannelMessage) {
			mu.Lock()
			received = msg.Data
			mu.Unlock()
			select {
			case gotMsg <- struct{}{}:
			default:
			}
		},
	})
	defer offerer.Close()
	defer answerer.Close()

	waitState(t, offerer, StateConnected, 10*time.Second)
	waitState(t, answerer, StateConnected, 10*time.Second)

	payload := []byte("hello control channel")

	// The data channel can still be mid-open for a moment after ICE
	// connects; retry briefly rather than racing its OnOpen event.
	deadline := time.Now().Add(2 * time.Second)
	var sendErr error
	for time.Now().Before(deadline) {
		if sendErr = offerer.SendControl(payload); sendErr == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("SendControl: %v", sendErr)
	}

	select {
	case <-gotMsg:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data channel message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, received)
	}
}

// TestSessionLoopbackVideoPacketRoundTrip exercises OnTrack/readRemoteTrack
// and WriteMediaPacket end to end: review finding (d)/(e)'s fix, including
// that the keyframe hint survives DetectKeyframeNAL on receive.
func TestSessionLoopbackVideoPacketRoundTrip(t *testing.T) {
	gotPkt := make(chan frame.MediaPacket, 1)

	offerer, answerer := newLoopbackPair(t, Config{}, Config{
		OnMedia: func(pkt frame.MediaPacket) {
			select {
			case gotPkt <- pkt:
			default:
			}
		},
	})
	defer offerer.Close()
	defer answerer.Close()

	waitState(t, offerer, StateConnected, 10*time.Second)
	waitState(t, answerer, StateConnected, 10*time.Second)

	want := frame.MediaPacket{
		Header: frame.PacketHeader{
			Sequence:     42,
			TimestampRTP: 12345,
			PayloadType:  96,
			Marker:       true,
		},
		Payload: []byte{0x65, 0xAA, 0xBB}, // NAL type 5 (IDR) in the low 5 bits
	}

	deadline := time.Now().Add(2 * time.Second)
	var sendErr error
	for time.Now().Before(deadline) {
		if sendErr = offerer.WriteMediaPacket(want); sendErr == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("WriteMediaPacket: %v", sendErr)
	}

	select {
	case got := <-gotPkt:
		if got.Header.Sequence != want.Header.Sequence {
			t.Fatalf("expected sequence %d, got %d", want.Header.Sequence, got.Header.Sequence)
		}
		if !got.Header.Keyframe {
			t.Fatal("expected the received packet to be detected as a keyframe")
		}
		if len(got.Payload) != len(want.Payload) {
			t.Fatalf("expected payload length %d, got %d", len(want.Payload), len(got.Payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote video packet")
	}
}

// TestRequestKeyframeWithoutRemoteTrackErrors confirms RequestKeyframe
// fails fast before any remote video track has been observed, rather
// than panicking on a nil track.
func TestRequestKeyframeWithoutRemoteTrackErrors(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.RequestKeyframe(); err == nil {
		t.Fatal("expected an error requesting a keyframe with no remote track")
	}
}

// TestWriteMediaPacketBeforeConnectedErrors confirms WriteMediaPacket
// rejects writes before the Connected state (spec.md §4.6).
func TestWriteMediaPacketBeforeConnectedErrors(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.WriteMediaPacket(frame.MediaPacket{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
