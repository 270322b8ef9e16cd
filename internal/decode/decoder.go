// Package decode implements the video-decoder subsystem (SPEC_FULL.md
// §4.4): EncodedUnit → Frame, mirroring the encode package's backend
// abstraction. The teacher has no decode path; this is grounded on
// generalizing encode.VideoEncoder's backend/backendFactory shape onto
// the inverse operation, using the same github.com/y9o/go-openh264
// dependency's decoder entry points.
package decode

import (
	"fmt"
	"sync"

	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
)

var log = logging.L("decode")

// RequestKeyframeFunc asks the peer session to signal upstream (PLI)
// that a keyframe is needed, mirroring the teacher's RTCP-PLI-triggered
// keyframe-request logic in webrtc.go, run here in the receive
// direction.
type RequestKeyframeFunc func()

// Decoder accepts reassembled EncodedUnits and produces Frames. It is
// robust to loss: a non-keyframe unit arriving while the decoder has no
// valid reference (because a unit was dropped) is itself dropped until
// the next keyframe, and a keyframe is requested via the back channel.
type Decoder struct {
	mu      sync.Mutex
	backend decoderBackend

	haveKeyframe    bool
	onRequestKey    RequestKeyframeFunc
	requestedOnLoss bool
}

type decoderBackend interface {
	Decode(unit *frame.EncodedUnit) (*frame.Frame, error)
	Close() error
}

// New constructs a Decoder for the given codec. Only H.264 is
// implemented (the software openh264 backend); an unsupported codec
// fails the same way EncoderUnavailable does on the encode side.
func New(codec frame.Codec, onRequestKeyframe RequestKeyframeFunc) (*Decoder, error) {
	var backend decoderBackend
	var err error
	switch codec {
	case frame.CodecH264:
		backend, err = newOpenH264Decoder()
	default:
		return nil, corekind.New(corekind.EncoderUnavailable, "decode", fmt.Sprintf("unsupported codec %s", codec))
	}
	if err != nil {
		return nil, corekind.Wrap(corekind.EncoderUnavailable, "decode", "decoder backend init failed", err)
	}
	return &Decoder{backend: backend, onRequestKey: onRequestKeyframe}, nil
}

// Decode feeds one reassembled EncodedUnit through the backend. Units
// arriving before the first keyframe, or after a gap was detected by
// the caller (see MarkLoss), are dropped rather than fed to the
// backend, since a non-keyframe may reference a missing predecessor.
func (d *Decoder) Decode(unit *frame.EncodedUnit) (*frame.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if unit.Keyframe {
		d.haveKeyframe = true
		d.requestedOnLoss = false
	} else if !d.haveKeyframe {
		log.Warn("dropping non-keyframe unit before first keyframe")
		d.requestKeyframeOnce()
		return nil, nil
	}

	f, err := d.backend.Decode(unit)
	if err != nil {
		return nil, corekind.Wrap(corekind.PacketLoss, "decode", "decode failed", err)
	}
	return f, nil
}

// MarkLoss is called by the packetizer's reassembler when a sequence
// gap crosses a keyframe boundary (spec.md §7 PacketLoss policy:
// "request keyframe if gap crosses a keyframe boundary"). It forces
// subsequent non-keyframe units to be dropped until a fresh keyframe
// arrives.
func (d *Decoder) MarkLoss() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.haveKeyframe = false
	d.requestKeyframeOnce()
}

func (d *Decoder) requestKeyframeOnce() {
	if d.requestedOnLoss {
		return
	}
	d.requestedOnLoss = true
	if d.onRequestKey != nil {
		d.onRequestKey()
	}
}

// Close releases the backend. Idempotent.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == nil {
		return nil
	}
	err := d.backend.Close()
	d.backend = nil
	return err
}
