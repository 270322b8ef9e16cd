// Package packetize implements the media-packetizer subsystem
// (SPEC_FULL.md §4.5): EncodedUnit ↔ Media packet fragmentation, using
// github.com/pion/rtp's H.264 payloader — already an indirect
// dependency of the teacher's go.mod (pulled in by pion/webrtc/v4) and
// promoted here to a direct one, since hand-rolling FU-A fragmentation
// would be reinventing exactly what that library already does.
package packetize

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/driftpeer/core/internal/frame"
)

const rtpClockHz = 90000

// Packetizer fragments EncodedUnits into MediaPackets whose payload
// never exceeds mtu minus header overhead. Sequence numbers are
// per-track, monotonic modulo 2^16 (spec.md §3).
type Packetizer struct {
	pk          rtp.Packetizer
	payloadType uint8
	ssrc        uint32
}

// New constructs a Packetizer for one track. mtu is the negotiated
// transport MTU (spec.md §6); the payloader fragments each unit's NAL
// units into packets no larger than mtu minus the 12-byte RTP header.
func New(mtu int, payloadType uint8, ssrc uint32) *Packetizer {
	payloader := &codecs.H264Payloader{}
	seq := rtp.NewRandomSequencer()
	return &Packetizer{
		pk:          rtp.NewPacketizer(uint16(mtu), payloadType, ssrc, payloader, seq, rtpClockHz),
		payloadType: payloadType,
		ssrc:        ssrc,
	}
}

// Packetize fragments one EncodedUnit into one or more MediaPackets.
// The 32-bit RTP timestamp is pion's Packetizer's own running value,
// advanced by frameDuration in 90 kHz ticks on every call, and is
// identical across every fragment of the unit. The unit's ProducedAt
// is not read.
func (p *Packetizer) Packetize(unit *frame.EncodedUnit, frameDuration time.Duration) []frame.MediaPacket {
	samples := uint32(frameDuration.Seconds() * rtpClockHz)
	pkts := p.pk.Packetize(unit.Data, samples)

	out := make([]frame.MediaPacket, len(pkts))
	for i, pkt := range pkts {
		out[i] = frame.MediaPacket{
			Header: frame.PacketHeader{
				Sequence:     pkt.SequenceNumber,
				TimestampRTP: pkt.Timestamp,
				PayloadType:  p.payloadType,
				Marker:       pkt.Marker,
				Keyframe:     unit.Keyframe,
			},
			Payload: pkt.Payload,
		}
	}
	return out
}

// DetectKeyframeNAL inspects the NAL header byte(s) of one received
// H.264 RTP payload to decide whether it belongs to a keyframe access
// unit. Unlike the send side (where Packetize copies the keyframe hint
// down from the source EncodedUnit), a packet arriving off the wire via
// peer.Session's OnTrack carries no such out-of-band hint, so the
// receive path must derive it from the bitstream itself. Grounded on
// the NAL-type inspection (getNALType) in the pack's GStreamer-based
// desktop-streaming example, adapted to single-NAL and FU-A/FU-B
// fragment payloads (RFC 6184 §5.8).
func DetectKeyframeNAL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] & 0x1f {
	case 5, 7, 8: // IDR slice, SPS, PPS
		return true
	case 28, 29: // FU-A, FU-B: original NAL type is in the fragment header byte
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x1f == 5
	default:
		return false
	}
}
