package packetize

import (
	"sort"
	"time"

	"github.com/driftpeer/core/internal/frame"
)

// LossFunc is invoked when the reassembler detects a sequence gap,
// reported with the gap's keyframe hint so the caller (the decoder via
// the session coordinator) can decide whether the gap crosses a
// keyframe boundary (spec.md §7 PacketLoss policy).
type LossFunc func(gapCrossesKeyframe bool)

// Reassembler detects loss by sequence gap and holds fragments of one
// in-progress unit until completion (marker bit), a timeout of
// 3×frameInterval, or discard.
type Reassembler struct {
	frameInterval time.Duration
	onLoss        LossFunc

	haveLastSeq bool
	lastSeq     uint16

	pending      map[uint16]frame.MediaPacket
	pendingStart time.Time
	havePending  bool
}

// NewReassembler constructs a Reassembler. frameInterval is used to
// derive the completion timeout (3× frame interval, spec.md §4.5).
func NewReassembler(frameInterval time.Duration, onLoss LossFunc) *Reassembler {
	return &Reassembler{
		frameInterval: frameInterval,
		onLoss:        onLoss,
		pending:       make(map[uint16]frame.MediaPacket),
	}
}

// seqDiff returns the forward distance from a to b modulo 2^16 — the
// number of sequence-number steps to get from a to b going forward.
func seqDiff(a, b uint16) uint16 {
	return b - a
}

// Push feeds one received MediaPacket. It returns the reassembled
// EncodedUnit data (and true) once a unit completes (marker bit seen
// with no gap), or (nil, false) while still buffering.
func (r *Reassembler) Push(pkt frame.MediaPacket) (data []byte, keyframe bool, complete bool) {
	now := time.Now()

	if r.haveLastSeq {
		gap := seqDiff(r.lastSeq, pkt.Header.Sequence)
		if gap > 1 {
			// Missing sequence(s) between lastSeq and this packet.
			if r.onLoss != nil {
				r.onLoss(pkt.Header.Keyframe)
			}
			r.resetPending()
		}
	}
	r.haveLastSeq = true
	r.lastSeq = pkt.Header.Sequence

	if !r.havePending {
		r.pendingStart = now
		r.havePending = true
	} else if now.Sub(r.pendingStart) > 3*r.frameInterval {
		// Completion timeout: discard the stale partial unit.
		r.resetPending()
		r.pendingStart = now
	}

	r.pending[pkt.Header.Sequence] = pkt

	if !pkt.Header.Marker {
		return nil, false, false
	}

	// Marker bit seen: concatenate payloads in sequence order.
	seqs := make([]uint16, 0, len(r.pending))
	for s := range r.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []byte
	kf := false
	for _, s := range seqs {
		p := r.pending[s]
		out = append(out, p.Payload...)
		kf = kf || p.Header.Keyframe
	}

	r.resetPending()
	return out, kf, true
}

func (r *Reassembler) resetPending() {
	r.pending = make(map[uint16]frame.MediaPacket)
	r.havePending = false
}
