package packetize

import (
	"testing"
	"time"

	"github.com/driftpeer/core/internal/frame"
)

func TestSequenceContinuity(t *testing.T) {
	p := New(1200, 96, 0x1234)
	unit := &frame.EncodedUnit{
		Data:     make([]byte, 5000), // larger than MTU, forces fragmentation
		Keyframe: true,
	}
	unit.Data[0] = 0x65 // fake IDR NAL header so the H264 payloader has a type byte

	pkts := p.Packetize(unit, time.Second/30)
	if len(pkts) < 2 {
		t.Fatalf("expected fragmentation into multiple packets, got %d", len(pkts))
	}
	for i := 1; i < len(pkts); i++ {
		prev := pkts[i-1].Header.Sequence
		cur := pkts[i].Header.Sequence
		if cur-prev != 1 {
			t.Fatalf("packet %d: sequence jumped from %d to %d", i, prev, cur)
		}
	}
	if !pkts[len(pkts)-1].Header.Marker {
		t.Fatal("expected marker bit on last fragment")
	}
	for _, pkt := range pkts {
		if !pkt.Header.Keyframe {
			t.Fatal("expected keyframe hint copied onto every fragment")
		}
	}
}

func TestReassemblerCompletesOnMarker(t *testing.T) {
	r := NewReassembler(time.Second/30, nil)

	pkts := []frame.MediaPacket{
		{Header: frame.PacketHeader{Sequence: 10, Keyframe: true}, Payload: []byte("ab")},
		{Header: frame.PacketHeader{Sequence: 11, Keyframe: true, Marker: true}, Payload: []byte("cd")},
	}

	for i, pkt := range pkts {
		data, _, complete := r.Push(pkt)
		if i == 0 && complete {
			t.Fatal("should not complete before marker")
		}
		if i == 1 {
			if !complete {
				t.Fatal("expected completion on marker packet")
			}
			if string(data) != "abcd" {
				t.Fatalf("expected reassembled data 'abcd', got %q", data)
			}
		}
	}
}

func TestDetectKeyframeNALSingleNALUnit(t *testing.T) {
	if !DetectKeyframeNAL([]byte{0x65, 0xaa}) {
		t.Fatal("expected IDR NAL (type 5) to be detected as keyframe")
	}
	if !DetectKeyframeNAL([]byte{0x67, 0x42}) {
		t.Fatal("expected SPS NAL (type 7) to be detected as keyframe")
	}
	if DetectKeyframeNAL([]byte{0x61, 0xaa}) {
		t.Fatal("expected non-IDR slice NAL (type 1) to not be a keyframe")
	}
}

func TestDetectKeyframeNALFragmentationUnit(t *testing.T) {
	fuIndicator := byte(28) // FU-A
	fuHeaderIDR := byte(0x80 | 5) // start bit + original type 5 (IDR)
	if !DetectKeyframeNAL([]byte{fuIndicator, fuHeaderIDR, 0xaa}) {
		t.Fatal("expected FU-A fragment of an IDR slice to be detected as keyframe")
	}

	fuHeaderNonIDR := byte(0x80 | 1)
	if DetectKeyframeNAL([]byte{fuIndicator, fuHeaderNonIDR, 0xaa}) {
		t.Fatal("expected FU-A fragment of a non-IDR slice to not be a keyframe")
	}
}

func TestDetectKeyframeNALEmptyPayload(t *testing.T) {
	if DetectKeyframeNAL(nil) {
		t.Fatal("expected empty payload to not be a keyframe")
	}
}

func TestReassemblerDetectsGap(t *testing.T) {
	var lossSeen bool
	r := NewReassembler(time.Second/30, func(gapCrossesKeyframe bool) { lossSeen = true })

	r.Push(frame.MediaPacket{Header: frame.PacketHeader{Sequence: 10}, Payload: []byte("a")})
	r.Push(frame.MediaPacket{Header: frame.PacketHeader{Sequence: 12}, Payload: []byte("b")}) // gap: 11 missing

	if !lossSeen {
		t.Fatal("expected onLoss to fire on sequence gap")
	}
}
