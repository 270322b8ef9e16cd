// Package frame holds the data-model types shared across the capture,
// encode, decode, and peer-session subsystems: Frame, Monitor, Encoded
// unit, and Media packet, as specified in SPEC_FULL.md §3.
package frame

import "time"

// PixelFormat identifies the in-memory pixel layout of a Frame. Capture
// backends always produce BGRA; it is named explicitly rather than
// assumed so encoder color conversion can assert on it.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota // non-premultiplied, little-endian
)

// Rect is an integer pixel-space rectangle, used for dirty regions.
type Rect struct {
	X, Y, W, H int
}

// Frame is a captured desktop image. It is exclusively owned by the
// ring buffer until consumed by the encoder, then discarded; it is
// never shared mutably and never consumed twice.
type Frame struct {
	Width, Height int
	Stride        int
	Format        PixelFormat
	Pix           []byte // Stride*Height bytes, row-major

	// CapturedAt is stamped by the frame source at the moment the OS
	// acknowledged the frame, not when the consumer receives it.
	CapturedAt time.Time

	MonitorID string

	// CursorX/CursorY are in frame pixel space; CursorVisible is false
	// if the OS did not report cursor position for this frame.
	CursorX, CursorY int
	CursorVisible    bool

	// Dirty is the OS-reported changed-region list, or nil if the OS
	// does not provide one (the whole frame must then be treated as
	// dirty by consumers that care).
	Dirty []Rect
}

// Monitor is a stable, immutable snapshot of one display's geometry.
// A topology change produces an entirely new descriptor set; existing
// Monitor values are never mutated in place.
type Monitor struct {
	ID        string
	Name      string
	X, Y      int
	Width     int
	Height    int
	Primary   bool
	OSIndex   int
}

// Codec identifies the compressed bitstream format of an EncodedUnit.
type Codec string

const (
	CodecH264 Codec = "h264"
)

// EncodedUnit is the compressed output of one source Frame. ParamSet is
// non-nil only on the first unit of a keyframe sequence (e.g. H.264
// SPS/PPS) and is otherwise empty.
type EncodedUnit struct {
	Codec      Codec
	Data       []byte
	Keyframe   bool
	ParamSet   []byte
	ProducedAt time.Time // copied from the source Frame's CapturedAt
	MonitorID  string
	Width      int
	Height     int
}

// PacketHeader is the fixed-width header carried by every Media packet.
type PacketHeader struct {
	Sequence     uint16 // per-track, monotonic modulo 2^16
	TimestampRTP uint32 // 90 kHz ticks, identical across fragments of one unit
	PayloadType  uint8
	Marker       bool // set on the last fragment of a unit
	Keyframe     bool // copied from the source unit
}

// MediaPacket is one RTP-style fragment of an EncodedUnit.
type MediaPacket struct {
	Header  PacketHeader
	Payload []byte
}
