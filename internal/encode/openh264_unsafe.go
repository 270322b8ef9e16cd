package encode

import (
	"unsafe"

	"github.com/y9o/go-openh264"
)

// These small helpers isolate the unsafe.Pointer conversions openh264's
// C-shaped structs require, grounded on the identical pattern in the
// Sentinel reference file's (*h264Encoder).encode.

func ptrToUint8(b []byte) *uint8 {
	if len(b) == 0 {
		return nil
	}
	return (*uint8)(unsafe.Pointer(&b[0]))
}

func unsafePointerOf[T any](v *T) unsafe.Pointer {
	return unsafe.Pointer(v)
}

func nalLengths(layer *openh264.SLayerBSInfo) []int32 {
	if layer.INalCount == 0 {
		return nil
	}
	return unsafe.Slice(layer.PNalLengthInByte, layer.INalCount)
}

func nalBytes(layer *openh264.SLayerBSInfo, size int32) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice(layer.PBsBuf, size)
}
