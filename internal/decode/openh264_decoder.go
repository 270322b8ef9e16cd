package decode

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/y9o/go-openh264"

	"github.com/driftpeer/core/internal/frame"
)

// openh264Decoder mirrors encode.openh264Backend's construction shape
// (create → Initialize → per-frame call → Uninitialize/destroy) but on
// the decode side, using the same library binding's decoder entry
// points (WelsCreateDecoder/ISVCDecoder.DecodeFrame2/
// WelsDestroyDecoder) instead of the encoder ones.
type openh264Decoder struct {
	mu  sync.Mutex
	dec *openh264.ISVCDecoder
}

func newOpenH264Decoder() (*openh264Decoder, error) {
	if err := ensureLibraryLoadedForDecode(); err != nil {
		return nil, err
	}

	var ppDec *openh264.ISVCDecoder
	if ret := openh264.WelsCreateDecoder(&ppDec); ret != 0 || ppDec == nil {
		return nil, fmt.Errorf("openh264: WelsCreateDecoder failed: %d", ret)
	}

	param := openh264.SDecodingParam{}
	if ret := ppDec.Initialize(&param); ret != 0 {
		openh264.WelsDestroyDecoder(ppDec)
		return nil, fmt.Errorf("openh264: decoder Initialize failed: %d", ret)
	}

	return &openh264Decoder{dec: ppDec}, nil
}

func (d *openh264Decoder) Decode(unit *frame.EncodedUnit) (*frame.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var planes [3]*uint8
	info := openh264.SBufferInfo{}

	ret := d.dec.DecodeFrame2(unit.Data, &planes, &info)
	if ret != openh264.CmResultSuccess {
		return nil, fmt.Errorf("openh264: DecodeFrame2 failed: %d", ret)
	}
	if info.IBufferStatus == 0 {
		// No picture produced this call (buffering); not an error.
		return nil, nil
	}

	w := int(info.UsBufferInfo.IWidth)
	h := int(info.UsBufferInfo.IHeight)
	yStride := int(info.UsBufferInfo.IStride[0])
	cStride := int(info.UsBufferInfo.IStride[1])

	y := unsafe.Slice(planes[0], yStride*h)
	cw, ch := (w+1)/2, (h+1)/2
	u := unsafe.Slice(planes[1], cStride*ch)
	v := unsafe.Slice(planes[2], cStride*ch)

	out := i420ToBGRA(y, u, v, w, h, yStride, cStride, cw)

	return &frame.Frame{
		Width:  w,
		Height: h,
		Stride: w * 4,
		Format: frame.PixelFormatBGRA,
		Pix:    out,
	}, nil
}

func (d *openh264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return nil
	}
	d.dec.Uninitialize()
	openh264.WelsDestroyDecoder(d.dec)
	d.dec = nil
	return nil
}

// ensureLibraryLoadedForDecode runs its own search over the same library
// names the encode package tries, since decoder and encoder are exported
// by the same OpenH264 shared object. Unlike the encode package's search,
// it does not consult DRIFTPEER_OPENH264_PATH or the executable's
// directory.
var libOnce sync.Once
var libErr error

func ensureLibraryLoadedForDecode() error {
	// The encode package already performs the library Open() call on
	// first use; if the encoder has already been constructed in this
	// process the decoder's own attempt below is a harmless no-op
	// because openh264.Open is idempotent once a library handle is
	// resident. If neither has run yet (decoder constructed first), we
	// perform our own search here with the same candidate names.
	libOnce.Do(func() {
		for _, name := range []string{"libopenh264.so.6", "libopenh264.so", "libopenh264.dylib", "openh264-2.4.1-win64.dll", "openh264.dll"} {
			if err := openh264.Open(name); err == nil {
				return
			}
		}
		libErr = fmt.Errorf("openh264: could not locate shared library for decoder")
	})
	return libErr
}

func i420ToBGRA(y, u, v []byte, w, h, yStride, cStride, cw int) []byte {
	out := make([]byte, w*h*4)
	for row := 0; row < h; row++ {
		yRow := row * yStride
		cRow := (row / 2) * cStride
		outRow := row * w * 4
		for col := 0; col < w; col++ {
			yy := int(y[yRow+col])
			cb := int(u[cRow+col/2]) - 128
			cr := int(v[cRow+col/2]) - 128

			r := clampByte(yy + (91881*cr)>>16)
			g := clampByte(yy - (22554*cb+46802*cr)>>16)
			b := clampByte(yy + (116130*cb)>>16)

			o := outRow + col*4
			out[o+0] = b
			out[o+1] = g
			out[o+2] = r
			out[o+3] = 0xff
		}
	}
	_ = cw
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
