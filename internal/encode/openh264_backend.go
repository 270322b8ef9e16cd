package encode

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/y9o/go-openh264"

	"github.com/driftpeer/core/internal/frame"
)

// libraryNames are searched, in order, for the OpenH264 shared library.
// y9o/go-openh264 loads it dynamically (no cgo); this mirrors the
// Sentinel reference file's loadOpenH264 multi-path search, but without
// hardcoding a single OS's install directories.
var libraryNames = []string{
	"libopenh264.so.6",
	"libopenh264.so",
	"libopenh264.dylib",
	"openh264-2.4.1-win64.dll",
	"openh264.dll",
}

var (
	loadOnce sync.Once
	loadErr  error
)

func ensureLibraryLoaded() error {
	loadOnce.Do(func() {
		if path := os.Getenv("DRIFTPEER_OPENH264_PATH"); path != "" {
			if err := openh264.Open(path); err == nil {
				return
			}
		}
		exePath, _ := os.Executable()
		exeDir := filepath.Dir(exePath)
		for _, name := range libraryNames {
			candidates := []string{
				name,
				filepath.Join(exeDir, name),
				filepath.Join(".", name),
			}
			for _, c := range candidates {
				if err := openh264.Open(c); err == nil {
					return
				}
			}
		}
		loadErr = fmt.Errorf("openh264: could not locate shared library (searched %v, set DRIFTPEER_OPENH264_PATH)", libraryNames)
	})
	return loadErr
}

// openh264Backend is the software H.264 backend, grounded on the
// Sentinel reference file's h264Encoder: WelsCreateSVCEncoder,
// SEncParamBase with CAMERA_VIDEO_REAL_TIME usage, SSourcePicture/
// SFrameBSInfo NAL-unit collection, and a runtime.Pinner to keep the
// Go-owned Y/U/V slices addressable across the purego call boundary.
type openh264Backend struct {
	mu         sync.Mutex
	enc        *openh264.ISVCEncoder
	width      int32
	height     int32
	frameIndex int64
	pinner     runtime.Pinner
	emittedSPS bool
}

func newOpenH264Backend(cfg Config) (backend, error) {
	if err := ensureLibraryLoaded(); err != nil {
		return nil, err
	}

	w := alignTo16(maxInt(cfg.Width, 16))
	h := alignTo16(maxInt(cfg.Height, 16))

	var ppEnc *openh264.ISVCEncoder
	if ret := openh264.WelsCreateSVCEncoder(&ppEnc); ret != 0 || ppEnc == nil {
		return nil, fmt.Errorf("openh264: WelsCreateSVCEncoder failed: %d", ret)
	}

	params := openh264.SEncParamBase{
		IUsageType:     openh264.CAMERA_VIDEO_REAL_TIME,
		IPicWidth:      int32(w),
		IPicHeight:     int32(h),
		ITargetBitrate: int32(cfg.BitrateBPS),
		FMaxFrameRate:  float32(cfg.FPS),
	}
	if ret := ppEnc.Initialize(&params); ret != 0 {
		openh264.WelsDestroySVCEncoder(ppEnc)
		return nil, fmt.Errorf("openh264: Initialize failed: %d", ret)
	}

	return &openh264Backend{
		enc:    ppEnc,
		width:  int32(w),
		height: int32(h),
	}, nil
}

func (b *openh264Backend) Name() string      { return "openh264-software" }
func (b *openh264Backend) IsHardware() bool  { return false }

func (b *openh264Backend) SetBitrate(bps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rate := int32(bps)
	b.enc.SetOption(openh264.EncodeOptionBitrate, unsafePointerOf(&rate))
}

func (b *openh264Backend) SetFPS(fps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rate := float32(fps)
	b.enc.SetOption(openh264.EncodeOptionFrameRate, unsafePointerOf(&rate))
}

func (b *openh264Backend) Encode(f *frame.Frame, forceKeyframe bool) (*frame.EncodedUnit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	planes, buf := bgraToI420(f.Pix, int(b.width), int(b.height), f.Stride)
	defer putI420Buffer(buf)

	b.pinner.Pin(&planes.Y[0])
	b.pinner.Pin(&planes.U[0])
	b.pinner.Pin(&planes.V[0])
	defer b.pinner.Unpin()

	if forceKeyframe {
		b.enc.ForceIntraFrame(true)
	}

	src := openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IStride:      [4]int32{int32(planes.YStride), int32(planes.CStride), int32(planes.CStride), 0},
		IPicWidth:    b.width,
		IPicHeight:   b.height,
		UiTimeStamp:  b.frameIndex * 1000 / 30,
	}
	src.PData[0] = ptrToUint8(planes.Y)
	src.PData[1] = ptrToUint8(planes.U)
	src.PData[2] = ptrToUint8(planes.V)

	info := openh264.SFrameBSInfo{}
	if ret := b.enc.EncodeFrame(&src, &info); ret != openh264.CmResultSuccess {
		return nil, fmt.Errorf("openh264: EncodeFrame failed: %d", ret)
	}
	b.frameIndex++

	if info.EFrameType == openh264.VideoFrameTypeSkip {
		return &frame.EncodedUnit{Codec: frame.CodecH264, Keyframe: false, ProducedAt: f.CapturedAt, MonitorID: f.MonitorID, Width: int(b.width), Height: int(b.height)}, nil
	}

	data := collectNALUnits(&info)
	keyframe := info.EFrameType == openh264.VideoFrameTypeIDR
	return &frame.EncodedUnit{
		Codec:      frame.CodecH264,
		Data:       data,
		Keyframe:   keyframe,
		ProducedAt: f.CapturedAt,
		MonitorID:  f.MonitorID,
		Width:      int(b.width),
		Height:     int(b.height),
	}, nil
}

func (b *openh264Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc == nil {
		return nil
	}
	b.enc.Uninitialize()
	openh264.WelsDestroySVCEncoder(b.enc)
	b.enc = nil
	return nil
}

// collectNALUnits concatenates every layer's NAL units, grounded on the
// Sentinel reference file's identically-shaped loop over SLayerInfo.
func collectNALUnits(info *openh264.SFrameBSInfo) []byte {
	var out []byte
	for i := 0; i < int(info.ILayerNum); i++ {
		layer := &info.SLayerInfo[i]
		var size int32
		lengths := nalLengths(layer)
		for _, l := range lengths {
			size += l
		}
		out = append(out, nalBytes(layer, size)...)
	}
	return out
}
