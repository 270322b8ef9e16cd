package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/driftpeer/core/internal/frame"
)

// PortableBackend captures frames via github.com/kbinani/screenshot,
// which wraps each OS's native screenshot API (Win32 BitBlt, Quartz,
// X11/XGetImage) behind one cross-platform call. This is the default
// backend: grounded on the capture loop in the Sentinel reference file
// under _examples/other_examples, which pairs this exact library with
// a y9o/go-openh264 encoder the same way this module's encode package
// does.
//
// Unlike a GPU desktop-duplication session, screenshot.CaptureRect is a
// synchronous poll, not a blocking "wait for next frame" acquire; so
// PortableBackend does not implement TightLoopHint and Source paces it
// with its own ticker.
type PortableBackend struct {
	displays []displayInfo
}

type displayInfo struct {
	monitor frame.Monitor
	bounds  image.Rectangle
}

// NewPortableBackend enumerates displays via screenshot.NumActiveDisplays
// at construction time, matching the teacher's "immutable monitor
// snapshot, new set on topology change" contract (SPEC_FULL.md §3).
func NewPortableBackend() (*PortableBackend, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoDisplay
	}
	displays := make([]displayInfo, 0, n)
	for i := 0; i < n; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		displays = append(displays, displayInfo{
			monitor: frame.Monitor{
				ID:      fmt.Sprintf("display-%d", i),
				Name:    fmt.Sprintf("Display %d", i),
				X:       bounds.Min.X,
				Y:       bounds.Min.Y,
				Width:   bounds.Dx(),
				Height:  bounds.Dy(),
				Primary: i == 0,
				OSIndex: i,
			},
			bounds: bounds,
		})
	}
	return &PortableBackend{displays: displays}, nil
}

func (p *PortableBackend) Enumerate() ([]frame.Monitor, error) {
	out := make([]frame.Monitor, len(p.displays))
	for i, d := range p.displays {
		out[i] = d.monitor
	}
	return out, nil
}

func (p *PortableBackend) find(monitorID string) (displayInfo, bool) {
	if monitorID == "" {
		if len(p.displays) > 0 {
			return p.displays[0], true
		}
		return displayInfo{}, false
	}
	for _, d := range p.displays {
		if d.monitor.ID == monitorID {
			return d, true
		}
	}
	return displayInfo{}, false
}

// CaptureNext takes one synchronous screenshot of the named monitor.
// screenshot.CaptureRect cannot time out internally, so timeout is
// honored only as an upper bound check after the call returns.
func (p *PortableBackend) CaptureNext(monitorID string, timeout time.Duration) (*frame.Frame, error) {
	d, ok := p.find(monitorID)
	if !ok {
		return nil, ErrDisplayNotFound
	}

	start := time.Now()
	img, err := screenshot.CaptureRect(d.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture rect: %w", err)
	}
	if timeout > 0 && time.Since(start) > timeout {
		return nil, ErrTimeout
	}

	// image.RGBA.Pix from kbinani/screenshot is actually packed RGBA;
	// the encoder's color-conversion path expects BGRA per this
	// module's Frame contract, so swap R/B in place.
	swapRBInPlace(img.Pix)

	return &frame.Frame{
		Width:         img.Rect.Dx(),
		Height:        img.Rect.Dy(),
		Stride:        img.Stride,
		Format:        frame.PixelFormatBGRA,
		Pix:           img.Pix,
		MonitorID:     d.monitor.ID,
		CursorVisible: false,
	}, nil
}

func (p *PortableBackend) Close() error { return nil }

func swapRBInPlace(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}
