// Package encode implements the video-encoder subsystem (SPEC_FULL.md
// §4.3): Frame → EncodedUnit with a keyframe policy, grounded on the
// teacher's internal/remote/desktop/encoder.go VideoEncoder/
// encoderBackend/backendFactory abstraction, kept in shape but rewired
// onto a real codec.
package encode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/logging"
)

var log = logging.L("encode")

// QualityPreset mirrors spec.md §4.3's three presets.
type QualityPreset string

const (
	QualityUltraLowLatency QualityPreset = "ultra-low-latency"
	QualityLowLatency      QualityPreset = "low-latency"
	QualityBalanced        QualityPreset = "balanced"
)

// HardwareAccel mirrors spec.md §4.3/§6's hardware_accel enum.
type HardwareAccel string

const (
	AccelPrefer  HardwareAccel = "prefer"
	AccelRequire HardwareAccel = "require"
	AccelForbid  HardwareAccel = "forbid"
)

var (
	ErrInvalidQuality = errors.New("encode: invalid quality preset")
	ErrInvalidBitrate = errors.New("encode: bitrate must be positive")
	ErrInvalidFPS     = errors.New("encode: fps must be positive")
)

// Config is the recognized encoder configuration from spec.md §4.3/§6.
type Config struct {
	BitrateBPS       int
	FPS              int
	KeyframeInterval int // frames; default 150
	Quality          QualityPreset
	Accel            HardwareAccel
	Width, Height    int
}

// DefaultConfig applies spec.md's defaults.
func DefaultConfig() Config {
	return Config{
		BitrateBPS:       4_000_000,
		FPS:              30,
		KeyframeInterval: 150,
		Quality:          QualityBalanced,
		Accel:            AccelPrefer,
	}
}

func (c Config) validate() error {
	if c.BitrateBPS <= 0 {
		return ErrInvalidBitrate
	}
	if c.FPS <= 0 {
		return ErrInvalidFPS
	}
	switch c.Quality {
	case QualityUltraLowLatency, QualityLowLatency, QualityBalanced, "":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidQuality, c.Quality)
	}
	return nil
}

// backend is the pluggable codec implementation. Registered factories
// let a hardware backend be tried first when Accel is prefer/require,
// matching the teacher's backendFactory/registerHardwareFactory idiom.
type backend interface {
	Name() string
	IsHardware() bool
	Encode(f *frame.Frame, forceKeyframe bool) (*frame.EncodedUnit, error)
	SetBitrate(bps int)
	SetFPS(fps int)
	Close() error
}

type backendFactory func(cfg Config) (backend, error)

var (
	hardwareFactoriesMu sync.Mutex
	hardwareFactories   []backendFactory
)

// registerHardwareFactory adds a candidate hardware backend. None are
// registered in this portable build; the slot exists so a future
// platform-specific file (e.g. VideoToolbox, NVENC) can add one without
// touching VideoEncoder itself.
func registerHardwareFactory(f backendFactory) {
	hardwareFactoriesMu.Lock()
	defer hardwareFactoriesMu.Unlock()
	hardwareFactories = append(hardwareFactories, f)
}

// BackpressureFunc is invoked when encode latency has exceeded one
// frame interval for eight consecutive frames (spec.md §4.3). The
// session coordinator supplies this to lower target bitrate.
type BackpressureFunc func()

// VideoEncoder wraps a backend with the keyframe policy, latency
// watchdog, and causal-encoding guarantees spec.md §4.3 requires.
type VideoEncoder struct {
	mu      sync.Mutex
	cfg     Config
	backend backend

	framesSinceKeyframe int
	forceNext           bool
	started             bool

	lastWidth, lastHeight int

	slowStreak  int
	onBackpressure BackpressureFunc
}

// New builds a VideoEncoder. If cfg.Accel is require and no hardware
// backend is available, it returns EncoderUnavailable per spec.md §4.3
// ("startup fails"). Otherwise it silently falls back to software,
// logging a visible warning.
func New(cfg Config, onBackpressure BackpressureFunc) (*VideoEncoder, error) {
	cfg = applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, corekind.Wrap(corekind.ConfigError, "encode", "invalid encoder config", err)
	}

	b, hw, err := newBackend(cfg)
	if err != nil {
		if cfg.Accel == AccelRequire {
			return nil, corekind.Wrap(corekind.EncoderUnavailable, "encode", "hardware required but unavailable", err)
		}
		return nil, corekind.Wrap(corekind.EncoderUnavailable, "encode", "no backend available", err)
	}
	if cfg.Accel == AccelRequire && !hw {
		b.Close()
		return nil, corekind.New(corekind.EncoderUnavailable, "encode", "hardware acceleration required but only software backend available")
	}
	if !hw {
		log.Warn("hardware acceleration unavailable, falling back to software encoder", "requested", cfg.Accel)
	}

	return &VideoEncoder{
		cfg:            cfg,
		backend:        b,
		forceNext:      true, // keyframe at session start (spec.md §4.3.a)
		onBackpressure: onBackpressure,
	}, nil
}

func applyDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.BitrateBPS == 0 {
		cfg.BitrateBPS = d.BitrateBPS
	}
	if cfg.FPS == 0 {
		cfg.FPS = d.FPS
	}
	if cfg.KeyframeInterval == 0 {
		cfg.KeyframeInterval = d.KeyframeInterval
	}
	if cfg.Quality == "" {
		cfg.Quality = d.Quality
	}
	if cfg.Accel == "" {
		cfg.Accel = d.Accel
	}
	return cfg
}

func newBackend(cfg Config) (backend, bool, error) {
	if cfg.Accel == AccelPrefer || cfg.Accel == AccelRequire {
		hardwareFactoriesMu.Lock()
		factories := append([]backendFactory(nil), hardwareFactories...)
		hardwareFactoriesMu.Unlock()
		for _, f := range factories {
			if b, err := f(cfg); err == nil && b != nil {
				return b, true, nil
			}
		}
	}
	b, err := newOpenH264Backend(cfg)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// ForceKeyframe requests the next Encode call produce a keyframe.
func (v *VideoEncoder) ForceKeyframe() {
	v.mu.Lock()
	v.forceNext = true
	v.mu.Unlock()
}

// SetBitrate adjusts target bitrate without restarting the encoder.
func (v *VideoEncoder) SetBitrate(bps int) {
	v.mu.Lock()
	v.cfg.BitrateBPS = bps
	v.backend.SetBitrate(bps)
	v.mu.Unlock()
}

// SetFPS updates the backend's target frame rate and the frame interval
// Encode's latency watchdog compares against. The keyframe interval is
// counted in frames and is not affected.
func (v *VideoEncoder) SetFPS(fps int) {
	v.mu.Lock()
	v.cfg.FPS = fps
	v.backend.SetFPS(fps)
	v.mu.Unlock()
}

// Encode is strictly causal: it only ever depends on the frame passed
// in and the encoder's own internal reference-frame state (never on
// frames from a future call). A resolution change relative to the
// previous call forces an immediate keyframe (spec.md §4.3.d).
func (v *VideoEncoder) Encode(f *frame.Frame) (*frame.EncodedUnit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	force := v.forceNext
	if f.Width != v.lastWidth || f.Height != v.lastHeight {
		if v.lastWidth != 0 || v.lastHeight != 0 {
			log.Info("resolution change detected, forcing keyframe",
				"oldWidth", v.lastWidth, "oldHeight", v.lastHeight,
				"newWidth", f.Width, "newHeight", f.Height)
		}
		force = true
		v.lastWidth, v.lastHeight = f.Width, f.Height
	}
	if v.framesSinceKeyframe >= v.cfg.KeyframeInterval {
		force = true
	}

	start := time.Now()
	unit, err := v.backend.Encode(f, force)
	elapsed := time.Since(start)
	if err != nil {
		return nil, corekind.Wrap(corekind.EncoderBackpressure, "encode", "backend encode failed", err)
	}

	v.forceNext = false
	if unit.Keyframe {
		v.framesSinceKeyframe = 0
	} else {
		v.framesSinceKeyframe++
	}

	frameInterval := time.Second / time.Duration(maxInt(v.cfg.FPS, 1))
	if elapsed > frameInterval {
		v.slowStreak++
		if v.slowStreak >= 8 {
			v.slowStreak = 0
			if v.onBackpressure != nil {
				v.onBackpressure()
			}
		}
	} else {
		v.slowStreak = 0
	}

	return unit, nil
}

func (v *VideoEncoder) BackendName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backend.Name()
}

func (v *VideoEncoder) IsHardware() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backend.IsHardware()
}

// Close releases the backend's resources. Idempotent.
func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return nil
	}
	err := v.backend.Close()
	v.backend = nil
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
