package encode

import (
	"errors"
	"sync"
	"time"
)

// minBitsPerFrame keeps each frame above a minimum quality floor: when
// bitrate drops, FPS is reduced in step so encoded frames don't get
// starved. Grounded on the teacher's adaptive.go constant of the same
// name and purpose.
const minBitsPerFrame = 40000

// AdaptiveConfig configures the AIMD bitrate controller.
type AdaptiveConfig struct {
	Encoder        *VideoEncoder
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
	Cooldown       time.Duration
	MaxFPS         int
	OnFPSChange    func(int)
}

// AdaptiveBitrate implements the EncoderBackpressure response policy
// from spec.md §7 ("lower bitrate one step; escalate if persistent")
// using the AIMD-with-EWMA-smoothing algorithm from the teacher's
// adaptive.go, generalized to this module's three-preset QualityPreset.
type AdaptiveBitrate struct {
	mu         sync.Mutex
	encoder    *VideoEncoder
	minBitrate int
	maxBitrate int
	cooldown   time.Duration
	lastAdjust time.Time

	targetBitrate int
	targetQuality QualityPreset

	maxFPS      int
	currentFPS  int
	onFPSChange func(int)

	smoothedLoss float64
	smoothedRTT  time.Duration
	samplesCount int
	stableCount  int
}

func NewAdaptiveBitrate(cfg AdaptiveConfig) (*AdaptiveBitrate, error) {
	if cfg.Encoder == nil {
		return nil, errors.New("encode: adaptive bitrate requires an encoder")
	}
	if cfg.MinBitrate <= 0 || cfg.MaxBitrate <= 0 || cfg.MinBitrate > cfg.MaxBitrate {
		return nil, errors.New("encode: invalid bitrate bounds")
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = 500 * time.Millisecond
	}
	initial := cfg.InitialBitrate
	if initial <= 0 {
		initial = cfg.MinBitrate
	}
	initial = clampInt(initial, cfg.MinBitrate, cfg.MaxBitrate)

	maxFPS := cfg.MaxFPS
	if maxFPS <= 0 {
		maxFPS = 60
	}
	initialFPS := clampInt(initial/minBitsPerFrame, 10, maxFPS)

	return &AdaptiveBitrate{
		encoder:       cfg.Encoder,
		minBitrate:    cfg.MinBitrate,
		maxBitrate:    cfg.MaxBitrate,
		cooldown:      cooldown,
		targetBitrate: initial,
		targetQuality: QualityBalanced,
		maxFPS:        maxFPS,
		currentFPS:    initialFPS,
		onFPSChange:   cfg.OnFPSChange,
	}, nil
}

func (a *AdaptiveBitrate) SetMaxFPS(max int) {
	if a == nil || max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxFPS = max
}

func (a *AdaptiveBitrate) SetMaxBitrate(max int) {
	if a == nil || max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxBitrate = max
	if a.targetBitrate > max {
		a.targetBitrate = max
		if a.encoder != nil {
			a.encoder.SetBitrate(max)
		}
	}
}

// Degrade is called directly from the VideoEncoder's BackpressureFunc
// hook (spec.md §4.3: "must emit a BackpressureRequest ... which may
// lower target bitrate"). It forces an immediate multiplicative
// decrease, bypassing the cooldown gate used by RTT/loss-driven Update.
func (a *AdaptiveBitrate) Degrade() {
	a.mu.Lock()
	newBitrate := clampInt(int(float64(a.targetBitrate)*0.70), a.minBitrate, a.maxBitrate)
	a.targetBitrate = newBitrate
	encoder := a.encoder
	a.mu.Unlock()
	if encoder != nil {
		encoder.SetBitrate(newBitrate)
	}
}

// Update feeds a new RTT/loss sample (from RTCP receiver reports) and
// adjusts bitrate via AIMD: multiplicative decrease on sustained loss,
// additive increase on sustained clean conditions, EWMA-smoothed so a
// single transient sample does not trigger an adjustment.
func (a *AdaptiveBitrate) Update(rtt time.Duration, packetLoss float64) {
	if a == nil {
		return
	}
	if packetLoss < 0 {
		packetLoss = 0
	}
	if packetLoss > 1 {
		packetLoss = 1
	}

	a.mu.Lock()

	now := time.Now()
	if !a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.cooldown {
		a.updateEWMA(rtt, packetLoss)
		a.mu.Unlock()
		return
	}
	a.updateEWMA(rtt, packetLoss)

	if a.samplesCount < 3 {
		a.mu.Unlock()
		return
	}

	loss := a.smoothedLoss
	smoothRTT := a.smoothedRTT

	degrade := loss >= 0.05 || (smoothRTT >= 300*time.Millisecond && loss >= 0.02)
	upgrade := loss <= 0.01

	if degrade {
		a.stableCount = 0
	} else if upgrade {
		a.stableCount++
	} else if a.stableCount > 0 {
		a.stableCount--
	}

	const stableRequired = 2

	newBitrate := a.targetBitrate
	newQuality := a.targetQuality

	switch {
	case degrade:
		newBitrate = clampInt(int(float64(newBitrate)*0.70), a.minBitrate, a.maxBitrate)
		newQuality = stepQuality(newQuality, -1)
	case a.stableCount >= stableRequired && a.targetBitrate < a.maxBitrate:
		step := a.maxBitrate / 20
		if step < 100_000 {
			step = 100_000
		}
		newBitrate = clampInt(newBitrate+step, a.minBitrate, a.maxBitrate)
		newQuality = stepQuality(newQuality, 1)
		a.stableCount = 0
	}

	newFPS := clampInt(newBitrate/minBitsPerFrame, 10, a.maxFPS)

	if newBitrate == a.targetBitrate && newQuality == a.targetQuality && newFPS == a.currentFPS {
		a.mu.Unlock()
		return
	}

	prevFPS := a.currentFPS
	a.targetBitrate = newBitrate
	a.targetQuality = newQuality
	a.currentFPS = newFPS
	a.lastAdjust = now
	encoder := a.encoder
	fpsCallback := a.onFPSChange
	a.mu.Unlock()

	if newFPS != prevFPS && fpsCallback != nil {
		fpsCallback(newFPS)
	}
	if encoder != nil {
		encoder.SetBitrate(newBitrate)
	}
}

const ewmaAlpha = 0.3

func (a *AdaptiveBitrate) updateEWMA(rtt time.Duration, loss float64) {
	a.samplesCount++
	if a.samplesCount == 1 {
		a.smoothedLoss = loss
		a.smoothedRTT = rtt
		return
	}
	a.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*a.smoothedLoss
	a.smoothedRTT = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(a.smoothedRTT))
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

var qualityOrder = []QualityPreset{QualityUltraLowLatency, QualityLowLatency, QualityBalanced}

func qualityRank(q QualityPreset) int {
	for i, o := range qualityOrder {
		if o == q {
			return i
		}
	}
	return 1
}

func stepQuality(current QualityPreset, delta int) QualityPreset {
	idx := qualityRank(current) + delta
	if idx < 0 {
		idx = 0
	}
	if idx >= len(qualityOrder) {
		idx = len(qualityOrder) - 1
	}
	return qualityOrder[idx]
}
