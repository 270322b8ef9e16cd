package encode

import (
	"testing"
	"time"

	"github.com/driftpeer/core/internal/frame"
)

// stubBackend satisfies the backend interface for adaptive-bitrate tests.
type stubBackend struct {
	bitrate int
	fps     int
}

func (s *stubBackend) Name() string         { return "stub" }
func (s *stubBackend) IsHardware() bool     { return false }
func (s *stubBackend) SetBitrate(b int)     { s.bitrate = b }
func (s *stubBackend) SetFPS(f int)         { s.fps = f }
func (s *stubBackend) Close() error         { return nil }
func (s *stubBackend) Encode(f *frame.Frame, force bool) (*frame.EncodedUnit, error) {
	return &frame.EncodedUnit{Keyframe: force}, nil
}

func newTestAdaptive(initial, min, max int) (*AdaptiveBitrate, *stubBackend) {
	stub := &stubBackend{bitrate: initial}
	enc := &VideoEncoder{backend: stub, cfg: Config{BitrateBPS: initial}}
	a, err := NewAdaptiveBitrate(AdaptiveConfig{
		Encoder:        enc,
		InitialBitrate: initial,
		MinBitrate:     min,
		MaxBitrate:     max,
		Cooldown:       time.Nanosecond,
	})
	if err != nil {
		panic(err)
	}
	return a, stub
}

func warmup(a *AdaptiveBitrate, rtt time.Duration, loss float64) {
	for i := 0; i < 3; i++ {
		a.Update(rtt, loss)
	}
}

func TestAdaptiveInitialBitrateMatchesEncoder(t *testing.T) {
	a, _ := newTestAdaptive(2_500_000, 500_000, 8_000_000)
	if a.targetBitrate != 2_500_000 {
		t.Fatalf("expected targetBitrate=2500000, got %d", a.targetBitrate)
	}
}

func TestAdaptiveDegradesOnSustainedLoss(t *testing.T) {
	a, stub := newTestAdaptive(4_000_000, 500_000, 8_000_000)
	warmup(a, 50*time.Millisecond, 0.10)
	if stub.bitrate >= 4_000_000 {
		t.Fatalf("expected bitrate to drop below 4000000 on sustained loss, got %d", stub.bitrate)
	}
}

func TestAdaptiveUpgradesAfterStablePeriod(t *testing.T) {
	a, stub := newTestAdaptive(1_000_000, 500_000, 8_000_000)
	warmup(a, 20*time.Millisecond, 0.0)
	// One more clean sample should cross the stableRequired threshold.
	a.Update(20*time.Millisecond, 0.0)
	if stub.bitrate <= 1_000_000 {
		t.Fatalf("expected bitrate to increase after stable clean samples, got %d", stub.bitrate)
	}
}

func TestAdaptiveDegradeHookLowersBitrateImmediately(t *testing.T) {
	a, stub := newTestAdaptive(4_000_000, 500_000, 8_000_000)
	a.Degrade()
	if stub.bitrate != 2_800_000 {
		t.Fatalf("expected immediate 0.70x degrade to 2800000, got %d", stub.bitrate)
	}
}
