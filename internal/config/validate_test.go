package config

import (
	"strings"
	"testing"
)

func TestValidateTieredMissingSignalingURLIsFatal(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing signaling_url should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "://not a url"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("malformed signaling_url should be fatal")
	}
}

func TestValidateTieredInvalidDeviceIDIsFatal(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.DeviceID = "has a space"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("device_id with disallowed characters should be fatal")
	}
}

func TestValidateTieredInvalidHardwareAccelIsFatal(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.HardwareAccel = "auto"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid hardware_accel should be fatal")
	}
}

func TestValidateTieredFPSClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.TargetFPS = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped target_fps should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.TargetFPS != 1 {
		t.Fatalf("TargetFPS = %d, want 1 (clamped)", cfg.TargetFPS)
	}
}

func TestValidateTieredBitrateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.TargetBitrateBPS = 10
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped target_bitrate_bps should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.TargetBitrateBPS != 100_000 {
		t.Fatalf("TargetBitrateBPS = %d, want 100000", cfg.TargetBitrateBPS)
	}
}

func TestValidateTieredUnknownPermissionTagIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.Permissions = []string{"accept-mouse-move", "accept-everything"}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown permission tag should not be fatal")
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w.Error(), "accept-everything") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown permission tag")
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestHasFatals(t *testing.T) {
	r := Result{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, errTest("boom"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.HardwareAccel = "auto"                  // fatal
	cfg.Permissions = []string{"accept-nothing"} // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://rendezvous.example.com"
	cfg.DeviceID = "host-01"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
