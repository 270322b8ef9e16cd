package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validHardwareAccel = map[string]bool{
	"prefer":  true,
	"require": true,
	"forbid":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCapabilityTags = map[string]bool{
	"accept-mouse-move":      true,
	"accept-mouse-buttons":   true,
	"accept-keyboard":        true,
	"accept-clipboard-write": true,
	"accept-clipboard-read":  true,
	"accept-file-transfer":   true,
	"accept-text-input":      true,
}

// Result separates validation failures that must block startup from
// ones that are logged and clamped to a safe value, matching the
// teacher's fatal/warning tiering idiom.
type Result struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be aborted.
func (r Result) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors concatenates fatals and warnings for callers that just
// want to log everything.
func (r Result) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks every recognized option from spec.md §6. Fatal
// errors (malformed signaling_url, invalid device_id charset/length,
// control characters in identifiers) abort Load; out-of-range numeric
// options are clamped to a safe default and reported as warnings.
func (c *Config) ValidateTiered() Result {
	var r Result

	if c.SignalingURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("signaling_url is required"))
	} else if u, err := url.Parse(c.SignalingURL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("signaling_url %q is not a valid URL: %w", c.SignalingURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		r.Fatals = append(r.Fatals, fmt.Errorf("signaling_url scheme must be ws/wss/http/https, got %q", u.Scheme))
	}

	if c.DeviceID != "" && !deviceIDPattern.MatchString(c.DeviceID) {
		r.Fatals = append(r.Fatals, fmt.Errorf("device_id %q must match [A-Za-z0-9_-]{1,64}", c.DeviceID))
	}

	for _, s := range []string{c.DeviceID, c.DeviceName} {
		for _, ch := range s {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("device identifier contains control characters"))
				break
			}
		}
	}

	if c.HardwareAccel != "" && !validHardwareAccel[strings.ToLower(c.HardwareAccel)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("hardware_accel %q must be one of prefer|require|forbid", c.HardwareAccel))
	}

	for _, p := range c.Permissions {
		if !validCapabilityTags[p] {
			r.Warnings = append(r.Warnings, fmt.Errorf("unknown permission tag %q, ignoring", p))
		}
	}

	if c.TargetFPS < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d is below minimum 1, clamping", c.TargetFPS))
		c.TargetFPS = 1
	} else if c.TargetFPS > 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d exceeds maximum 60, clamping", c.TargetFPS))
		c.TargetFPS = 60
	}

	if c.TargetBitrateBPS < 100_000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_bitrate_bps %d is below minimum 100000, clamping", c.TargetBitrateBPS))
		c.TargetBitrateBPS = 100_000
	} else if c.TargetBitrateBPS > 50_000_000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_bitrate_bps %d exceeds maximum 50000000, clamping", c.TargetBitrateBPS))
		c.TargetBitrateBPS = 50_000_000
	}

	if c.KeyframeInterval < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("keyframe_interval %d is below minimum 1, clamping", c.KeyframeInterval))
		c.KeyframeInterval = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, srv := range c.ICEServers {
		if srv.URL == "" {
			r.Warnings = append(r.Warnings, fmt.Errorf("ice_servers entry missing url, ignoring"))
		}
	}

	return r
}
