// Package config loads the recognized configuration options from
// spec.md §6 via spf13/viper, matching the teacher's config-directory
// resolution, YAML file + environment variable layering, and
// fatal-vs-warning tiered validation idiom (internal/config in the
// teacher repo), rewired onto this system's process-boundary options
// instead of the teacher's RMM fleet-management fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/driftpeer/core/internal/logging"
)

var log = logging.L("config")

// ICEServerConfig is one entry of the ice_servers config list.
type ICEServerConfig struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

// Config holds every recognized option from spec.md §6.
type Config struct {
	SignalingURL     string            `mapstructure:"signaling_url"`
	DeviceID         string            `mapstructure:"device_id"`
	DeviceName       string            `mapstructure:"device_name"`
	TargetFPS        int               `mapstructure:"target_fps"`
	TargetBitrateBPS int               `mapstructure:"target_bitrate_bps"`
	KeyframeInterval int               `mapstructure:"keyframe_interval"`
	HardwareAccel    string            `mapstructure:"hardware_accel"`
	Permissions      []string          `mapstructure:"permissions"`
	ICEServers       []ICEServerConfig `mapstructure:"ice_servers"`

	// Ambient stack, carried regardless of spec.md's Non-goals per
	// SPEC_FULL.md's AMBIENT STACK section.
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	ProfilePath string `mapstructure:"profile_path"`
}

// Default applies spec.md §6's stated defaults.
func Default() *Config {
	return &Config{
		TargetFPS:        30,
		TargetBitrateBPS: 4_000_000,
		KeyframeInterval: 150,
		HardwareAccel:    "prefer",
		LogLevel:         "info",
		LogFormat:        "text",
		LogMaxSizeMB:     50,
		LogMaxBackups:    3,
	}
}

// Load reads configuration from cfgFile (or the default search path if
// empty), layering environment variables (DRIFTPEER_ prefix) over the
// file, then runs tiered validation.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("driftpeer")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DRIFTPEER")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save persists cfg to cfgFile (or the default path if empty).
func Save(cfg *Config, cfgFile string) error {
	viper.Set("signaling_url", cfg.SignalingURL)
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("device_name", cfg.DeviceName)
	viper.Set("target_fps", cfg.TargetFPS)
	viper.Set("target_bitrate_bps", cfg.TargetBitrateBPS)
	viper.Set("keyframe_interval", cfg.KeyframeInterval)
	viper.Set("hardware_accel", cfg.HardwareAccel)
	viper.Set("permissions", cfg.Permissions)
	viper.Set("ice_servers", cfg.ICEServers)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "driftpeer.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DriftPeer")
	case "darwin":
		return "/Library/Application Support/DriftPeer"
	default:
		return "/etc/driftpeer"
	}
}
