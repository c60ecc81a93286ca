// Package config loads and validates the recognized runtime options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized segmentation and transport options
type Config struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`

	SampleRate int `yaml:"sample_rate"` // Hz
	FrameSize  int `yaml:"frame_size"`  // samples per frame

	PauseThreshold float64 `yaml:"pause_threshold"` // enter flush above this
	VADThreshold   float64 `yaml:"vad_threshold"`   // hysteresis reset below this
	AttackTime     float64 `yaml:"attack_time"`     // seconds
	ReleaseTime    float64 `yaml:"release_time"`    // seconds
	WarmupSteps    int     `yaml:"warmup_steps"`
	FlushLength    int     `yaml:"flush_length"` // silence frames per flush

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the documented defaults. The thresholds are empirically
// tuned starting points, not invariants; overriding them is supported.
func Default() Config {
	return Config{
		SampleRate:     24000,
		FrameSize:      1920, // 80 ms at 24 kHz
		PauseThreshold: 0.9,
		VADThreshold:   0.8,
		AttackTime:     0.01,
		ReleaseTime:    0.01,
		WarmupSteps:    10,
		FlushLength:    12,
		ConnectTimeout: 10 * time.Second,
		Logging:        LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks option ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", c.FrameSize)
	}
	if c.PauseThreshold <= 0 || c.PauseThreshold > 1 {
		return fmt.Errorf("pause_threshold must be in (0, 1], got %g", c.PauseThreshold)
	}
	if c.VADThreshold <= 0 || c.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be in (0, 1], got %g", c.VADThreshold)
	}
	if c.VADThreshold >= c.PauseThreshold {
		// Equal thresholds collapse the hysteresis band and oscillate.
		return fmt.Errorf("vad_threshold (%g) must be below pause_threshold (%g)", c.VADThreshold, c.PauseThreshold)
	}
	if c.AttackTime <= 0 || c.ReleaseTime <= 0 {
		return fmt.Errorf("attack_time and release_time must be positive")
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("warmup_steps must not be negative, got %d", c.WarmupSteps)
	}
	if c.FlushLength <= 0 {
		return fmt.Errorf("flush_length must be positive, got %d", c.FlushLength)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	return nil
}
