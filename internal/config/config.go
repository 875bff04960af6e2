package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains TCP transport listener configuration
type ServerConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	ReadBufferSize        int    `yaml:"read_buffer_size"`
	SessionTimeout        int    `yaml:"session_timeout"` // seconds of inactivity
}

// HTTPConfig contains the monitoring/WebSocket HTTP server configuration
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio stream parameters
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	BitDepth          int     `yaml:"bit_depth"`
	MaxBufferDuration float64 `yaml:"max_buffer_duration"` // seconds
	DrainTimeout      float64 `yaml:"drain_timeout"`       // seconds
}

// VADConfig contains voice activity segmentation configuration
type VADConfig struct {
	ActivationThreshold   float64 `yaml:"activation_threshold"`
	DeactivationThreshold float64 `yaml:"deactivation_threshold"`
	DebounceMs            int     `yaml:"debounce_ms"`
	HangoverMs            int     `yaml:"hangover_ms"`
	MinSegmentMs          int     `yaml:"min_segment_ms"`
	MaxSegmentMs          int     `yaml:"max_segment_ms"`
}

// EngineConfig contains transcription engine configuration
type EngineConfig struct {
	Device           string `yaml:"device"` // "auto", "cpu" or "gpu"
	Model            string `yaml:"model"`  // "" means auto-select by hardware
	ComputePrecision string `yaml:"compute_precision"`
	Language         string `yaml:"language"` // "auto" or ISO 639-1 code
	ModelDir         string `yaml:"model_dir"`
	GPUConcurrency   int    `yaml:"gpu_concurrency"` // 0 means auto by GPU memory
	SegmentDumpDir   string `yaml:"segment_dump_dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration tuned for local dictation use.
// VAD defaults favour precision over recall: a sustained activation is
// required before a segment opens, and a generous hangover keeps
// word-final sounds attached to the emitted segment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                  "127.0.0.1",
			Port:                  8765,
			MaxConcurrentSessions: 8,
			ReadBufferSize:        64 * 1024,
			SessionTimeout:        300,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1",
			Port:    8766,
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			Channels:          1,
			BitDepth:          16,
			MaxBufferDuration: 30,
			DrainTimeout:      10,
		},
		VAD: VADConfig{
			ActivationThreshold:   0.6,
			DeactivationThreshold: 0.35,
			DebounceMs:            240,
			HangoverMs:            600,
			MinSegmentMs:          300,
			MaxSegmentMs:          20000,
		},
		Engine: EngineConfig{
			Device:           "auto",
			Model:            "",
			ComputePrecision: "",
			Language:         "auto",
			ModelDir:         "models",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 8000 && a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 8000 or 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.MaxBufferDuration <= 0 {
		return fmt.Errorf("max_buffer_duration must be positive, got %f", a.MaxBufferDuration)
	}

	if a.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %f", a.DrainTimeout)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.ActivationThreshold <= 0 || v.ActivationThreshold > 1 {
		return fmt.Errorf("activation_threshold must be in (0, 1], got %f", v.ActivationThreshold)
	}

	if v.DeactivationThreshold <= 0 || v.DeactivationThreshold > 1 {
		return fmt.Errorf("deactivation_threshold must be in (0, 1], got %f", v.DeactivationThreshold)
	}

	if v.DeactivationThreshold > v.ActivationThreshold {
		return fmt.Errorf("deactivation_threshold (%f) must not exceed activation_threshold (%f)",
			v.DeactivationThreshold, v.ActivationThreshold)
	}

	if v.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms cannot be negative, got %d", v.DebounceMs)
	}

	if v.HangoverMs < 0 {
		return fmt.Errorf("hangover_ms cannot be negative, got %d", v.HangoverMs)
	}

	if v.MinSegmentMs <= 0 {
		return fmt.Errorf("min_segment_ms must be positive, got %d", v.MinSegmentMs)
	}

	if v.MaxSegmentMs <= v.MinSegmentMs {
		return fmt.Errorf("max_segment_ms (%d) must be greater than min_segment_ms (%d)",
			v.MaxSegmentMs, v.MinSegmentMs)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Device {
	case "auto", "cpu", "gpu":
	default:
		return fmt.Errorf("device must be one of [auto, cpu, gpu], got '%s'", e.Device)
	}

	switch e.ComputePrecision {
	case "", "float16", "int8_float16", "int8":
	default:
		return fmt.Errorf("compute_precision must be one of [float16, int8_float16, int8], got '%s'",
			e.ComputePrecision)
	}

	if e.Language == "" {
		return fmt.Errorf("language cannot be empty (use 'auto' for detection)")
	}

	if e.ModelDir == "" {
		return fmt.Errorf("model_dir cannot be empty")
	}

	if e.GPUConcurrency < 0 {
		return fmt.Errorf("gpu_concurrency cannot be negative, got %d", e.GPUConcurrency)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr or a file path.
	return nil
}

// Overrides carries explicit command-line overrides. Empty/zero fields mean
// "not supplied". Device, model and precision overrides are validated
// against detected hardware by the hardware package, not here: an override
// that the host cannot honour downgrades with a warning instead of failing.
type Overrides struct {
	Device    string
	Model     string
	Precision string
	Language  string
	Host      string
	Port      int
}

// Apply folds the supplied overrides into the configuration.
func (c *Config) Apply(ov Overrides) {
	if ov.Device != "" {
		c.Engine.Device = ov.Device
	}
	if ov.Model != "" {
		c.Engine.Model = ov.Model
	}
	if ov.Precision != "" {
		c.Engine.ComputePrecision = ov.Precision
	}
	if ov.Language != "" {
		c.Engine.Language = ov.Language
	}
	if ov.Host != "" {
		c.Server.Host = ov.Host
	}
	if ov.Port != 0 {
		c.Server.Port = ov.Port
	}
}

// GetMaxBufferDuration returns the maximum buffered audio duration as a time.Duration
func (a *AudioConfig) GetMaxBufferDuration() time.Duration {
	return time.Duration(a.MaxBufferDuration * float64(time.Second))
}

// GetDrainTimeout returns the session drain timeout as a time.Duration
func (a *AudioConfig) GetDrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeout * float64(time.Second))
}

// GetSessionTimeout returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetDebounce returns the activation debounce as a time.Duration
func (v *VADConfig) GetDebounce() time.Duration {
	return time.Duration(v.DebounceMs) * time.Millisecond
}

// GetHangover returns the trailing-silence hangover as a time.Duration
func (v *VADConfig) GetHangover() time.Duration {
	return time.Duration(v.HangoverMs) * time.Millisecond
}

// GetMinSegment returns the minimum viable segment duration as a time.Duration
func (v *VADConfig) GetMinSegment() time.Duration {
	return time.Duration(v.MinSegmentMs) * time.Millisecond
}

// GetMaxSegment returns the forced-cut segment duration as a time.Duration
func (v *VADConfig) GetMaxSegment() time.Duration {
	return time.Duration(v.MaxSegmentMs) * time.Millisecond
}
