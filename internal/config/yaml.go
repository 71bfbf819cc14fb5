// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	applog "spectrogram/internal/log"
	"spectrogram/pkg/bitint"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`             // Enable debug mode (forces debug log level).
	Command   string          `yaml:"command,omitempty"` // A one-off command to execute instead of running the engine.
	Audio     AudioConfig     `yaml:"audio"`             // Capture settings.
	Buffers   BufferConfig    `yaml:"buffers"`           // Ring capacities.
	Analysis  AnalysisConfig  `yaml:"analysis"`          // Spectral analysis settings.
	Transport TransportConfig `yaml:"transport"`         // Column sinks (WebSocket, UDP).
	Metrics   MetricsConfig   `yaml:"metrics"`           // Prometheus endpoint.
	Log       LogConfig       `yaml:"log"`               // Log level and destination.
}

// AudioConfig holds settings related to audio input.
type AudioConfig struct {
	Source           string  `yaml:"source"`             // "portaudio" for a live device, "wav" to replay a file.
	InputDevice      int     `yaml:"input_device"`       // PortAudio device index for audio input (-1 for default).
	SampleRate       float64 `yaml:"sample_rate"`        // Sample rate in Hz.
	SamplesPerWindow int     `yaml:"samples_per_window"` // Samples per frame; also the number of frequency bins.
	LowLatency       bool    `yaml:"low_latency"`        // Request low latency settings from PortAudio device.
	NormalizeSamples bool    `yaml:"normalize_samples"`  // Scale int16 samples to [-1, 1) instead of raw PCM units.
	WAVFile          string  `yaml:"wav_file"`           // Input file when source is "wav".
	Realtime         bool    `yaml:"realtime"`           // Pace file playback at the sample rate.
}

// BufferConfig sizes the two rings.
type BufferConfig struct {
	FrameCapacity  int `yaml:"frame_capacity"`  // Frames retained between capture and transform.
	ColumnCapacity int `yaml:"column_capacity"` // Pixel columns retained for the renderer.
}

// AnalysisConfig holds spectral analysis settings.
type AnalysisConfig struct {
	FFTWindow string   `yaml:"fft_window"`        // Window function name (e.g. "RaisedCosine", "Hann").
	Palette   []uint32 `yaml:"palette,omitempty"` // 256 colours; empty stores the colour index itself.
}

// TransportConfig holds settings related to sending columns over the network.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Broadcast every column to WebSocket clients.
	WebSocketAddress string        `yaml:"websocket_address"`  // Listen address for the WebSocket server.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Periodically send the latest column over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets (e.g., "127.0.0.1:9090").
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between sending UDP packets.
	LogColumns       bool          `yaml:"log_columns"`        // Log a line per column at debug level.
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"config.yaml",
			"spectrogram.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	// Audio Validation
	switch c.Audio.Source {
	case SourcePortAudio:
	case SourceWAV:
		if c.Audio.WAVFile == "" {
			return invalid("audio.wav_file must be set when audio.source is %q", SourceWAV)
		}
	default:
		return invalid("audio.source %q is not one of %q, %q", c.Audio.Source, SourcePortAudio, SourceWAV)
	}
	if c.Audio.InputDevice < MinDeviceID {
		return invalid("audio.input_device %d is below %d", c.Audio.InputDevice, MinDeviceID)
	}
	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		return invalid("audio.sample_rate %.0f outside [%d, %d]", c.Audio.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if c.Audio.SamplesPerWindow < MinSamplesPerWindow || c.Audio.SamplesPerWindow > MaxSamplesPerWindow {
		return invalid("audio.samples_per_window %d outside [%d, %d]",
			c.Audio.SamplesPerWindow, MinSamplesPerWindow, MaxSamplesPerWindow)
	}

	// Buffer Validation
	for name, capacity := range map[string]int{
		"buffers.frame_capacity":  c.Buffers.FrameCapacity,
		"buffers.column_capacity": c.Buffers.ColumnCapacity,
	} {
		if capacity < 1 || capacity > MaxBufferCapacity {
			return invalid("%s %d outside [1, %d]", name, capacity, MaxBufferCapacity)
		}
		if !bitint.IsPowerOfTwo(capacity) {
			applog.Debugf("configuration: %s %d is not a power of 2, %d would index with a mask",
				name, capacity, bitint.NextPowerOfTwo(capacity))
		}
	}

	// Analysis Validation
	if n := len(c.Analysis.Palette); n != 0 && n != 256 {
		return invalid("analysis.palette has %d entries, want 256", n)
	}

	// Transport Validation
	if c.Transport.WebSocketEnabled && c.Transport.WebSocketAddress == "" {
		return invalid("transport.websocket_address must be set when WebSocket is enabled")
	}
	if c.Transport.UDPEnabled {
		if c.Transport.UDPTargetAddress == "" {
			return invalid("transport.udp_target_address must be set when UDP is enabled")
		}
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			return invalid("transport.udp_target_address '%s' appears invalid (missing port?)", c.Transport.UDPTargetAddress)
		}
		if c.Transport.UDPSendInterval <= 0 {
			return invalid("transport.udp_send_interval must be positive when UDP is enabled")
		}
	}

	// Metrics Validation
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address must be set when metrics are enabled")
	}

	// Log Validation
	if c.Log.Level != "" {
		if _, ok := applog.ParseLevel(c.Log.Level); !ok {
			return invalid("log.level %q is not recognised", c.Log.Level)
		}
	}

	return nil
}

// LogOptions converts the log section into logger options. Debug mode
// forces the debug level.
func (c *Config) LogOptions() applog.Options {
	level := c.Log.Level
	if c.Debug {
		level = "debug"
	}
	return applog.Options{
		Level:      level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// applyEnvOverrides lets ENV_* variables override values loaded from
// defaults or file. Unparseable values are ignored.
func (cfg *Config) applyEnvOverrides() {
	// ENV_{...}
	// These are general overrides.

	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
			applog.Debugf("configuration: Overriding debug from env: %v", bVal)
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.Log.Level = val
		applog.Debugf("configuration: Overriding log.level from env: %s", val)
	}

	// ENV_AUDIO_{...}
	// These are specific to capture.

	// ENV_AUDIO_DEVICE
	if val, ok := os.LookupEnv("ENV_AUDIO_DEVICE"); ok {
		if iVal, err := strconv.Atoi(val); err == nil {
			cfg.Audio.InputDevice = iVal
			applog.Debugf("configuration: Overriding audio.input_device from env: %d", iVal)
		}
	}
	// ENV_AUDIO_SAMPLE_RATE
	if val, ok := os.LookupEnv("ENV_AUDIO_SAMPLE_RATE"); ok {
		if fVal, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Audio.SampleRate = fVal
			applog.Debugf("configuration: Overriding audio.sample_rate from env: %.0f", fVal)
		}
	}
	// ENV_AUDIO_WAV_FILE
	if val, ok := os.LookupEnv("ENV_AUDIO_WAV_FILE"); ok {
		cfg.Audio.Source = SourceWAV
		cfg.Audio.WAVFile = val
		applog.Debugf("configuration: Overriding audio.wav_file from env: %s", val)
	}

	// ENV_UDP_{...}
	// These are specific to the transport layer.

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
			applog.Debugf("configuration: Overriding transport.udp_enabled from env: %v", bVal)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
		applog.Debugf("configuration: Overriding transport.udp_target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
			applog.Debugf("configuration: Overriding transport.udp_send_interval from env: %s", dur)
		}
	}

	// ENV_METRICS_ENABLED
	if val, ok := os.LookupEnv("ENV_METRICS_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Metrics.Enabled = bVal
			applog.Debugf("configuration: Overriding metrics.enabled from env: %v", bVal)
		}
	}
}
