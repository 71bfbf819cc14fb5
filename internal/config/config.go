package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the spectrogram engine.
const (
	// Default values for the engine configuration
	DefaultSource           = SourcePortAudio
	DefaultDeviceID         = MinDeviceID // Default to system default device
	DefaultSampleRate       = 16000       // Speech-band capture rate
	DefaultSamplesPerWindow = 300         // Samples per frame, also the bin count
	DefaultLowLatency       = false       // Standard latency mode
	DefaultNormalize        = false       // Keep raw PCM units
	DefaultRealtime         = true        // Pace file playback like a live device
	DefaultFrameCapacity    = 100         // Frames retained in the capture ring
	DefaultColumnCapacity   = 2048        // Columns retained for the renderer
	DefaultFFTWindow        = "RaisedCosine"
	DefaultLogLevel         = "info"
	DefaultWebSocketAddress = ":8080"
	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultUDPSendInterval  = 33 * time.Millisecond // ~30Hz
	DefaultMetricsAddress   = ":9100"

	// Hardware and processing limits
	MinDeviceID         = -1     // -1 represents system default device
	MinSampleRate       = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate       = 192000 // Maximum supported sample rate (Hz)
	MinSamplesPerWindow = 2
	MaxSamplesPerWindow = 8192
	MaxBufferCapacity   = 1 << 20
)

// PCMFullScale is the divisor that maps int16 PCM to [-1, 1).
const PCMFullScale float64 = 32768

// Source kinds accepted by audio.source.
const (
	SourcePortAudio = "portaudio"
	SourceWAV       = "wav"
)

// Default returns the built-in configuration used when no file is found.
func Default() Config {
	return Config{
		Debug: false,
		Audio: AudioConfig{
			Source:           DefaultSource,
			InputDevice:      DefaultDeviceID,
			SampleRate:       DefaultSampleRate,
			SamplesPerWindow: DefaultSamplesPerWindow,
			LowLatency:       DefaultLowLatency,
			NormalizeSamples: DefaultNormalize,
			Realtime:         DefaultRealtime,
		},
		Buffers: BufferConfig{
			FrameCapacity:  DefaultFrameCapacity,
			ColumnCapacity: DefaultColumnCapacity,
		},
		Analysis: AnalysisConfig{
			FFTWindow: DefaultFFTWindow,
		},
		Transport: TransportConfig{
			WebSocketEnabled: false,
			WebSocketAddress: DefaultWebSocketAddress,
			UDPEnabled:       false,
			UDPTargetAddress: DefaultUDPTargetAddress,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: DefaultMetricsAddress,
		},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SampleScale returns the factor applied to each int16 sample when it is
// converted to a frame value.
func (a AudioConfig) SampleScale() float64 {
	if a.NormalizeSamples {
		return 1 / PCMFullScale
	}
	return 1
}

// MaxFrequency returns the Nyquist limit for the configured sample rate.
func (a AudioConfig) MaxFrequency() float64 {
	return 0.5 * a.SampleRate
}
