package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"spectrogram/internal/config"
	"spectrogram/pkg/build"
)

// One-off commands. An empty command runs the engine.
const (
	CommandList    = "list"
	CommandDevices = "devices"
	CommandTone    = "tone"
)

// ToneOptions describes the test tone written by the tone command.
type ToneOptions struct {
	Output    string
	Frequency float64
	Amplitude float64
	Seconds   float64
}

// Invocation is the parsed command line: the effective configuration and
// any command-specific options. Config is nil when only help or the
// version was printed.
type Invocation struct {
	Config *config.Config
	Tone   ToneOptions
}

type flagValues struct {
	configPath       string
	device           int
	sampleRate       float64
	samplesPerWindow int
	lowLatency       bool
	normalize        bool
	wavFile          string
	realtime         bool
	websocket        string
	udp              string
	metrics          string
	logLevel         string
	logFile          string
	logColumns       bool
	debug            bool
}

// ParseArgs parses args, loads the configuration file and applies every
// flag the user set on top of it.
func ParseArgs(args []string) (*Invocation, error) {
	buildInfo := build.GetBuildFlags()
	inv := &Invocation{}
	var fv flagValues

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(fv.configPath)
			if err != nil {
				return err
			}
			applyFlags(c.Flags().Changed, &fv, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			inv.Config = cfg
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			return nil
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	rootCmd.AddCommand(&cobra.Command{
		Use:   CommandList,
		Short: "List available audio devices",
		RunE: func(c *cobra.Command, args []string) error {
			inv.Config.Command = CommandList
			return nil
		},
	})

	// Interactive device picker
	rootCmd.AddCommand(&cobra.Command{
		Use:   CommandDevices,
		Short: "Choose an input device and sample rate, then start capturing",
		RunE: func(c *cobra.Command, args []string) error {
			inv.Config.Command = CommandDevices
			return nil
		},
	})

	// Test tone
	toneCmd := &cobra.Command{
		Use:   CommandTone + " [output.wav]",
		Short: "Write a 16-bit mono sine tone for replay with --wav",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			inv.Config.Command = CommandTone
			if len(args) == 1 {
				inv.Tone.Output = args[0]
			}
			if filepath.Ext(inv.Tone.Output) == "" {
				inv.Tone.Output += ".wav"
			}
			if inv.Tone.Seconds <= 0 {
				return fmt.Errorf("tone length must be positive, got %g", inv.Tone.Seconds)
			}
			if nyquist := inv.Config.Audio.MaxFrequency(); inv.Tone.Frequency <= 0 || inv.Tone.Frequency >= nyquist {
				return fmt.Errorf("tone frequency %g Hz outside (0, %g) Hz", inv.Tone.Frequency, nyquist)
			}
			return nil
		},
	}
	toneCmd.Flags().StringVarP(&inv.Tone.Output, "output", "o", "tone.wav", "Output file")
	toneCmd.Flags().Float64VarP(&inv.Tone.Frequency, "frequency", "f", 1000, "Tone frequency in Hz")
	toneCmd.Flags().Float64VarP(&inv.Tone.Amplitude, "amplitude", "a", 0.5, "Amplitude as a fraction of full scale")
	toneCmd.Flags().Float64VarP(&inv.Tone.Seconds, "seconds", "t", 5, "Tone length in seconds")
	rootCmd.AddCommand(toneCmd)

	// Configuration
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&fv.configPath, "config", "",
		"Configuration file (default: config.yaml or spectrogram.yaml in the working directory)")

	// Audio Device Configuration
	pf.IntVarP(&fv.device, "device", "d", config.DefaultDeviceID,
		"Specify input device ID. Use 'list' command to see available devices.")
	pf.Float64VarP(&fv.sampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Sample rate, measured in Hertz (Hz)")
	pf.IntVarP(&fv.samplesPerWindow, "samples-per-window", "n", config.DefaultSamplesPerWindow,
		"Samples per analysis window, also the number of frequency bins per column")
	pf.BoolVarP(&fv.lowLatency, "low-latency", "l", config.DefaultLowLatency,
		"Use low latency mode for real-time processing")
	pf.BoolVar(&fv.normalize, "normalize", config.DefaultNormalize,
		"Scale samples to [-1, 1) instead of raw PCM units")

	// File playback
	pf.StringVarP(&fv.wavFile, "wav", "w", "",
		"Replay a 16-bit mono WAV file instead of capturing from a device")
	pf.BoolVar(&fv.realtime, "realtime", config.DefaultRealtime,
		"Pace file playback at the sample rate")

	// Outputs
	pf.StringVar(&fv.websocket, "websocket", "",
		"Broadcast columns to WebSocket clients on this address (e.g. :8080)")
	pf.StringVar(&fv.udp, "udp", "",
		"Send the latest column to this UDP address (e.g. 127.0.0.1:9090)")
	pf.StringVar(&fv.metrics, "metrics", "",
		"Serve Prometheus metrics on this address (e.g. :9100)")
	pf.BoolVar(&fv.logColumns, "log-columns", false,
		"Log a line per column at debug level")

	// Debug Configuration
	pf.StringVar(&fv.logLevel, "log-level", config.DefaultLogLevel,
		"Log level: debug, info, warn or error")
	pf.StringVar(&fv.logFile, "log-file", "",
		"Write logs to a rotating file instead of stderr")
	pf.BoolVarP(&fv.debug, "verbose", "v", false,
		"Show verbose output")

	// Execute the CLI
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	return inv, nil
}

// applyFlags copies the flags the user actually set into cfg, so that
// unset flags never mask values from the file or the environment.
func applyFlags(set func(name string) bool, fv *flagValues, cfg *config.Config) {
	if set("device") {
		cfg.Audio.InputDevice = fv.device
	}
	if set("sample-rate") {
		cfg.Audio.SampleRate = fv.sampleRate
	}
	if set("samples-per-window") {
		cfg.Audio.SamplesPerWindow = fv.samplesPerWindow
	}
	if set("low-latency") {
		cfg.Audio.LowLatency = fv.lowLatency
	}
	if set("normalize") {
		cfg.Audio.NormalizeSamples = fv.normalize
	}
	if set("wav") {
		cfg.Audio.Source = config.SourceWAV
		cfg.Audio.WAVFile = fv.wavFile
	}
	if set("realtime") {
		cfg.Audio.Realtime = fv.realtime
	}
	if set("websocket") {
		cfg.Transport.WebSocketEnabled = fv.websocket != ""
		cfg.Transport.WebSocketAddress = fv.websocket
	}
	if set("udp") {
		cfg.Transport.UDPEnabled = fv.udp != ""
		cfg.Transport.UDPTargetAddress = fv.udp
	}
	if set("metrics") {
		cfg.Metrics.Enabled = fv.metrics != ""
		cfg.Metrics.Address = fv.metrics
	}
	if set("log-columns") {
		cfg.Transport.LogColumns = fv.logColumns
	}
	if set("log-level") {
		cfg.Log.Level = fv.logLevel
	}
	if set("log-file") {
		cfg.Log.File = fv.logFile
	}
	if set("verbose") {
		cfg.Debug = fv.debug
	}
}
