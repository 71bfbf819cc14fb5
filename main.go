package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"spectrogram/cmd"
	"spectrogram/internal/audio"
	"spectrogram/internal/config"
	applog "spectrogram/internal/log"
	"spectrogram/internal/metrics"
	"spectrogram/internal/transport"
	"spectrogram/internal/transport/udp"
	"spectrogram/internal/tui"
	"spectrogram/pkg/build"
)

// main is the entry point for the spectrogram engine.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Configure runtime settings
//   - Parse command line arguments and load configuration
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Open the audio source and start capture and transform loops
//   - Push columns to the configured transports
//   - Serve metrics
//
// 3. Shutdown Phase (Cold Path):
//   - Handle termination signals or the end of a file source
//   - Drain captured frames and stop the engine
//   - Clean up resources
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	// Development builds run without linker flags and keep the defaults.
	buildErr := build.Initialize()
	if buildErr != nil && !errors.Is(buildErr, build.ErrMissingFlags) {
		log.Fatal(buildErr)
	}

	// Limit OS threads: the capture and transform loops each hold one,
	// and one more serves transports, metrics and signals.
	runtime.GOMAXPROCS(3)

	inv, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if inv.Config == nil {
		return // help or version was printed
	}
	cfg := inv.Config

	logCloser, err := applog.Configure(cfg.LogOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer logCloser.Close()
	if buildErr != nil {
		applog.Debugf("main: %v", buildErr)
	}
	applog.Debugf("main: %s", build.GetBuildFlags())

	switch cfg.Command {
	case cmd.CommandList:
		err = listDevices()
	case cmd.CommandTone:
		err = writeTone(inv.Tone, cfg.Audio.SampleRate)
	case cmd.CommandDevices:
		err = pickAndRun(cfg)
	default:
		err = run(cfg)
	}
	if err != nil {
		applog.Errorf("main: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func listDevices() error {
	if err := audio.Initialize(); err != nil {
		return err
	}
	defer audio.Terminate()
	return audio.ListDevices(os.Stdout)
}

func writeTone(opts cmd.ToneOptions, sampleRate float64) error {
	samples := audio.ToneSamples(opts.Frequency, opts.Amplitude, opts.Seconds, int(sampleRate))
	if err := audio.WriteWAVFile(opts.Output, samples, int(sampleRate)); err != nil {
		return err
	}
	fmt.Printf("Wrote %.1fs of %.0f Hz to %s\n", opts.Seconds, opts.Frequency, opts.Output)
	return nil
}

// pickAndRun lets the user choose a device and rate, then runs the engine
// on that device.
func pickAndRun(cfg *config.Config) error {
	sel, ok, err := tui.PickInputDevice()
	if err != nil || !ok {
		return err
	}
	cfg.Audio.Source = config.SourcePortAudio
	cfg.Audio.InputDevice = sel.DeviceID
	cfg.Audio.SampleRate = sel.SampleRate
	if err := cfg.Validate(); err != nil {
		return err
	}
	applog.Infof("main: Selected %q at %.0f Hz", sel.DeviceName, sel.SampleRate)
	return run(cfg)
}

// run captures until interrupted, or until a file source is exhausted.
func run(cfg *config.Config) error {
	// ==================== CONCURRENT PHASE (Hot Path) ====================

	var source audio.Source
	switch cfg.Audio.Source {
	case config.SourceWAV:
		source = audio.NewWAVSource(cfg.Audio.WAVFile, cfg.Audio.Realtime)
	default:
		if err := audio.Initialize(); err != nil {
			return err
		}
		defer audio.Terminate()
		source = audio.NewPortAudioSource(cfg.Audio.InputDevice, cfg.Audio.LowLatency, cfg.Audio.SamplesPerWindow)
	}

	var transports []transport.Transport
	if cfg.Transport.LogColumns {
		transports = append(transports, transport.NewLoggingTransport())
	}
	if cfg.Transport.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(cfg.Transport.WebSocketAddress)
		if err != nil {
			return err
		}
		transports = append(transports, ws)
		applog.Infof("main: Columns on ws://%s%s", ws.Addr(), transport.ColumnsPath)
	}

	engine, err := audio.NewEngine(cfg, source, audio.WithTransports(transports...))
	if err != nil {
		for _, t := range transports {
			t.Close()
		}
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			applog.Errorf("main: Closing engine: %v", err)
		}
	}()

	if cfg.Transport.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			return err
		}
		defer sender.Close()
		publisher, err := udp.NewUDPPublisher(cfg.Transport.UDPSendInterval, sender, engine)
		if err != nil {
			return err
		}
		publisher.Start()
		defer publisher.Stop()
	}

	if cfg.Metrics.Enabled {
		srv, err := metrics.Serve(cfg.Metrics.Address)
		if err != nil {
			return err
		}
		defer srv.Close()
		applog.Infof("main: Metrics on http://%s/metrics", srv.Addr())
	}

	// Setup signal handling for graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(done)

	start := time.Now()
	if err := engine.Start(); err != nil {
		return err
	}

	// Block until termination signal or the source ends
	select {
	case <-done:
	case <-engine.CaptureDone():
	}

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	err = engine.Stop()
	st := engine.Stats()
	applog.Infof("main: %d frames, %d columns (%d dropped, %d short reads) in %s, covering %s of audio",
		st.FramesCaptured, st.ColumnsProduced, st.FramesDropped, st.ShortReads,
		time.Since(start).Round(time.Millisecond),
		engine.ScreenFillDuration(int(st.ColumnsProduced)).Round(time.Millisecond))
	return err
}
