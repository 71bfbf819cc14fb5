// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	applog "spectrogram/internal/log"
)

// PortAudioSource captures mono 16-bit PCM from a PortAudio input device
// using the blocking read API. PortAudio must be initialised by the caller.
//
// Each stream read fills an internal buffer of framesPerBuffer samples;
// Read hands that buffer out in pieces, so reads shorter than the caller's
// request are normal.
type PortAudioSource struct {
	deviceID        int
	lowLatency      bool
	framesPerBuffer int

	mu      sync.Mutex // Held across stream reads; Stop waits for the in-flight read.
	stream  *portaudio.Stream
	buffer  []int16 // Bound to the stream.
	pending []int16 // Unconsumed tail of buffer.
	stopped atomic.Bool

	overflows atomic.Uint64
}

// NewPortAudioSource returns a source for deviceID (-1 selects the system
// default input). framesPerBuffer sets the size of each blocking read.
func NewPortAudioSource(deviceID int, lowLatency bool, framesPerBuffer int) *PortAudioSource {
	return &PortAudioSource{
		deviceID:        deviceID,
		lowLatency:      lowLatency,
		framesPerBuffer: framesPerBuffer,
	}
}

// Open resolves the device and opens a blocking input stream.
func (s *PortAudioSource) Open(sampleRate float64, channels int) error {
	if channels != 1 {
		return fmt.Errorf("%w: %d channels, only mono is captured", ErrUnsupportedFormat, channels)
	}
	if s.framesPerBuffer <= 0 {
		return fmt.Errorf("frames per buffer must be positive, got %d", s.framesPerBuffer)
	}

	device, err := InputDevice(s.deviceID)
	if err != nil {
		return err
	}

	latency := device.DefaultHighInputLatency
	if s.lowLatency {
		latency = device.DefaultLowInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: channels,
			Device:   device,
			Latency:  latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: s.framesPerBuffer,
		SampleRate:      sampleRate,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = make([]int16, s.framesPerBuffer)
	stream, err := portaudio.OpenStream(params, s.buffer)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	s.stream = stream
	s.pending = nil
	s.stopped.Store(false)

	applog.Infof("PortAudioSource: Opened %q at %.0f Hz (latency %s, %d frames per read)",
		device.Name, sampleRate, latency.Round(time.Microsecond), s.framesPerBuffer)
	return nil
}

// Start begins capture.
func (s *PortAudioSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return ErrSourceNotOpen
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start input: %w", err)
	}
	return nil
}

// Read copies up to len(buf) captured samples into buf, blocking on the
// device only when no buffered samples remain.
func (s *PortAudioSource) Read(buf []int16) (int, error) {
	if s.stopped.Load() {
		return 0, ErrSourceStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return 0, ErrSourceStopped
	}
	if s.stream == nil {
		return 0, ErrSourceNotOpen
	}

	if len(s.pending) == 0 {
		if err := s.stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				return 0, fmt.Errorf("read input: %w", err)
			}
			// The buffer still holds valid samples; the overflow only
			// means some were lost before it.
			if s.overflows.Add(1) == 1 {
				applog.Warnf("PortAudioSource: Input overflowed, samples were lost")
			}
		}
		s.pending = s.buffer
	}

	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Overflows returns how many device reads reported lost input.
func (s *PortAudioSource) Overflows() uint64 {
	return s.overflows.Load()
}

// Stop halts the stream after any in-flight Read has returned.
func (s *PortAudioSource) Stop() error {
	s.stopped.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop input: %w", err)
	}
	return nil
}

// Close releases the stream.
func (s *PortAudioSource) Close() error {
	s.stopped.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	s.pending = nil
	if err != nil {
		return fmt.Errorf("close input: %w", err)
	}
	return nil
}

var _ Source = (*PortAudioSource)(nil)
