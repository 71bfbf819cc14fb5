// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	applog "spectrogram/internal/log"
)

// wavChunk is the number of samples decoded per PCMBuffer call.
const wavChunk = 4096

// WAVSource replays a 16-bit mono WAV file as if it were a live device.
// With realtime pacing, samples are released no faster than the file's
// sample rate; without it the file is read as fast as the engine consumes it.
// Read returns io.EOF after the last sample.
type WAVSource struct {
	path     string
	realtime bool

	mu         sync.Mutex
	file       *os.File
	decoder    *wav.Decoder
	buffer     *audio.IntBuffer
	pending    []int
	sampleRate float64
	started    time.Time
	delivered  uint64
	timer      *time.Timer
	eof        bool

	stopped atomic.Bool
	stopCh  chan struct{}
}

// NewWAVSource returns a source for the file at path.
func NewWAVSource(path string, realtime bool) *WAVSource {
	return &WAVSource{path: path, realtime: realtime}
}

// Open opens and validates the file. The file must be 16-bit mono PCM at
// sampleRate; no resampling is done.
func (s *WAVSource) Open(sampleRate float64, channels int) error {
	if channels != 1 {
		return fmt.Errorf("%w: %d channels, only mono is captured", ErrUnsupportedFormat, channels)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return fmt.Errorf("%w: %s is not a valid WAV file", ErrUnsupportedFormat, s.path)
	}
	if err := decoder.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("seek to PCM data: %w", err)
	}

	format := decoder.Format()
	switch {
	case format.NumChannels != 1:
		f.Close()
		return fmt.Errorf("%w: %s has %d channels", ErrUnsupportedFormat, s.path, format.NumChannels)
	case decoder.BitDepth != 16:
		f.Close()
		return fmt.Errorf("%w: %s is %d-bit", ErrUnsupportedFormat, s.path, decoder.BitDepth)
	case float64(format.SampleRate) != sampleRate:
		f.Close()
		return fmt.Errorf("%w: %s is %d Hz, engine runs at %.0f Hz",
			ErrUnsupportedFormat, s.path, format.SampleRate, sampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = f
	s.decoder = decoder
	s.buffer = &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, wavChunk),
		SourceBitDepth: 16,
	}
	s.pending = nil
	s.sampleRate = sampleRate
	s.delivered = 0
	s.eof = false
	s.stopCh = make(chan struct{})
	s.stopped.Store(false)

	applog.Infof("WAVSource: Opened %s (%d Hz, realtime %v)", s.path, format.SampleRate, s.realtime)
	return nil
}

// Start marks the beginning of playback for pacing.
func (s *WAVSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder == nil {
		return ErrSourceNotOpen
	}
	s.started = time.Now()
	return nil
}

// Read copies up to len(buf) decoded samples into buf.
func (s *WAVSource) Read(buf []int16) (int, error) {
	if s.stopped.Load() {
		return 0, ErrSourceStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decoder == nil {
		return 0, ErrSourceNotOpen
	}

	if len(s.pending) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		n, err := s.decoder.PCMBuffer(s.buffer)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 {
			s.eof = true
			return 0, io.EOF
		}
		s.pending = s.buffer.Data[:n]
	}

	n := min(len(buf), len(s.pending))
	if s.realtime {
		if err := s.pace(uint64(n)); err != nil {
			return 0, err
		}
	}
	for i, v := range s.pending[:n] {
		buf[i] = int16(v)
	}
	s.pending = s.pending[n:]
	s.delivered += uint64(n)
	return n, nil
}

// pace sleeps until the last of the next n samples would have been
// captured by a live device, or until Stop.
func (s *WAVSource) pace(n uint64) error {
	due := s.started.Add(time.Duration(float64(s.delivered+n) / s.sampleRate * float64(time.Second)))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	if s.timer == nil {
		s.timer = time.NewTimer(wait)
	} else {
		s.timer.Reset(wait)
	}
	select {
	case <-s.timer.C:
		return nil
	case <-s.stopCh:
		s.timer.Stop()
		return ErrSourceStopped
	}
}

// Stop interrupts a paced Read and makes later Reads fail.
func (s *WAVSource) Stop() error {
	if s.stopped.CompareAndSwap(false, true) && s.stopCh != nil {
		close(s.stopCh)
	}
	return nil
}

// Close releases the file.
func (s *WAVSource) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.decoder = nil
	s.pending = nil
	return err
}

var _ Source = (*WAVSource)(nil)
