// SPDX-License-Identifier: MIT
/*
Package audio implements the live spectrogram engine:
- Capture loop reading full frames from a Source into a frame ring
- Transform loop turning each frame into a colour-mapped pixel column
- Column ring read by renderers, plus optional push transports
- Session state machine Idle → Capturing → Stopped

Thread Safety:
- Uses atomic operations for state management and ring cursors
- Pre-allocates rings and scratch buffers to avoid GC in the hot path
- Locks each loop to its OS thread while it runs
*/
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"spectrogram/internal/analysis"
	"spectrogram/internal/config"
	applog "spectrogram/internal/log"
	"spectrogram/internal/metrics"
	"spectrogram/internal/ring"
	"spectrogram/internal/transport"
)

var (
	// ErrAlreadyStarted is returned by Start while capturing.
	ErrAlreadyStarted = errors.New("audio: engine already started")
	// ErrNotRunning is returned by Stop and Wait before Start.
	ErrNotRunning = errors.New("audio: engine not running")
	// ErrStopped is returned by Start on a stopped engine that has not been Reset.
	ErrStopped = errors.New("audio: engine stopped, reset before restarting")
	// ErrNotStopped is returned by Reset unless the engine is stopped.
	ErrNotStopped = errors.New("audio: engine must be stopped to reset")
)

// Option customises an Engine.
type Option func(*Engine)

// WithPalette maps colour indexes through p before columns are stored.
func WithPalette(p *analysis.Palette) Option {
	return func(e *Engine) { e.palette = p }
}

// WithTransports hands every finished column to each transport.
func WithTransports(ts ...transport.Transport) Option {
	return func(e *Engine) { e.transports = append(e.transports, ts...) }
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	State           SessionState
	FramesCaptured  uint64
	ShortReads      uint64
	FramesDropped   uint64
	ColumnsProduced uint64
	MaxAmplitude    float64
}

type Engine struct {
	// Core configuration and state.
	config           *config.Config
	sampleRate       float64
	samplesPerWindow int
	sampleScale      float64
	state            atomic.Int32

	// Audio input handling.
	source     Source
	captureBuf []int16
	fillFrame  func(slot []float64)

	// Rings shared with readers.
	frames  *ring.Buffer[float64]
	columns *ring.Buffer[uint32]

	// Spectral processing, confined to the transform loop.
	builder      *analysis.ColumnBuilder
	palette      *analysis.Palette
	frameScratch []float64
	columnBuf    []uint32
	transports   []transport.Transport

	// Loop coordination.
	mu          sync.Mutex // Serialises Start, Stop, Reset and Close.
	frameReady  chan struct{}
	updates     chan struct{}
	stopCh      chan struct{}
	captureDone chan struct{}
	done        chan struct{}
	loopErr     error

	shortReads atomic.Uint64
	dropped    atomic.Uint64
}

// NewEngine allocates the rings and analysis state for src. Nothing is
// opened until Start.
func NewEngine(cfg *config.Config, src Source, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("audio: nil config")
	}
	if src == nil {
		return nil, errors.New("audio: nil source")
	}

	n := cfg.Audio.SamplesPerWindow
	windowType, err := analysis.ParseWindowFunc(cfg.Analysis.FFTWindow)
	if err != nil {
		return nil, err
	}
	transform, err := analysis.NewSpectralTransform(n, windowType)
	if err != nil {
		return nil, err
	}
	frames, err := ring.New[float64](cfg.Buffers.FrameCapacity, n)
	if err != nil {
		return nil, fmt.Errorf("frame ring: %w", err)
	}
	columns, err := ring.New[uint32](cfg.Buffers.ColumnCapacity, n)
	if err != nil {
		return nil, fmt.Errorf("column ring: %w", err)
	}

	e := &Engine{
		config:           cfg,
		sampleRate:       cfg.Audio.SampleRate,
		samplesPerWindow: n,
		sampleScale:      cfg.Audio.SampleScale(),
		source:           src,
		captureBuf:       make([]int16, n),
		frames:           frames,
		columns:          columns,
		frameScratch:     make([]float64, n),
		columnBuf:        make([]uint32, n),
		frameReady:       make(chan struct{}, 1),
		updates:          make(chan struct{}, 1),
	}

	if len(cfg.Analysis.Palette) > 0 {
		if e.palette, err = analysis.NewPalette(cfg.Analysis.Palette); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(e)
	}

	e.builder = analysis.NewColumnBuilder(transform, analysis.NewAmplitudeMapper(), e.palette)
	e.fillFrame = func(slot []float64) {
		for i, sample := range e.captureBuf {
			slot[i] = float64(sample) * e.sampleScale
		}
	}
	e.setState(Idle)

	applog.Debugf("Engine: %d samples per window at %.0f Hz, %d frame slots, %d column slots, %s window",
		n, e.sampleRate, frames.Cap(), columns.Cap(), windowType)
	return e, nil
}

func (e *Engine) setState(s SessionState) {
	e.state.Store(int32(s))
	metrics.SessionState.Set(float64(s))
}

// State returns the current session state.
func (e *Engine) State() SessionState {
	return SessionState(e.state.Load())
}

// Start opens and starts the source, then launches the capture and
// transform loops. Source failures are returned here and leave the engine Idle.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case Capturing:
		return ErrAlreadyStarted
	case Stopped:
		return ErrStopped
	}

	if err := e.source.Open(e.sampleRate, 1); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	if err := e.source.Start(); err != nil {
		if cerr := e.source.Close(); cerr != nil {
			applog.Warnf("Engine: Closing source after failed start: %v", cerr)
		}
		return fmt.Errorf("start source: %w", err)
	}

	e.stopCh = make(chan struct{})
	e.captureDone = make(chan struct{})
	e.done = make(chan struct{})
	e.loopErr = nil
	e.setState(Capturing)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(e.captureLoop)
	g.Go(func() error { return e.transformLoop(ctx) })

	done := e.done
	go func() {
		e.loopErr = g.Wait()
		close(done)
	}()

	applog.Infof("Engine: Capturing at %.0f Hz, %d samples per window", e.sampleRate, e.samplesPerWindow)
	return nil
}

// Stop ends the session: both loops are told to exit, the source is
// stopped, every frame captured so far is transformed, and the source is
// closed. It returns any loop or source error. Calling Stop again is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case Idle:
		return ErrNotRunning
	case Stopped:
		return nil
	}

	e.setState(Stopped)
	close(e.stopCh)

	var errs []error
	if err := e.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop source: %w", err))
	}
	<-e.done
	if e.loopErr != nil {
		errs = append(errs, e.loopErr)
	}
	if err := e.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}

	applog.Infof("Engine: Stopped after %d frames, %d columns, %d dropped",
		e.frames.Len(), e.columns.Len(), e.dropped.Load())
	return errors.Join(errs...)
}

// Wait blocks until both loops have exited and returns the first loop error.
// The transform loop only exits on Stop or after a capture failure.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done == nil {
		return ErrNotRunning
	}
	<-done
	return e.loopErr
}

// CaptureDone is closed when the capture loop exits, for example when a
// file source runs out. It is nil before the first Start.
func (e *Engine) CaptureDone() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captureDone
}

// Reset returns a stopped engine to Idle with empty rings, a fresh running
// maximum, no smoothing history and zeroed counters.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != Stopped {
		return ErrNotStopped
	}

	e.frames.Reset()
	e.columns.Reset()
	e.builder.Reset()
	e.shortReads.Store(0)
	e.dropped.Store(0)
	select {
	case <-e.frameReady:
	default:
	}
	select {
	case <-e.updates:
	default:
	}
	metrics.RunningMaxAmplitude.Set(e.builder.Mapper().Max())
	e.setState(Idle)
	return nil
}

// Close stops a running engine and closes every transport.
func (e *Engine) Close() error {
	var errs []error
	if e.State() == Capturing {
		if err := e.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range e.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Renderer interface ---

// AvailableColumns returns the number of columns produced so far. Column
// indexes below AvailableColumns()-ColumnCapacity() have been overwritten.
func (e *Engine) AvailableColumns() uint64 {
	return e.columns.Len()
}

// ColumnCapacity returns how many columns are retained.
func (e *Engine) ColumnCapacity() int {
	return e.columns.Cap()
}

// OldestColumn returns the lowest retained column index.
func (e *Engine) OldestColumn() uint64 {
	return e.columns.Oldest()
}

// Column returns a copy of column i, or false if it is not (or no longer) available.
func (e *Engine) Column(i uint64) ([]uint32, bool) {
	return e.columns.Get(i)
}

// ColumnInto copies column i into dst, which must be SamplesPerWindow() long.
func (e *Engine) ColumnInto(i uint64, dst []uint32) bool {
	return e.columns.Read(i, dst)
}

// LatestColumn copies the newest column into dst.
func (e *Engine) LatestColumn(dst []uint32) (uint64, bool) {
	for {
		n := e.columns.Len()
		if n == 0 {
			return 0, false
		}
		if e.columns.Read(n-1, dst) {
			return n - 1, true
		}
		if len(dst) != e.samplesPerWindow {
			return 0, false
		}
	}
}

// Updates delivers a value after new columns are stored. Notifications
// coalesce: one receive may stand for several columns.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// SampleRate returns the capture rate in Hz.
func (e *Engine) SampleRate() float64 {
	return e.sampleRate
}

// SamplesPerWindow returns the frame length, which is also the number of
// frequency bins per column.
func (e *Engine) SamplesPerWindow() int {
	return e.samplesPerWindow
}

// MaxFrequency returns the Nyquist limit, the frequency at the top of a column.
func (e *Engine) MaxFrequency() float64 {
	return 0.5 * e.sampleRate
}

// BinFrequency returns the frequency drawn at row of a column.
func (e *Engine) BinFrequency(row int) float64 {
	return e.builder.Transform().BinFrequency(e.samplesPerWindow-1-row, e.sampleRate)
}

// ScreenFillDuration returns how much audio visibleWindows columns span.
func (e *Engine) ScreenFillDuration(visibleWindows int) time.Duration {
	samples := float64(visibleWindows * e.samplesPerWindow)
	return time.Duration(samples * float64(time.Second) / e.sampleRate)
}

// CapturedFrames returns the number of frames captured so far.
func (e *Engine) CapturedFrames() uint64 {
	return e.frames.Len()
}

// Frame returns a copy of captured frame i, or false if it is not available.
func (e *Engine) Frame(i uint64) ([]float64, bool) {
	return e.frames.Get(i)
}

// MaxAmplitude returns the running maximum power of the session.
func (e *Engine) MaxAmplitude() float64 {
	return e.builder.Mapper().Max()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		State:           e.State(),
		FramesCaptured:  e.frames.Len(),
		ShortReads:      e.shortReads.Load(),
		FramesDropped:   e.dropped.Load(),
		ColumnsProduced: e.columns.Len(),
		MaxAmplitude:    e.MaxAmplitude(),
	}
}

var _ transport.ColumnProvider = (*Engine)(nil)
