// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"io"
	"math"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spectrogram/internal/analysis"
	"spectrogram/internal/config"
	"spectrogram/internal/testutil"
	"spectrogram/pkg/utils"
)

// scriptedSource plays back a fixed sample sequence. Once it runs out it
// either returns endErr or blocks until Stop.
type scriptedSource struct {
	samples []int16
	chunk   int                // Max samples per Read; 0 means no limit.
	ready   func(pos int) bool // Gate for delivering the sample at pos.
	endErr  error

	openErr  error
	startErr error

	mu     sync.Mutex
	pos    int
	stopCh chan struct{}

	opens, starts, stops, closes atomic.Int32
}

func (s *scriptedSource) Open(sampleRate float64, channels int) error {
	s.opens.Add(1)
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Start() error {
	s.starts.Add(1)
	return s.startErr
}

func (s *scriptedSource) Read(buf []int16) (int, error) {
	s.mu.Lock()
	stopCh := s.stopCh
	pos := s.pos
	s.mu.Unlock()

	for s.ready != nil && pos < len(s.samples) && !s.ready(pos) {
		select {
		case <-stopCh:
			return 0, ErrSourceStopped
		case <-time.After(100 * time.Microsecond):
		}
	}

	if pos >= len(s.samples) {
		if s.endErr != nil {
			return 0, s.endErr
		}
		<-stopCh
		return 0, ErrSourceStopped
	}

	n := min(len(buf), len(s.samples)-pos)
	if s.chunk > 0 {
		n = min(n, s.chunk)
	}
	copy(buf, s.samples[pos:pos+n])

	s.mu.Lock()
	s.pos += n
	s.mu.Unlock()
	return n, nil
}

func (s *scriptedSource) Stop() error {
	s.stops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	return nil
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	return nil
}

func testConfig(n, frameCapacity, columnCapacity int) *config.Config {
	cfg := config.Default()
	cfg.Audio.SamplesPerWindow = n
	cfg.Buffers.FrameCapacity = frameCapacity
	cfg.Buffers.ColumnCapacity = columnCapacity
	return &cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, src Source, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, src, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func concat(frames ...[]int16) []int16 {
	var out []int16
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

func TestNewEngineValidation(t *testing.T) {
	src := &scriptedSource{}

	if _, err := NewEngine(nil, src); err == nil {
		t.Error("NewEngine(nil config) succeeded")
	}
	if _, err := NewEngine(testConfig(4, 4, 4), nil); err == nil {
		t.Error("NewEngine(nil source) succeeded")
	}

	cfg := testConfig(4, 4, 4)
	cfg.Analysis.FFTWindow = "Triangle"
	if _, err := NewEngine(cfg, src); err == nil {
		t.Error("NewEngine() accepted an unknown window")
	}

	if _, err := NewEngine(testConfig(4, 0, 4), src); err == nil {
		t.Error("NewEngine() accepted a zero frame capacity")
	}

	e := newTestEngine(t, testConfig(4, 4, 4), src)
	if e.State() != Idle {
		t.Errorf("State() = %v, want idle", e.State())
	}
}

// Five frames through a four-slot frame ring, each released only after the
// previous one has been turned into a column.
func TestEndToEndFiveFrames(t *testing.T) {
	baseline := runtime.NumGoroutine()

	frames := [][]int16{
		{1, 1, 1, 1},
		{0, 0, 0, 0},
		{2, 2, 2, 2},
		{0, 0, 0, 0},
		{5, 5, 5, 5},
	}

	mock := &utils.MockTransport{}
	src := &scriptedSource{samples: concat(frames...)}
	e := newTestEngine(t, testConfig(4, 4, 8), src, WithTransports(mock))
	src.ready = func(pos int) bool {
		return e.AvailableColumns() >= uint64(pos/4)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, "five columns", func() bool {
		return e.AvailableColumns() == 5
	})
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, ok := e.Frame(0); ok {
		t.Error("frame 0 should have been overwritten")
	}
	for i := 1; i < len(frames); i++ {
		got, ok := e.Frame(uint64(i))
		if !ok {
			t.Errorf("frame %d unavailable", i)
			continue
		}
		for j, v := range got {
			if v != float64(frames[i][j]) {
				t.Errorf("frame %d = %v, want %v", i, got, frames[i])
				break
			}
		}
	}

	sent := mock.Columns()
	if len(sent) != 5 {
		t.Fatalf("transport received %d columns, want 5", len(sent))
	}
	for i, msg := range sent {
		if msg.Index != uint64(i) {
			t.Errorf("column %d sent with index %d", i, msg.Index)
		}
		stored, ok := e.Column(uint64(i))
		if !ok {
			t.Errorf("column %d unavailable", i)
			continue
		}
		if !slices.Equal(stored, msg.Pixels) {
			t.Errorf("column %d: stored %v, sent %v", i, stored, msg.Pixels)
		}
	}

	// The running maximum is the largest smoothed power seen.
	ref, err := analysis.NewSpectralTransform(4, analysis.RaisedCosine)
	if err != nil {
		t.Fatal(err)
	}
	want := 1.0
	power := make([]float64, 4)
	for _, f := range frames {
		in := make([]float64, 4)
		for i, v := range f {
			in[i] = float64(v)
		}
		if err := ref.Transform(in, power); err != nil {
			t.Fatal(err)
		}
		want = max(want, slices.Max(power))
	}
	if got := e.MaxAmplitude(); got != want {
		t.Errorf("MaxAmplitude() = %g, want %g", got, want)
	}

	st := e.Stats()
	if st.State != Stopped || st.FramesCaptured != 5 || st.ColumnsProduced != 5 || st.FramesDropped != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	if src.opens.Load() != 1 || src.starts.Load() != 1 || src.stops.Load() != 1 || src.closes.Load() != 1 {
		t.Errorf("source calls open=%d start=%d stop=%d close=%d",
			src.opens.Load(), src.starts.Load(), src.stops.Load(), src.closes.Load())
	}

	testutil.AssertNoGoroutineLeaks(t, baseline, 0)
}

func TestShortReadsAssembleWholeFrames(t *testing.T) {
	const n = 8
	samples := make([]int16, 6*n)
	for i := range samples {
		samples[i] = int16(i)
	}
	src := &scriptedSource{samples: samples, chunk: 1, endErr: io.EOF}
	e := newTestEngine(t, testConfig(n, 16, 16), src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-e.CaptureDone():
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not finish at end of input")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if e.CapturedFrames() != 6 {
		t.Fatalf("CapturedFrames() = %d, want 6", e.CapturedFrames())
	}
	for i := range 6 {
		frame, _ := e.Frame(uint64(i))
		for j, v := range frame {
			if v != float64(i*n+j) {
				t.Fatalf("frame %d = %v", i, frame)
			}
		}
	}
	if got := e.Stats().ShortReads; got == 0 {
		t.Error("ShortReads = 0 with single-sample reads")
	}
	if e.AvailableColumns() != 6 {
		t.Errorf("AvailableColumns() = %d, want 6", e.AvailableColumns())
	}
}

// A trailing partial frame is never published.
func TestPartialFrameAtEOFDiscarded(t *testing.T) {
	src := &scriptedSource{samples: make([]int16, 10), endErr: io.EOF}
	e := newTestEngine(t, testConfig(4, 4, 4), src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	<-e.CaptureDone()
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.CapturedFrames() != 2 {
		t.Errorf("CapturedFrames() = %d, want 2", e.CapturedFrames())
	}
}

func TestStartErrorsLeaveEngineIdle(t *testing.T) {
	openErr := errors.New("device busy")
	startErr := errors.New("stream refused")

	tests := []struct {
		name       string
		src        *scriptedSource
		want       error
		wantCloses int32
	}{
		{"open", &scriptedSource{openErr: openErr}, openErr, 0},
		{"start", &scriptedSource{startErr: startErr}, startErr, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, testConfig(4, 4, 4), tt.src)
			err := e.Start()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if e.State() != Idle {
				t.Errorf("State() = %v after failed start", e.State())
			}
			if tt.src.closes.Load() != tt.wantCloses {
				t.Errorf("source closed %d times, want %d", tt.src.closes.Load(), tt.wantCloses)
			}
			if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
				t.Errorf("Stop() after failed start = %v, want ErrNotRunning", err)
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	src := &scriptedSource{samples: concat(make([]int16, 8), []int16{9, 9, 9, 9})}
	e := newTestEngine(t, testConfig(4, 4, 4), src)

	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() while idle = %v", err)
	}
	if err := e.Wait(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Wait() while idle = %v", err)
	}
	if err := e.Reset(); !errors.Is(err, ErrNotStopped) {
		t.Errorf("Reset() while idle = %v", err)
	}
	if e.CaptureDone() != nil {
		t.Error("CaptureDone() non-nil before Start")
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if e.State() != Capturing {
		t.Errorf("State() = %v, want capturing", e.State())
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v", err)
	}
	if err := e.Reset(); !errors.Is(err, ErrNotStopped) {
		t.Errorf("Reset() while capturing = %v", err)
	}

	testutil.WaitFor(t, 5*time.Second, "three columns", func() bool {
		return e.AvailableColumns() == 3
	})
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
	if err := e.Wait(); err != nil {
		t.Errorf("Wait() after Stop = %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() on stopped engine = %v", err)
	}
	if e.MaxAmplitude() <= 1 {
		t.Errorf("MaxAmplitude() = %g after a non-silent frame", e.MaxAmplitude())
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	st := e.Stats()
	if st.State != Idle || st.FramesCaptured != 0 || st.ColumnsProduced != 0 || st.MaxAmplitude != 1 {
		t.Errorf("Stats() after Reset = %+v", st)
	}
	if _, ok := e.Column(0); ok {
		t.Error("column 0 available after Reset")
	}

	// The source starts over on the second session.
	src.mu.Lock()
	src.pos = 0
	src.mu.Unlock()
	if err := e.Start(); err != nil {
		t.Fatalf("Start() after Reset = %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, "three columns after restart", func() bool {
		return e.AvailableColumns() == 3
	})
	if err := e.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if e.State() != Stopped {
		t.Errorf("State() after Close = %v", e.State())
	}
}

func TestCaptureErrorSurfacesFromStop(t *testing.T) {
	readErr := errors.New("usb unplugged")
	src := &scriptedSource{samples: make([]int16, 8), endErr: readErr}
	e := newTestEngine(t, testConfig(4, 4, 4), src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Wait(); !errors.Is(err, readErr) {
		t.Errorf("Wait() = %v, want %v", err, readErr)
	}
	if e.AvailableColumns() != 2 {
		t.Errorf("AvailableColumns() = %d, want both captured frames drained", e.AvailableColumns())
	}
	err := e.Stop()
	if !errors.Is(err, readErr) || !strings.Contains(err.Error(), "capture") {
		t.Errorf("Stop() = %v, want wrapped capture error", err)
	}
}

// Stop transforms every frame already captured, even if the transform loop
// never got to them while running.
func TestStopDrainsCapturedFrames(t *testing.T) {
	src := &scriptedSource{samples: make([]int16, 40)}
	e := newTestEngine(t, testConfig(4, 16, 16), src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 5*time.Second, "all frames captured", func() bool {
		return e.CapturedFrames() == 10
	})
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.AvailableColumns() != 10 {
		t.Errorf("AvailableColumns() = %d, want 10", e.AvailableColumns())
	}
}

// When the frame ring laps the transform, lost frames are counted and the
// transform resumes at the oldest retained frame.
func TestProcessAvailableResyncsAfterLap(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4, 16), &scriptedSource{})
	for i := range 10 {
		v := float64(i)
		if _, err := e.frames.Write([]float64{v, v, v, v}); err != nil {
			t.Fatal(err)
		}
	}

	next, err := e.processAvailable(0)
	if err != nil {
		t.Fatal(err)
	}
	if next != 10 {
		t.Errorf("next = %d, want 10", next)
	}
	if got := e.Stats().FramesDropped; got != 6 {
		t.Errorf("FramesDropped = %d, want 6", got)
	}
	if e.AvailableColumns() != 4 {
		t.Errorf("AvailableColumns() = %d, want 4", e.AvailableColumns())
	}

	// Nothing new: no work, no further loss.
	if next, _ = e.processAvailable(next); next != 10 || e.Stats().FramesDropped != 6 {
		t.Errorf("idle pass moved next to %d, dropped %d", next, e.Stats().FramesDropped)
	}
}

// After a resync the first column is emitted without smoothing, so it
// matches a freshly reset transform.
func TestResyncResetsSmoothing(t *testing.T) {
	const n = 16
	e := newTestEngine(t, testConfig(n, 2, 8), &scriptedSource{})

	frame := utils.GenerateSineFrame(n, 16000, 2000, 100)
	for range 5 {
		if _, err := e.frames.Write(frame); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.processAvailable(0); err != nil {
		t.Fatal(err)
	}

	ref := analysis.NewColumnBuilder(mustTransform(t, n), analysis.NewAmplitudeMapper(), nil)
	want := make([]uint32, n)
	if err := ref.Build(frame, want); err != nil {
		t.Fatal(err)
	}
	got, ok := e.Column(0)
	if !ok {
		t.Fatal("column 0 unavailable")
	}
	if !slices.Equal(got, want) {
		t.Errorf("first column after resync = %v, want %v", got, want)
	}
}

func mustTransform(t *testing.T, n int) *analysis.SpectralTransform {
	t.Helper()
	tr, err := analysis.NewSpectralTransform(n, analysis.RaisedCosine)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestPaletteFromConfig(t *testing.T) {
	cfg := testConfig(4, 4, 4)
	cfg.Analysis.Palette = make([]uint32, 256)
	for i := range cfg.Analysis.Palette {
		cfg.Analysis.Palette[i] = 0xff000000 | uint32(i)
	}
	src := &scriptedSource{samples: []int16{100, -100, 100, -100}}
	e := newTestEngine(t, cfg, src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 5*time.Second, "one column", func() bool { return e.AvailableColumns() == 1 })
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	col, _ := e.Column(0)
	for i, px := range col {
		if px&0xff000000 != 0xff000000 {
			t.Errorf("pixel %d = %#x not mapped through palette", i, px)
		}
	}

	cfg.Analysis.Palette = []uint32{1, 2, 3}
	if _, err := NewEngine(cfg, src); err == nil {
		t.Error("NewEngine() accepted a short palette")
	}
}

func TestLatestColumnAndUpdates(t *testing.T) {
	src := &scriptedSource{samples: concat([]int16{1, 2, 3, 4}, []int16{4, 3, 2, 1})}
	e := newTestEngine(t, testConfig(4, 4, 4), src)

	dst := make([]uint32, 4)
	if _, ok := e.LatestColumn(dst); ok {
		t.Error("LatestColumn() reported a column before Start")
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-e.Updates():
	case <-time.After(5 * time.Second):
		t.Fatal("no update notification")
	}
	testutil.WaitFor(t, 5*time.Second, "two columns", func() bool { return e.AvailableColumns() == 2 })
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	idx, ok := e.LatestColumn(dst)
	if !ok || idx != 1 {
		t.Fatalf("LatestColumn() = %d, %v", idx, ok)
	}
	want, _ := e.Column(1)
	if !slices.Equal(dst, want) {
		t.Errorf("LatestColumn() pixels = %v, want %v", dst, want)
	}
	if _, ok := e.LatestColumn(make([]uint32, 3)); ok {
		t.Error("LatestColumn() accepted a short destination")
	}
	if e.ColumnInto(0, make([]uint32, 4)) != true {
		t.Error("ColumnInto(0) unavailable")
	}
	if e.OldestColumn() != 0 || e.ColumnCapacity() != 4 {
		t.Errorf("OldestColumn() = %d, ColumnCapacity() = %d", e.OldestColumn(), e.ColumnCapacity())
	}
}

func TestRendererGeometry(t *testing.T) {
	e := newTestEngine(t, testConfig(300, 4, 4), &scriptedSource{})

	if e.SampleRate() != 16000 || e.SamplesPerWindow() != 300 {
		t.Errorf("SampleRate() = %g, SamplesPerWindow() = %d", e.SampleRate(), e.SamplesPerWindow())
	}
	if e.MaxFrequency() != 8000 {
		t.Errorf("MaxFrequency() = %g, want 8000", e.MaxFrequency())
	}
	if got := e.ScreenFillDuration(4); got != 75*time.Millisecond {
		t.Errorf("ScreenFillDuration(4) = %v, want 75ms", got)
	}

	// Row 0 is the top of the column, the highest bin.
	top := e.BinFrequency(0)
	bottom := e.BinFrequency(299)
	if bottom != 0 {
		t.Errorf("BinFrequency(299) = %g, want 0", bottom)
	}
	if want := 299 * 16000.0 / 600; math.Abs(top-want) > 1e-9 {
		t.Errorf("BinFrequency(0) = %g, want %g", top, want)
	}
	if top >= e.MaxFrequency() {
		t.Errorf("top row %g reaches Nyquist", top)
	}
}

func TestTransportErrorsDoNotStopPipeline(t *testing.T) {
	mock := &utils.MockTransport{}
	mock.Close() // every Send now fails
	src := &scriptedSource{samples: make([]int16, 12)}
	e := newTestEngine(t, testConfig(4, 4, 4), src, WithTransports(mock))

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 5*time.Second, "three columns", func() bool { return e.AvailableColumns() == 3 })
	if err := e.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestNormalizedSamples(t *testing.T) {
	cfg := testConfig(4, 4, 4)
	cfg.Audio.NormalizeSamples = true
	src := &scriptedSource{samples: []int16{-32768, 16384, 0, 32767}}
	e := newTestEngine(t, cfg, src)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 5*time.Second, "one frame", func() bool { return e.CapturedFrames() == 1 })
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	frame, _ := e.Frame(0)
	want := []float64{-1, 0.5, 0, 32767.0 / 32768}
	if !slices.Equal(frame, want) {
		t.Errorf("Frame(0) = %v, want %v", frame, want)
	}
}

func TestFillFrameZeroAllocs(t *testing.T) {
	e := newTestEngine(t, testConfig(300, 4, 4), &scriptedSource{})
	copy(e.captureBuf, utils.GenerateSineWave(300, 16000, 440))

	allocs := testing.AllocsPerRun(100, func() {
		e.frames.WriteFunc(e.fillFrame)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations writing a frame, got %.1f", allocs)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		s    SessionState
		want string
	}{
		{Idle, "idle"},
		{Capturing, "capturing"},
		{Stopped, "stopped"},
		{SessionState(7), "SessionState(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int32(tt.s), got, tt.want)
		}
	}
}

func BenchmarkProcessFrame(b *testing.B) {
	cfg := testConfig(300, 4, 4)
	e, err := NewEngine(cfg, &scriptedSource{})
	if err != nil {
		b.Fatal(err)
	}
	copy(e.captureBuf, utils.GenerateComplexWave(300, 16000))

	b.ReportAllocs()
	var next uint64
	for b.Loop() {
		e.frames.WriteFunc(e.fillFrame)
		next, _ = e.processAvailable(next)
	}
}
