// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// spectralWorkspace holds pre-allocated buffers for one transform.
type spectralWorkspace struct {
	padded   []float64    // Windowed frame followed by n zeros (length 2n).
	coeffs   []complex128 // FFT output, n+1 complex values.
	current  []float64    // Power spectrum of the latest frame.
	previous []float64    // Power spectrum of the frame before it.
}

// SpectralTransform turns one frame of n samples into n power-spectrum bins.
//
// The frame is tapered, zero padded to 2n and run through a real forward FFT
// of size 2n; the first n coefficients are squared. The emitted spectrum is
// the sum of this frame's power and the previous frame's power, a two-tap
// smoothing across time. The first frame after construction or Reset is
// emitted unsmoothed.
//
// A SpectralTransform is not safe for concurrent use; the engine confines it
// to the transform goroutine.
type SpectralTransform struct {
	n           int
	windowType  WindowFunc
	window      []float64
	fft         *fourier.FFT
	workspace   spectralWorkspace
	hasPrevious bool
}

// NewSpectralTransform allocates a transform for frames of n samples.
func NewSpectralTransform(n int, windowType WindowFunc) (*SpectralTransform, error) {
	if n <= 0 {
		return nil, fmt.Errorf("samples per window must be positive, got %d", n)
	}

	return &SpectralTransform{
		n:          n,
		windowType: windowType,
		window:     WindowCoefficients(n, windowType),
		fft:        fourier.NewFFT(2 * n),
		workspace: spectralWorkspace{
			padded:   make([]float64, 2*n),
			coeffs:   make([]complex128, n+1),
			current:  make([]float64, n),
			previous: make([]float64, n),
		},
	}, nil
}

// Bins returns the number of power values produced per frame.
func (t *SpectralTransform) Bins() int {
	return t.n
}

// Window returns the taper coefficients applied to each frame.
func (t *SpectralTransform) Window() []float64 {
	return t.window
}

// Transform writes the smoothed power spectrum of frame into out. Both must
// be Bins() long. frame is not modified.
func (t *SpectralTransform) Transform(frame, out []float64) error {
	if len(frame) != t.n || len(out) != t.n {
		return fmt.Errorf("transform expects %d samples and %d bins, got %d and %d",
			t.n, t.n, len(frame), len(out))
	}

	ws := &t.workspace

	// --- 1. Taper and zero pad ---
	for i, sample := range frame {
		ws.padded[i] = sample * t.window[i]
	}
	clear(ws.padded[t.n:])

	// --- 2. Real forward FFT, power of the first n bins ---
	t.fft.Coefficients(ws.coeffs, ws.padded)
	for k := range t.n {
		c := ws.coeffs[k]
		ws.current[k] = real(c)*real(c) + imag(c)*imag(c)
	}

	// --- 3. Two-tap temporal smoothing ---
	if t.hasPrevious {
		for k := range t.n {
			out[k] = ws.current[k] + ws.previous[k]
		}
	} else {
		copy(out, ws.current)
	}

	ws.current, ws.previous = ws.previous, ws.current
	t.hasPrevious = true
	return nil
}

// Reset forgets the previous spectrum so the next frame is emitted unsmoothed.
func (t *SpectralTransform) Reset() {
	t.hasPrevious = false
}

// BinFrequency returns the centre frequency in Hz of bin k for the given
// sample rate. Bin n-1 sits just below the Nyquist limit.
func (t *SpectralTransform) BinFrequency(k int, sampleRate float64) float64 {
	if k < 0 || k >= t.n {
		return 0
	}
	return float64(k) * sampleRate / float64(2*t.n)
}
