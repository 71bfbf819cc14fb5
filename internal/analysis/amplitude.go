// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"sync/atomic"
)

// InitialMaxAmplitude is the running maximum at the start of a session.
const InitialMaxAmplitude = 1.0

// MaxColourIndex is the index returned for a new peak.
const MaxColourIndex = 255

// AmplitudeMapper maps non-negative power values to colour indexes in
// [0, 255] relative to the largest value seen so far in the session.
//
// Values up to the running maximum M are compressed logarithmically,
// floor(255·ln(1+d)/ln(1+M)). A value above M becomes the new M and maps to
// 255; earlier columns are not renormalised. 255 is reserved for new peaks,
// so d == M maps to 254.
//
// M only grows. It is stored as float64 bits in an atomic so the transform
// goroutine can update it while renderers read it.
type AmplitudeMapper struct {
	maxBits atomic.Uint64
}

// NewAmplitudeMapper returns a mapper with M = InitialMaxAmplitude.
func NewAmplitudeMapper() *AmplitudeMapper {
	m := &AmplitudeMapper{}
	m.Reset()
	return m
}

// Map returns the colour index for d, raising the running maximum if d
// exceeds it. Negative and NaN inputs map to 0.
func (m *AmplitudeMapper) Map(d float64) uint8 {
	if d < 0 || math.IsNaN(d) {
		return 0
	}

	for {
		bits := m.maxBits.Load()
		peak := math.Float64frombits(bits)
		if d <= peak {
			return scaleLog(d, peak)
		}
		if m.maxBits.CompareAndSwap(bits, math.Float64bits(d)) {
			return MaxColourIndex
		}
	}
}

// scaleLog computes floor(255·ln(1+d)/ln(1+peak)) for 0 <= d <= peak,
// capped one below MaxColourIndex.
func scaleLog(d, peak float64) uint8 {
	denom := math.Log1p(peak)
	if denom <= 0 || math.IsInf(denom, 0) {
		return 0
	}
	v := math.Floor(MaxColourIndex * math.Log1p(d) / denom)
	if v >= MaxColourIndex {
		return MaxColourIndex - 1
	}
	if v <= 0 {
		return 0
	}
	return uint8(v)
}

// Max returns the running maximum.
func (m *AmplitudeMapper) Max() float64 {
	return math.Float64frombits(m.maxBits.Load())
}

// Reset restores the running maximum to InitialMaxAmplitude.
func (m *AmplitudeMapper) Reset() {
	m.maxBits.Store(math.Float64bits(InitialMaxAmplitude))
}
