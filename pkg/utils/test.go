// SPDX-License-Identifier: MIT
package utils

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"spectrogram/internal/transport"
)

// MockTransport implements the Transport interface for testing. It records
// every column it is sent, in order.
type MockTransport struct {
	mu       sync.Mutex
	columns  []transport.ColumnMessage
	LastData []float64
	closed   bool
}

// Send stores a copy of the data for later inspection instead of transmitting.
func (m *MockTransport) Send(data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("mock transport is closed")
	}
	switch v := data.(type) {
	case transport.ColumnMessage:
		m.columns = append(m.columns, transport.ColumnMessage{
			Index:  v.Index,
			Pixels: slices.Clone(v.Pixels),
		})
	case []float64:
		m.LastData = make([]float64, len(v))
		copy(m.LastData, v)
	default:
		return fmt.Errorf("mock transport: unsupported payload %T", data)
	}
	return nil
}

// Close marks the transport closed; later sends fail.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Columns returns the recorded column messages.
func (m *MockTransport) Columns() []transport.ColumnMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.columns)
}

// Closed reports whether Close has been called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ transport.Transport = (*MockTransport)(nil)

// GenerateComplexWave returns 16-bit PCM of a 440Hz tone with two harmonics.
func GenerateComplexWave(size int, sampleRate float64) []int16 {
	buffer := make([]int16, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2 // 440Hz fundamental + harmonics
		buffer[i] = int16(signal * math.MaxInt16 * 0.9)
	}
	return buffer
}

// GenerateSineWave returns 16-bit PCM of a sine at 90% of full scale.
func GenerateSineWave(size int, sampleRate, frequency float64) []int16 {
	buffer := make([]int16, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = int16(math.Sin(2*math.Pi*frequency*t) * math.MaxInt16 * 0.9)
	}
	return buffer
}

// GenerateSineFrame returns one analysis frame of a sine with the given peak amplitude.
func GenerateSineFrame(size int, sampleRate, frequency, amplitude float64) []float64 {
	frame := make([]float64, size)
	for i := range frame {
		t := float64(i) / sampleRate
		frame[i] = amplitude * math.Sin(2*math.Pi*frequency*t)
	}
	return frame
}

// GenerateNoiseFrame returns uniform noise in [-amplitude, amplitude).
// The same seed always yields the same frame.
func GenerateNoiseFrame(size int, seed uint64, amplitude float64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	frame := make([]float64, size)
	for i := range frame {
		frame[i] = amplitude * (2*rng.Float64() - 1)
	}
	return frame
}

// ConstantFrame returns a frame with every sample set to value.
func ConstantFrame(size int, value float64) []float64 {
	frame := make([]float64, size)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

// FloatsToPCM converts a frame of raw PCM values back to int16, saturating.
func FloatsToPCM(frame []float64) []int16 {
	pcm := make([]int16, len(frame))
	for i, v := range frame {
		pcm[i] = int16(max(math.MinInt16, min(math.MaxInt16, math.Round(v))))
	}
	return pcm
}

func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
