// SPDX-License-Identifier: MIT
package audio

import "errors"

// Source is a mono 16-bit PCM input. The engine drives it through Open,
// Start, a sequence of Reads, Stop and Close, in that order.
//
// Read may return fewer samples than len(buf); callers retry. After Stop,
// a blocked Read must return promptly (ErrSourceStopped). A finite source
// returns io.EOF once it has no more samples.
type Source interface {
	Open(sampleRate float64, channels int) error
	Start() error
	Read(buf []int16) (int, error)
	Stop() error
	Close() error
}

var (
	// ErrSourceStopped is returned by Read once the source has been stopped.
	ErrSourceStopped = errors.New("audio: source stopped")
	// ErrSourceNotOpen is returned when Start or Read precede Open.
	ErrSourceNotOpen = errors.New("audio: source not open")
	// ErrUnsupportedFormat is returned by Open for anything but 16-bit mono
	// at the requested rate.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)
