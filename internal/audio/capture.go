// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	applog "spectrogram/internal/log"
	"spectrogram/internal/metrics"
)

// captureLoop reads full frames from the source into the frame ring until
// the session stops, the source ends or a read fails.
func (e *Engine) captureLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.captureDone)

	for e.State() != Stopped {
		if err := e.readFull(e.captureBuf); err != nil {
			switch {
			case e.State() == Stopped, errors.Is(err, ErrSourceStopped):
				return nil
			case errors.Is(err, io.EOF):
				applog.Infof("Engine: Source exhausted after %d frames", e.frames.Len())
				return nil
			default:
				applog.Errorf("Engine: Capture failed: %v", err)
				return fmt.Errorf("capture: %w", err)
			}
		}

		// A frame completed after Stop is not published.
		if e.State() == Stopped {
			return nil
		}

		e.frames.WriteFunc(e.fillFrame)
		metrics.FramesCapturedTotal.Inc()
		kick(e.frameReady)
	}
	return nil
}

// readFull fills buf from the source, retrying short reads. A partially
// filled buffer is abandoned if the session stops.
func (e *Engine) readFull(buf []int16) error {
	filled := 0
	for filled < len(buf) {
		n, err := e.source.Read(buf[filled:])
		filled += n
		if err != nil {
			return err
		}
		if filled < len(buf) {
			e.shortReads.Add(1)
			metrics.ShortReadsTotal.Inc()
			if e.State() == Stopped {
				return ErrSourceStopped
			}
		}
	}
	return nil
}

// kick performs a non-blocking send on a one-slot channel.
func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
