// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"fmt"
	"runtime"
	"time"

	applog "spectrogram/internal/log"
	"spectrogram/internal/metrics"
	"spectrogram/internal/transport"
)

// transformLoop turns captured frames into columns, strictly in capture
// order. On stop (or when the group context is cancelled) it waits for the
// capture loop to finish and then drains every frame already published.
func (e *Engine) transformLoop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var next uint64
	for {
		var err error
		if next, err = e.processAvailable(next); err != nil {
			return err
		}

		select {
		case <-e.frameReady:
		case <-e.stopCh:
			return e.drain(next)
		case <-ctx.Done():
			return e.drain(next)
		}
	}
}

func (e *Engine) drain(next uint64) error {
	<-e.captureDone
	_, err := e.processAvailable(next)
	return err
}

// processAvailable builds a column for every frame in [next, cursor) and
// returns the index of the next frame to read. If the capture ring has
// lapped the reader, the lost frames are counted and the reader jumps to
// the oldest retained frame with smoothing reset.
func (e *Engine) processAvailable(next uint64) (uint64, error) {
	for {
		cursor := e.frames.Len()
		if next >= cursor {
			metrics.TransformLag.Set(0)
			return next, nil
		}

		if oldest := e.frames.Oldest(); next < oldest {
			e.recordLoss(next, oldest)
			next = oldest
			continue
		}

		// The slot may be overwritten between the check and the read; the
		// next pass then sees the lag.
		if !e.frames.Read(next, e.frameScratch) {
			continue
		}

		start := time.Now()
		if err := e.builder.Build(e.frameScratch, e.columnBuf); err != nil {
			return next, fmt.Errorf("transform frame %d: %w", next, err)
		}
		index, err := e.columns.Write(e.columnBuf)
		if err != nil {
			return next, fmt.Errorf("store column %d: %w", next, err)
		}

		metrics.ColumnLatency.Observe(time.Since(start).Seconds())
		metrics.ColumnsProducedTotal.Inc()
		metrics.RunningMaxAmplitude.Set(e.builder.Mapper().Max())
		metrics.TransformLag.Set(float64(cursor - next - 1))

		e.publish(index)
		kick(e.updates)
		next++
	}
}

func (e *Engine) recordLoss(next, oldest uint64) {
	lost := oldest - next
	e.dropped.Add(lost)
	metrics.FramesDroppedTotal.Add(float64(lost))
	e.builder.Discontinuity()
	applog.Warnf("Engine: Transform fell %d frames behind, resyncing at frame %d", lost, oldest)
}

// publish hands the column just stored to every transport. Failures are
// counted and logged; they never stop the pipeline.
func (e *Engine) publish(index uint64) {
	if len(e.transports) == 0 {
		return
	}
	msg := transport.ColumnMessage{Index: index, Pixels: e.columnBuf}
	for _, t := range e.transports {
		if err := t.Send(msg); err != nil {
			name := fmt.Sprintf("%T", t)
			metrics.TransportErrorsTotal.WithLabelValues(name).Inc()
			applog.Warnf("Engine: %s failed to send column %d: %v", name, index, err)
		}
	}
}
