package audio

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes samples as a 16-bit mono PCM WAV stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int) error {
	encoder := wav.NewEncoder(w, sampleRate, 16, 1, 1)

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}

	if err := encoder.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finalise wav: %w", err)
	}
	return nil
}

// WriteWAVFile writes samples to a new WAV file at path.
func WriteWAVFile(path string, samples []int16, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(file, samples, sampleRate); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ToneSamples returns duration seconds of a sine at frequency Hz, scaled
// to amplitude (0..1 of full scale).
func ToneSamples(frequency, amplitude, seconds float64, sampleRate int) []int16 {
	amplitude = max(0, min(1, amplitude))
	samples := make([]int16, int(seconds*float64(sampleRate)))
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}
