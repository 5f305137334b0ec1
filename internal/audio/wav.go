package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ReadWAV loads a WAV file as mono f32 samples, keeping the first
// channel of multi-channel files. The file must already be at 16 kHz;
// resampling is out of scope.
func ReadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav %q: %w", path, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file %q", path)
	}
	if int(decoder.SampleRate) != SampleRate {
		return nil, fmt.Errorf("wav %q is %d Hz, want %d", path, decoder.SampleRate, SampleRate)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm from %q: %w", path, err)
	}

	var maxVal float64
	switch decoder.BitDepth {
	case 16:
		maxVal = 32768.0
	case 24:
		maxVal = 8388608.0
	case 32:
		maxVal = 2147483648.0
	default:
		maxVal = 32768.0
	}

	channels := int(decoder.NumChans)
	if channels <= 0 {
		channels = 1
	}
	frames := buf.NumFrames()
	data := buf.AsIntBuffer().Data

	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		idx := i * channels
		if idx < len(data) {
			samples[i] = float32(float64(data[idx]) / maxVal)
		}
	}
	return samples, nil
}
