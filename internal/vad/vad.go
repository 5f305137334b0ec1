// Package vad answers speech-presence queries over the audio ring.
// The flush decision upstream is energy-only: no model inference
// participates (see DESIGN.md).
package vad

import (
	"math"

	"github.com/rbright/skald/internal/ringbuf"
)

// Detector is the conformance surface the stream controller relies on.
// Implementations must only assume monotonic absolute sample indexing.
type Detector interface {
	HasSpeech(startSample, endSample uint64, threshold float64) bool
	SilenceTail(threshold float64) float64
}

const (
	frameSamples = 320 // 20 ms at 16 kHz
	maxTailScan  = 30.0
)

// EnergyDetector classifies 20 ms frames by RMS energy against a
// caller-supplied threshold.
type EnergyDetector struct {
	ring       *ringbuf.Buffer[float32]
	sampleRate int
	scratch    []float32
}

// NewEnergyDetector reads from the given audio ring.
func NewEnergyDetector(ring *ringbuf.Buffer[float32], sampleRate int) *EnergyDetector {
	return &EnergyDetector{
		ring:       ring,
		sampleRate: sampleRate,
		scratch:    make([]float32, frameSamples),
	}
}

// HasSpeech reports whether any frame in [startSample, endSample) has
// RMS energy above threshold. Evicted audio counts as silence.
func (d *EnergyDetector) HasSpeech(startSample, endSample uint64, threshold float64) bool {
	if base := d.ring.Base(); startSample < base {
		startSample = base
	}
	if head := d.ring.Head(); endSample > head {
		endSample = head
	}
	for pos := startSample; pos+frameSamples <= endSample; pos += frameSamples {
		if d.frameRMS(pos) > threshold {
			return true
		}
	}
	return false
}

// SilenceTail returns the seconds of continuous sub-threshold audio
// ending at the ring head, scanning at most a bounded span.
func (d *EnergyDetector) SilenceTail(threshold float64) float64 {
	head := d.ring.Head()
	base := d.ring.Base()

	maxFrames := int(maxTailScan * float64(d.sampleRate) / frameSamples)
	silent := 0
	for i := 0; i < maxFrames; i++ {
		off := uint64((i + 1) * frameSamples)
		if head < off || head-off < base {
			break
		}
		if d.frameRMS(head-off) > threshold {
			break
		}
		silent++
	}
	return float64(silent*frameSamples) / float64(d.sampleRate)
}

// frameRMS computes the RMS of one 20 ms frame starting at pos.
func (d *EnergyDetector) frameRMS(pos uint64) float64 {
	n, err := d.ring.ReadInto(pos, pos+frameSamples, d.scratch)
	if err != nil || n == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range d.scratch[:n] {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
