// Package feature maintains a hop-aligned ring of raw log-mel frames
// over absolute sample indices, decoupling normalization from storage
// so consumers can read differently sized windows from one store.
package feature

import (
	"github.com/rbright/skald/internal/mel"
	"github.com/rbright/skald/internal/ringbuf"
)

// View is one contiguous mel-major feature block covering T frames.
type View struct {
	Data       []float32
	T          int
	NMels      int
	StartFrame uint64
}

// Store computes mel frames incrementally from the audio ring and
// retains them keyed by absolute frame index. Frames are appended only
// once the audio needed for their full analysis window has arrived, so
// a retained frame never changes.
type Store struct {
	engine *mel.Engine
	ring   *ringbuf.Buffer[float32] // flattened frames, nMels values each

	nextFrame uint64 // absolute index of the next frame to compute

	// Streaming scratch, reused across CatchUp calls.
	samples    []float32
	emphasized []float64
	frame      []float64
	vals       []float32
}

// NewStore sizes the mel ring to capacityFrames frames.
func NewStore(engine *mel.Engine, capacityFrames int) *Store {
	cfg := engine.Config()
	return &Store{
		engine:     engine,
		ring:       ringbuf.New[float32](capacityFrames * cfg.NMels),
		samples:    make([]float32, cfg.NFFT+cfg.HopLength+1),
		emphasized: make([]float64, cfg.NFFT+cfg.HopLength+1),
		frame:      make([]float64, cfg.NFFT),
		vals:       make([]float32, cfg.NMels),
	}
}

// ComputedFrames returns the absolute frame index one past the newest
// retained frame.
func (s *Store) ComputedFrames() uint64 {
	return s.nextFrame
}

// CatchUp computes every frame whose analysis window is fully covered
// by audio below the ring head and appends it to the store. Frames
// whose source audio was already evicted are skipped.
func (s *Store) CatchUp(audio *ringbuf.Buffer[float32]) {
	cfg := s.engine.Config()
	pad := uint64(cfg.NFFT / 2)
	hop := uint64(cfg.HopLength)

	head := audio.Head()
	if head < pad+1 {
		return
	}
	// Frame t is stable once samples through t*hop+pad exist (the +1
	// covers the start-of-stream reflection, which reaches one sample
	// past the window).
	stable := (head-pad-1)/hop + 1

	for t := s.nextFrame; t < stable; t++ {
		if !s.computeFrame(audio, t) {
			// Source audio evicted before the frame was computed. Keep
			// the frame-index-to-ring alignment intact with a silent
			// placeholder; the range will age out of the ring anyway.
			for i := range s.vals {
				s.vals[i] = 0
			}
			s.ring.Write(s.vals)
		}
		s.nextFrame = t + 1
	}
}

// computeFrame appends frame t, reading its window (plus one carry
// sample for pre-emphasis) from the audio ring. Returns false when the
// required audio range is no longer available.
func (s *Store) computeFrame(audio *ringbuf.Buffer[float32], t uint64) bool {
	cfg := s.engine.Config()
	pad := cfg.NFFT / 2
	hop := cfg.HopLength

	// Absolute sample range [lo, hi) backing this frame, clamped at the
	// stream start where the window reflects about sample zero.
	winStart := int64(t)*int64(hop) - int64(pad)
	lo := winStart - 1 // one extra sample carries pre-emphasis state
	if lo < 0 {
		lo = 0
	}
	hi := int64(t)*int64(hop) + int64(pad)
	// The start-of-stream reflection can reach one sample past the
	// nominal window end.
	if reach := -winStart + 1; winStart < 0 && reach > hi {
		hi = reach
	}

	if uint64(lo) < audio.Base() {
		return false
	}
	n := int(hi - lo)
	if _, err := audio.ReadInto(uint64(lo), uint64(hi), s.samples[:n]); err != nil {
		return false
	}

	var carry float32
	src := s.samples[:n]
	if lo > 0 {
		carry = src[0]
		src = src[1:]
	}
	emph := s.emphasized[:len(src)]
	mel.Emphasize(emph, src, carry)

	// Assemble the window; indices before the stream start reflect.
	srcStart := lo
	if lo > 0 {
		srcStart = lo + 1
	}
	for i := 0; i < cfg.NFFT; i++ {
		abs := winStart + int64(i)
		if abs < 0 {
			abs = -abs
		}
		s.frame[i] = emph[abs-srcStart]
	}
	s.engine.ProcessFrame(s.frame, s.vals)
	s.ring.Write(s.vals)
	return true
}

// GetFeatures returns the mel frames covering [startSample, endSample)
// or nil when the range has been evicted or not yet computed. When
// normalized is true the view carries CMVN features over exactly the
// returned range; otherwise raw log-mel, for visualization and debug.
func (s *Store) GetFeatures(startSample, endSample uint64, normalized bool) *View {
	cfg := s.engine.Config()
	hop := uint64(cfg.HopLength)
	nMels := cfg.NMels

	startFrame := startSample / hop
	endFrame := (endSample + hop - 1) / hop
	if endFrame > s.nextFrame {
		endFrame = s.nextFrame
	}
	if endFrame <= startFrame {
		return nil
	}

	lo := startFrame * uint64(nMels)
	hi := endFrame * uint64(nMels)
	flat, err := s.ring.Read(lo, hi)
	if err != nil {
		return nil
	}

	// Transpose frame-major storage into the mel-major decode layout.
	t := int(endFrame - startFrame)
	data := make([]float32, len(flat))
	for f := 0; f < t; f++ {
		for m := 0; m < nMels; m++ {
			data[m*t+f] = flat[f*nMels+m]
		}
	}
	if normalized {
		mel.NormalizeInto(data, data, nMels, t)
	}
	return &View{Data: data, T: t, NMels: nMels, StartFrame: startFrame}
}

// Reset empties the store and rewinds the frame cursor.
func (s *Store) Reset() {
	s.ring.Reset()
	s.nextFrame = 0
}
