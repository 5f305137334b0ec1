// Package window carves fixed-duration overlapping inference windows
// out of the audio ring, governed by the mature cursor.
package window

// Window is one absolute sample range to decode.
type Window struct {
	StartSample uint64
	EndSample   uint64
}

// Config bounds window selection, all durations in seconds.
type Config struct {
	SampleRate       int
	WindowDuration   float64
	MinDuration      float64
	FirstMinDuration float64 // relaxed minimum before the first window
	MaxDuration      float64
	SafetyMargin     float64 // audio re-read before the mature cursor
}

// Builder tracks the mature cursor and produces the next window to
// decode. The cursor is monotone non-decreasing and doubles as the
// eviction threshold for audio behind it.
type Builder struct {
	cfg   Config
	first bool

	matureCursorSample uint64
}

// NewBuilder starts with the cursor at zero and first-window rules
// active.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg, first: true}
}

// MatureCursorSample returns the absolute sample of the cursor.
func (b *Builder) MatureCursorSample() uint64 {
	return b.matureCursorSample
}

// MatureCursorTime returns the cursor in seconds.
func (b *Builder) MatureCursorTime() float64 {
	return float64(b.matureCursorSample) / float64(b.cfg.SampleRate)
}

// AdvanceMatureCursorByTime moves the cursor forward to t seconds.
// Regressions are ignored so the cursor stays monotone.
func (b *Builder) AdvanceMatureCursorByTime(t float64) {
	if t <= 0 {
		return
	}
	sample := uint64(t * float64(b.cfg.SampleRate))
	if sample > b.matureCursorSample {
		b.matureCursorSample = sample
	}
}

// Next selects the window ending at headSample, or reports false when
// the available audio is still shorter than the applicable minimum.
func (b *Builder) Next(baseSample, headSample uint64) (Window, bool) {
	rate := float64(b.cfg.SampleRate)
	windowSamples := uint64(b.cfg.WindowDuration * rate)
	marginSamples := uint64(b.cfg.SafetyMargin * rate)

	start := uint64(0)
	if headSample > windowSamples {
		start = headSample - windowSamples
	}
	if b.matureCursorSample > marginSamples {
		if cursorStart := b.matureCursorSample - marginSamples; cursorStart > start {
			start = cursorStart
		}
	}
	if start < baseSample {
		start = baseSample
	}
	if start >= headSample {
		return Window{}, false
	}

	minDur := b.cfg.MinDuration
	if b.first {
		minDur = b.cfg.FirstMinDuration
	}
	duration := float64(headSample-start) / rate
	if duration < minDur {
		return Window{}, false
	}
	if max := b.cfg.MaxDuration; max > 0 && duration > max {
		start = headSample - uint64(max*rate)
	}

	b.first = false
	return Window{StartSample: start, EndSample: headSample}, true
}

// Reset rewinds the cursor and restores first-window rules.
func (b *Builder) Reset() {
	b.matureCursorSample = 0
	b.first = true
}
