// Package mel computes log-mel spectrogram features with per-feature
// CMVN and prefix-reuse support for overlapping streaming windows.
package mel

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
)

const (
	preEmphasis = 0.97
	logFloor    = 1.0 / (1 << 24)
	cmvnEpsilon = 1e-5

	// BoundaryFrames is the safety margin recomputed at the seam of
	// cached and fresh audio to absorb STFT framing effects.
	BoundaryFrames = 3
)

// Config fixes the DSP geometry of one engine instance.
type Config struct {
	SampleRate int
	NFFT       int
	HopLength  int
	WinLength  int
	NMels      int
	FMin       float64
	FMax       float64
}

// DefaultConfig returns the Parakeet preprocessing geometry for the
// given mel bin count (80 or 128).
func DefaultConfig(nMels int) Config {
	return Config{
		SampleRate: 16000,
		NFFT:       512,
		HopLength:  160,
		WinLength:  400,
		NMels:      nMels,
		FMin:       0,
		FMax:       8000,
	}
}

// RawMel holds pre-CMVN log-mel frames in mel-major layout
// (Data[m*NFrames+t]). Length is the hop-derived valid frame count the
// encoder receives; NFrames may exceed it by one STFT padding frame.
type RawMel struct {
	Data    []float32
	NMels   int
	NFrames int
	Length  int
}

// Result holds CMVN-normalized features in the same layout as RawMel.
type Result struct {
	Features []float32
	NMels    int
	NFrames  int
	Length   int
}

type melFilter struct {
	start   int
	weights []float64
}

// Engine is a deterministic log-mel pipeline: pre-emphasis, reflected
// framing, Hann window, radix-2 FFT in float64, power spectrum, Slaney
// mel projection, log with floor, per-feature CMVN. Identical input
// yields bit-identical output.
type Engine struct {
	cfg     Config
	window  []float64 // NFFT-long, Hann(WinLength) centered
	filters []melFilter
}

// NewEngine validates the configured geometry and precomputes the
// window and filterbank. A non-power-of-two NFFT is a construction
// error, never a runtime one.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NFFT <= 0 || cfg.NFFT&(cfg.NFFT-1) != 0 {
		return nil, fmt.Errorf("mel: NFFT %d is not a power of two", cfg.NFFT)
	}
	if cfg.WinLength <= 0 || cfg.WinLength > cfg.NFFT {
		return nil, fmt.Errorf("mel: window length %d exceeds NFFT %d", cfg.WinLength, cfg.NFFT)
	}
	if cfg.HopLength <= 0 {
		return nil, fmt.Errorf("mel: hop length %d must be positive", cfg.HopLength)
	}
	if cfg.NMels <= 0 {
		return nil, fmt.Errorf("mel: mel bin count %d must be positive", cfg.NMels)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("mel: sample rate %d must be positive", cfg.SampleRate)
	}
	fMax := cfg.FMax
	if fMax <= 0 {
		fMax = float64(cfg.SampleRate) / 2
	}
	e := &Engine{cfg: cfg}
	e.window = centeredHann(cfg.WinLength, cfg.NFFT)
	e.filters = slaneyFilterbank(cfg.NMels, cfg.NFFT, cfg.SampleRate, cfg.FMin, fMax)
	return e, nil
}

// Config returns the engine geometry.
func (e *Engine) Config() Config {
	return e.cfg
}

// Process runs the full pipeline: raw log-mel plus CMVN. Empty or
// too-short audio yields a zero-length result, not an error.
func (e *Engine) Process(audio []float32) Result {
	return e.Normalize(e.ComputeRawMel(audio, 0))
}

// ComputeRawMel computes pre-CMVN log-mel frames, skipping FFT work
// for frames below startFrame; skipped slots are zeroed in the output.
// Callers reusing cached frames must overwrite at least everything
// below startFrame and may trust all but the trailing BoundaryFrames
// of their cache.
func (e *Engine) ComputeRawMel(audio []float32, startFrame int) RawMel {
	cfg := e.cfg
	if len(audio) == 0 {
		return RawMel{NMels: cfg.NMels}
	}

	length := len(audio) / cfg.HopLength

	// Pre-emphasis in float64 so framing below sees one numeric domain.
	emphasized := make([]float64, len(audio))
	Emphasize(emphasized, audio, 0)

	pad := cfg.NFFT / 2
	nFrames := len(audio)/cfg.HopLength + 1

	raw := RawMel{
		Data:    make([]float32, cfg.NMels*nFrames),
		NMels:   cfg.NMels,
		NFrames: nFrames,
		Length:  length,
	}
	if startFrame < 0 {
		startFrame = 0
	}
	if startFrame >= nFrames {
		return raw
	}

	frame := make([]float64, cfg.NFFT)
	vals := make([]float32, cfg.NMels)
	for t := startFrame; t < nFrames; t++ {
		center := t * cfg.HopLength // sample index aligned with pad offset
		for i := 0; i < cfg.NFFT; i++ {
			frame[i] = sampleReflected(emphasized, center-pad+i)
		}
		e.ProcessFrame(frame, vals)
		for m, v := range vals {
			raw.Data[m*nFrames+t] = v
		}
	}
	return raw
}

// ProcessFrame converts one NFFT-long run of emphasized samples into a
// raw log-mel vector of NMels values. frame is scaled by the analysis
// window in place.
func (e *Engine) ProcessFrame(frame []float64, out []float32) {
	for i := range frame {
		frame[i] *= e.window[i]
	}
	spectrum := fft.FFTReal(frame)
	power := make([]float32, e.cfg.NFFT/2+1)
	for k := range power {
		re := real(spectrum[k])
		im := imag(spectrum[k])
		power[k] = float32(re*re + im*im)
	}
	for m, filt := range e.filters {
		sum := 0.0
		for j, w := range filt.weights {
			sum += w * float64(power[filt.start+j])
		}
		out[m] = float32(math.Log(sum + logFloor))
	}
}

// Emphasize applies the pre-emphasis filter into dst with an explicit
// previous-sample carry so streaming callers can continue a run. A zero
// carry reproduces the window-local y[0] = x[0] convention.
func Emphasize(dst []float64, src []float32, prev float32) {
	p := float64(prev)
	for n, x := range src {
		dst[n] = float64(x) - preEmphasis*p
		p = float64(x)
	}
}

// Normalize applies per-feature CMVN over the full frame range using
// Bessel-corrected variance. Single-frame input normalizes to zero.
func (e *Engine) Normalize(raw RawMel) Result {
	res := Result{
		NMels:   raw.NMels,
		NFrames: raw.NFrames,
		Length:  raw.Length,
	}
	if raw.NFrames == 0 {
		return res
	}
	res.Features = make([]float32, len(raw.Data))
	if raw.NFrames == 1 {
		return res
	}
	NormalizeInto(res.Features, raw.Data, raw.NMels, raw.NFrames)
	return res
}

// NormalizeInto standardizes each mel row of src across nFrames frames
// and writes the result to dst. dst and src may alias.
func NormalizeInto(dst, src []float32, nMels, nFrames int) {
	if nFrames <= 1 {
		for i := range dst[:nMels*nFrames] {
			dst[i] = 0
		}
		return
	}
	for m := 0; m < nMels; m++ {
		row := src[m*nFrames : (m+1)*nFrames]
		mean := 0.0
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(nFrames)

		variance := 0.0
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(nFrames - 1)

		scale := 1.0 / (math.Sqrt(variance) + cmvnEpsilon)
		out := dst[m*nFrames : (m+1)*nFrames]
		for i, v := range row {
			out[i] = float32((float64(v) - mean) * scale)
		}
	}
}

// sampleReflected reads x[i] with symmetric (no edge repeat) reflection
// outside [0, len(x)).
func sampleReflected(x []float64, i int) float64 {
	n := len(x)
	if n == 1 {
		return x[0]
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return x[i]
}

// centeredHann embeds a symmetric Hann window of winLength inside an
// nFFT-long frame with equal zero padding on both sides.
func centeredHann(winLength, nFFT int) []float64 {
	window := make([]float64, nFFT)
	offset := (nFFT - winLength) / 2
	if winLength == 1 {
		window[offset] = 1
		return window
	}
	for i := 0; i < winLength; i++ {
		window[offset+i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(winLength-1)))
	}
	return window
}

// slaneyFilterbank builds sparse triangular mel filters with Slaney
// area normalization over nFFT/2+1 linear frequency bins.
func slaneyFilterbank(nMels, nFFT, sampleRate int, fMin, fMax float64) []melFilter {
	nBins := nFFT/2 + 1
	binHz := float64(sampleRate) / float64(nFFT)

	melMin := hzToMel(fMin)
	melMax := hzToMel(fMax)
	freqPoints := make([]float64, nMels+2)
	for i := range freqPoints {
		m := melMin + (melMax-melMin)*float64(i)/float64(nMels+1)
		freqPoints[i] = melToHz(m)
	}

	filters := make([]melFilter, nMels)
	for m := 0; m < nMels; m++ {
		lower := freqPoints[m]
		center := freqPoints[m+1]
		upper := freqPoints[m+2]
		enorm := 2.0 / (upper - lower)

		start := -1
		var weights []float64
		for k := 0; k < nBins; k++ {
			f := float64(k) * binHz
			rising := (f - lower) / (center - lower)
			falling := (upper - f) / (upper - center)
			w := math.Min(rising, falling)
			if w <= 0 {
				if start >= 0 {
					break
				}
				continue
			}
			if start < 0 {
				start = k
			}
			weights = append(weights, w*enorm)
		}
		if start < 0 {
			start = 0
		}
		filters[m] = melFilter{start: start, weights: weights}
	}
	return filters
}

// hzToMel converts Hz to the Slaney mel scale (linear below 1 kHz,
// logarithmic above).
func hzToMel(f float64) float64 {
	const (
		fSp      = 200.0 / 3.0
		minLogHz = 1000.0
	)
	if f < minLogHz {
		return f / fSp
	}
	logStep := math.Log(6.4) / 27.0
	return minLogHz/fSp + math.Log(f/minLogHz)/logStep
}

// melToHz is the inverse of hzToMel.
func melToHz(m float64) float64 {
	const (
		fSp       = 200.0 / 3.0
		minLogMel = 1000.0 / fSp
	)
	if m < minLogMel {
		return m * fSp
	}
	logStep := math.Log(6.4) / 27.0
	return 1000.0 * math.Exp(logStep*(m-minLogMel))
}
