// Package model defines the neural provider boundary: an opaque
// encoder and a joint prediction/joiner step, plus the out-of-band
// metadata describing a loaded model.
package model

import "fmt"

// Metadata describes one TDT model, supplied out-of-band with the
// model files.
type Metadata struct {
	NMels        int     // mel bins the encoder expects (80 or 128)
	Subsampling  int     // encoder time subsampling factor S
	WindowStride float64 // seconds per mel hop (HOP / sample rate)
	VocabSize    int     // token vocabulary size including blank
	BlankID      int32
	PredHidden   int // prediction network hidden size H
	PredLayers   int // prediction network LSTM layers L
	DurationBins int // TDT duration classes K
	EncoderDim   int // encoder output dimension D
}

// FrameStride returns seconds per encoder frame.
func (m Metadata) FrameStride() float64 {
	return m.WindowStride * float64(m.Subsampling)
}

// Validate reports the first malformed metadata field.
func (m Metadata) Validate() error {
	switch {
	case m.NMels <= 0:
		return fmt.Errorf("model metadata: n_mels %d must be positive", m.NMels)
	case m.Subsampling <= 0:
		return fmt.Errorf("model metadata: subsampling %d must be positive", m.Subsampling)
	case m.WindowStride <= 0:
		return fmt.Errorf("model metadata: window stride %g must be positive", m.WindowStride)
	case m.VocabSize <= 0:
		return fmt.Errorf("model metadata: vocab size %d must be positive", m.VocabSize)
	case m.BlankID < 0 || int(m.BlankID) >= m.VocabSize:
		return fmt.Errorf("model metadata: blank id %d outside vocabulary of %d", m.BlankID, m.VocabSize)
	case m.PredHidden <= 0 || m.PredLayers <= 0:
		return fmt.Errorf("model metadata: prediction network shape [%d, %d] invalid", m.PredLayers, m.PredHidden)
	case m.DurationBins <= 0:
		return fmt.Errorf("model metadata: duration bins %d must be positive", m.DurationBins)
	}
	return nil
}

// Encoded is one encoder output block in dimension-major layout
// (Data[d*Frames+t]), matching the [1, D, T_enc] tensor it came from.
type Encoded struct {
	Data   []float32
	Dim    int
	Frames int
}

// Frame copies encoder frame t into out, which must hold Dim values.
func (e Encoded) Frame(t int, out []float32) {
	for d := 0; d < e.Dim; d++ {
		out[d] = e.Data[d*e.Frames+t]
	}
}

// StepResult is one joint network step: fused token+duration logits
// (V token entries followed by K duration entries) and the successor
// LSTM state.
type StepResult struct {
	Logits []float32
	S1     []float32
	S2     []float32
}

// Encoder maps normalized mel features [1, nMels, frames] to encoded
// frames. length is the valid frame count the DSP reported, which may
// trail the padded frame total by one.
type Encoder interface {
	Encode(features []float32, nMels, frames int, length int64) (Encoded, error)
}

// Joiner runs one prediction/joiner step from an encoder frame, the
// previous non-blank token, and the LSTM state pair.
type Joiner interface {
	DecodeStep(encFrame []float32, prevToken int32, s1, s2 []float32) (StepResult, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(features []float32, nMels, frames int, length int64) (Encoded, error)

func (f EncoderFunc) Encode(features []float32, nMels, frames int, length int64) (Encoded, error) {
	return f(features, nMels, frames, length)
}

// JoinerFunc adapts a function to the Joiner interface.
type JoinerFunc func(encFrame []float32, prevToken int32, s1, s2 []float32) (StepResult, error)

func (f JoinerFunc) DecodeStep(encFrame []float32, prevToken int32, s1, s2 []float32) (StepResult, error) {
	return f(encFrame, prevToken, s1, s2)
}

// InferenceError wraps a failure from an external inference session.
type InferenceError struct {
	Where string // "encoder" or "joiner"
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed in %s: %v", e.Where, e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}
