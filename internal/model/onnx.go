// ONNX Runtime sessions backing the Encoder and Joiner interfaces.
package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates the exported model pair and the runtime library.
type ONNXConfig struct {
	EncoderPath string
	JoinerPath  string
	LibraryPath string // optional explicit onnxruntime shared library
	Meta        Metadata
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initializes the process-wide ONNX Runtime environment.
func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXProvider hosts the encoder and joint sessions. Session access is
// serialized; the decode task is the only caller in steady state.
type ONNXProvider struct {
	meta Metadata

	mu      sync.Mutex
	encoder *ort.DynamicAdvancedSession
	joiner  *ort.DynamicAdvancedSession

	encInputs    []string
	encOutputs   []string
	jointInputs  []string
	jointOutputs []string
}

// NewONNXProvider loads both sessions. Input/output names come from
// model introspection; their declared order must follow the provider
// contract: encoder (audio_signal, length) -> (outputs, encoded_lengths)
// and joint (encoder_frame, targets, target_length, state1, state2) ->
// (logits, new_state1, new_state2).
func NewONNXProvider(cfg ONNXConfig) (*ONNXProvider, error) {
	if err := cfg.Meta.Validate(); err != nil {
		return nil, err
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	p := &ONNXProvider{meta: cfg.Meta}

	var err error
	p.encoder, p.encInputs, p.encOutputs, err = openSession(cfg.EncoderPath)
	if err != nil {
		return nil, fmt.Errorf("load encoder: %w", err)
	}
	p.joiner, p.jointInputs, p.jointOutputs, err = openSession(cfg.JoinerPath)
	if err != nil {
		_ = p.encoder.Destroy()
		return nil, fmt.Errorf("load joiner: %w", err)
	}
	if len(p.jointOutputs) < 3 {
		p.Close()
		return nil, fmt.Errorf("joiner model declares %d outputs, want logits plus two states", len(p.jointOutputs))
	}
	return p, nil
}

// openSession introspects one model file and opens a dynamic session
// over its declared inputs and outputs.
func openSession(path string) (*ort.DynamicAdvancedSession, []string, []string, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("inspect %q: %w", path, err)
	}
	inputs := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputs[i] = info.Name
	}
	outputs := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputs[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, options)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session %q: %w", path, err)
	}
	return session, inputs, outputs, nil
}

// Close releases both sessions.
func (p *ONNXProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encoder != nil {
		_ = p.encoder.Destroy()
		p.encoder = nil
	}
	if p.joiner != nil {
		_ = p.joiner.Destroy()
		p.joiner = nil
	}
}

// Encode runs the encoder session on one feature window.
func (p *ONNXProvider) Encode(features []float32, nMels, frames int, length int64) (Encoded, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encoder == nil {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: fmt.Errorf("session closed")}
	}

	featTensor, err := ort.NewTensor(ort.NewShape(1, int64(nMels), int64(frames)), features)
	if err != nil {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: err}
	}
	defer featTensor.Destroy()
	lengthTensor, err := ort.NewTensor(ort.NewShape(1), []int64{length})
	if err != nil {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: err}
	}
	defer lengthTensor.Destroy()

	outputs := make([]ort.Value, len(p.encOutputs))
	if err := p.encoder.Run([]ort.Value{featTensor, lengthTensor}, outputs); err != nil {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: err}
	}
	defer destroyAll(outputs)

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: fmt.Errorf("unexpected output tensor type")}
	}
	shape := outTensor.GetShape()
	if len(shape) != 3 {
		return Encoded{}, &InferenceError{Where: "encoder", Cause: fmt.Errorf("encoder output rank %d, want 3", len(shape))}
	}
	dim := int(shape[1])
	tEnc := int(shape[2])

	// Prefer the model-reported encoded length when present.
	if len(outputs) > 1 {
		if lenTensor, ok := outputs[1].(*ort.Tensor[int64]); ok {
			data := lenTensor.GetData()
			if len(data) > 0 && int(data[0]) > 0 && int(data[0]) <= tEnc {
				tEnc = int(data[0])
			}
		}
	}

	// Detach from the session tensor, re-striding when the valid frame
	// count trails the padded tensor width.
	full := outTensor.GetData()
	totalFrames := int(shape[2])
	enc := Encoded{Data: make([]float32, dim*tEnc), Dim: dim, Frames: tEnc}
	if tEnc == totalFrames {
		copy(enc.Data, full)
	} else {
		for d := 0; d < dim; d++ {
			copy(enc.Data[d*tEnc:(d+1)*tEnc], full[d*totalFrames:d*totalFrames+tEnc])
		}
	}
	return enc, nil
}

// DecodeStep runs one joint step. Output tensors are copied and
// released before returning.
func (p *ONNXProvider) DecodeStep(encFrame []float32, prevToken int32, s1, s2 []float32) (StepResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joiner == nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: fmt.Errorf("session closed")}
	}
	meta := p.meta

	frameTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(encFrame)), 1), encFrame)
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer frameTensor.Destroy()
	targetTensor, err := ort.NewTensor(ort.NewShape(1, 1), []int32{prevToken})
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer targetTensor.Destroy()
	targetLenTensor, err := ort.NewTensor(ort.NewShape(1), []int32{1})
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer targetLenTensor.Destroy()
	stateShape := ort.NewShape(int64(meta.PredLayers), 1, int64(meta.PredHidden))
	s1Tensor, err := ort.NewTensor(stateShape, s1)
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer s1Tensor.Destroy()
	s2Tensor, err := ort.NewTensor(stateShape, s2)
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer s2Tensor.Destroy()

	outputs := make([]ort.Value, len(p.jointOutputs))
	inputs := []ort.Value{frameTensor, targetTensor, targetLenTensor, s1Tensor, s2Tensor}
	if err := p.joiner.Run(inputs, outputs); err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	defer destroyAll(outputs)

	var res StepResult
	res.Logits, err = copyFloatOutput(outputs[0])
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	res.S1, err = copyFloatOutput(outputs[1])
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	res.S2, err = copyFloatOutput(outputs[2])
	if err != nil {
		return StepResult{}, &InferenceError{Where: "joiner", Cause: err}
	}
	return res, nil
}

// copyFloatOutput detaches one float32 output from its session tensor.
func copyFloatOutput(v ort.Value) ([]float32, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	data := tensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
