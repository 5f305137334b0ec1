// Package decoder implements greedy Token-and-Duration Transducer
// decoding over encoded frames, with LSTM state snapshots and an
// incremental prefix-keyed state cache.
package decoder

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rbright/skald/internal/model"
	"github.com/rbright/skald/internal/tokenizer"
)

// MaxTokensPerStep bounds how many tokens may be emitted on one
// encoder frame before time is forced forward.
const MaxTokensPerStep = 10

// Token is one emitted vocabulary token. Tokens are created only here
// and never mutated after emission.
type Token struct {
	ID         int32
	FrameIndex int
	AbsTime    float64
	LogProb    float32
	Text       string
	TDTStep    uint8
}

// State is the prediction-network LSTM state pair, shape [L, 1, H]
// flattened. Snapshots are deep copies; a snapshot never aliases the
// live decode state.
type State struct {
	S1 []float32
	S2 []float32
}

// NewState returns a zeroed state for the given network shape.
func NewState(layers, hidden int) *State {
	n := layers * hidden
	return &State{S1: make([]float32, n), S2: make([]float32, n)}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{S1: make([]float32, len(s.S1)), S2: make([]float32, len(s.S2))}
	copy(out.S1, s.S1)
	copy(out.S2, s.S2)
	return out
}

// Incremental requests prefix-cached decoding: on a cache hit the loop
// starts past the already-decoded left context.
type Incremental struct {
	CacheKey      string
	PrefixSeconds float64
}

// Options controls one Decode call.
type Options struct {
	ReturnFrameIndices bool
	ReturnLogProbs     bool
	ReturnTDTSteps     bool
	PreviousState      *State
	TimeOffset         float64 // seconds of the window start
	Incremental        *Incremental
}

// Metrics reports per-decode work counters.
type Metrics struct {
	EncoderFrames int
	JoinerCalls   int
	StartFrame    int
	CacheHit      bool
}

// Result is one decode outcome. FinalState is the live state after the
// last frame, usable as PreviousState for a continuation.
type Result struct {
	Tokens     []Token
	Metrics    Metrics
	FinalState *State
}

type cacheEntry struct {
	state        *State
	prefixFrames int
	encDim       int
}

// Core drives the external encoder and joiner sessions through the TDT
// greedy loop. It exclusively owns the live decode state; failures from
// the sessions leave cached snapshots untouched.
type Core struct {
	encoder model.Encoder
	joiner  model.Joiner
	tok     *tokenizer.Tokenizer
	meta    model.Metadata
	cache   *lru.Cache[string, cacheEntry]
}

// NewCore validates metadata and builds a core with a bounded LRU
// prefix-state cache.
func NewCore(encoder model.Encoder, joiner model.Joiner, tok *tokenizer.Tokenizer, meta model.Metadata, cacheSize int) (*Core, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 8
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("decoder cache: %w", err)
	}
	return &Core{encoder: encoder, joiner: joiner, tok: tok, meta: meta, cache: cache}, nil
}

// ClearCache drops all prefix-state snapshots.
func (c *Core) ClearCache() {
	c.cache.Purge()
}

// Decode encodes one feature window and runs the greedy loop. Empty
// features produce an empty result, not an error; session failures
// propagate unwrapped.
func (c *Core) Decode(features []float32, nMels, frames int, length int64, opts Options) (Result, error) {
	if len(features) == 0 || frames <= 0 || length <= 0 {
		return Result{}, nil
	}

	encoded, err := c.encoder.Encode(features, nMels, frames, length)
	if err != nil {
		return Result{}, err
	}
	tEnc := encoded.Frames
	if tEnc <= 0 || encoded.Dim <= 0 {
		return Result{}, nil
	}

	stride := c.meta.FrameStride()
	vocab := c.meta.VocabSize
	bins := c.meta.DurationBins
	blank := c.meta.BlankID

	// Resolve the starting frame and state from the prefix cache.
	startFrame := 0
	var state *State
	var key string
	prefixFrames := 0
	snapshotPending := false
	hit := false
	if inc := opts.Incremental; inc != nil && inc.CacheKey != "" {
		key = inc.CacheKey
		prefixFrames = int(math.Floor(inc.PrefixSeconds/stride + 1e-9))
		if prefixFrames < 0 {
			prefixFrames = 0
		}
		if prefixFrames > tEnc {
			prefixFrames = tEnc
		}
		if prefixFrames > 0 {
			if entry, ok := c.cache.Get(key); ok && entry.prefixFrames == prefixFrames && entry.encDim == encoded.Dim {
				state = entry.state.Clone()
				startFrame = prefixFrames
				hit = true
			} else {
				snapshotPending = true
			}
		}
	}
	if state == nil {
		if opts.PreviousState != nil {
			state = opts.PreviousState.Clone()
		} else {
			state = NewState(c.meta.PredLayers, c.meta.PredHidden)
		}
	}

	res := Result{Metrics: Metrics{EncoderFrames: tEnc, StartFrame: startFrame, CacheHit: hit}}

	prev := blank
	emitted := 0
	frame := make([]float32, encoded.Dim)

	for t := startFrame; t < tEnc; {
		if snapshotPending && t >= prefixFrames {
			c.cache.Add(key, cacheEntry{state: state.Clone(), prefixFrames: prefixFrames, encDim: encoded.Dim})
			snapshotPending = false
		}

		encoded.Frame(t, frame)
		step, err := c.joiner.DecodeStep(frame, prev, state.S1, state.S2)
		if err != nil {
			return Result{}, err
		}
		res.Metrics.JoinerCalls++
		if len(step.Logits) < vocab+bins {
			return Result{}, &model.InferenceError{
				Where: "joiner",
				Cause: fmt.Errorf("logits length %d, want at least %d", len(step.Logits), vocab+bins),
			}
		}

		tokenLogits := step.Logits[:vocab]
		maxID := int32(argmax(tokenLogits))
		dur := argmax(step.Logits[vocab : vocab+bins])

		if maxID != blank {
			tok := Token{ID: maxID, AbsTime: opts.TimeOffset + float64(t)*stride, Text: c.tok.Piece(maxID)}
			if opts.ReturnFrameIndices {
				tok.FrameIndex = t
			}
			if opts.ReturnLogProbs {
				tok.LogProb = logSoftmaxAt(tokenLogits, maxID)
			}
			if opts.ReturnTDTSteps {
				tok.TDTStep = uint8(dur)
			}
			res.Tokens = append(res.Tokens, tok)
			// Adopt the candidate state only on a non-blank emission.
			state.S1 = step.S1
			state.S2 = step.S2
			prev = maxID
			emitted++
		}

		switch {
		case dur > 0:
			t += dur
			emitted = 0
		case maxID == blank || emitted >= MaxTokensPerStep:
			t++
			emitted = 0
		}
		// Otherwise stay on the same frame to emit another token.
	}

	if snapshotPending {
		c.cache.Add(key, cacheEntry{state: state.Clone(), prefixFrames: prefixFrames, encDim: encoded.Dim})
	}
	res.FinalState = state
	return res, nil
}

// argmax returns the index of the largest value, preferring the lowest
// index on ties.
func argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// logSoftmaxAt computes the log-probability of index i under a softmax
// over logits.
func logSoftmaxAt(logits []float32, i int32) float32 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(float64(v - maxVal))
	}
	return logits[i] - maxVal - float32(math.Log(sum))
}
