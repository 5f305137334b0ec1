// Package merge stitches overlapping window transcripts into one
// authoritative committed sequence plus a pending preview, using a
// longest-common-substring of token ids verified by frame-aligned
// times and arbitrated by log-probabilities.
package merge

import (
	"hash/fnv"
	"math"

	"github.com/rbright/skald/internal/decoder"
)

// Config tunes anchor acceptance and path arbitration.
type Config struct {
	AnchorLength  int     // minimum match length for a strong anchor
	TimeTolerance float64 // seconds of per-token drift an anchor may have
	SigmaFactor   float64 // vignette width as a fraction of window size
	FrameStride   float64 // seconds per encoder frame
}

// DefaultConfig returns the tuned merger parameters.
func DefaultConfig(frameStride float64) Config {
	return Config{
		AnchorLength:  3,
		TimeTolerance: 0.15,
		SigmaFactor:   0.25,
		FrameStride:   frameStride,
	}
}

// scored is a pending token plus the vignette weight it was annotated
// with when its window arrived.
type scored struct {
	tok    decoder.Token
	weight float64
}

type chunkSig struct {
	start   float64
	overlap float64
	hash    uint64
	count   int
}

// Merger holds the committed and pending token sequences. Confirmed is
// append-only; the mature cursor tracks the last committed time and
// never regresses.
type Merger struct {
	cfg Config

	confirmed []decoder.Token
	pending   []scored

	matureCursorTime float64
	lastSig          chunkSig
	haveSig          bool
}

// NewMerger returns an empty merger.
func NewMerger(cfg Config) *Merger {
	if cfg.AnchorLength <= 0 {
		cfg.AnchorLength = 3
	}
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = 0.15
	}
	if cfg.SigmaFactor <= 0 {
		cfg.SigmaFactor = 0.25
	}
	return &Merger{cfg: cfg}
}

// Confirmed returns the committed tokens. Callers must not mutate the
// returned slice.
func (m *Merger) Confirmed() []decoder.Token {
	return m.confirmed
}

// Pending returns the uncommitted preview tokens.
func (m *Merger) Pending() []decoder.Token {
	out := make([]decoder.Token, len(m.pending))
	for i, s := range m.pending {
		out[i] = s.tok
	}
	return out
}

// MatureCursorTime returns the committed/pending boundary in seconds.
func (m *Merger) MatureCursorTime() float64 {
	return m.matureCursorTime
}

// ProcessChunk merges one window's decode output. chunkStart is the
// window start in stream seconds; overlapDuration is the leading span
// of the window whose tokens are matched against pending, and tokens
// at or after chunkStart+overlapDuration become the new pending.
// Feeding the same chunk twice in a row is a no-op.
func (m *Merger) ProcessChunk(tokens []decoder.Token, chunkStart, overlapDuration float64) {
	sig := signatureOf(tokens, chunkStart, overlapDuration)
	if m.haveSig && sig == m.lastSig {
		return
	}
	m.lastSig = sig
	m.haveSig = true

	annotated := m.annotate(tokens, chunkStart)

	boundary := chunkStart + overlapDuration
	split := len(annotated)
	for i, s := range annotated {
		if s.tok.AbsTime >= boundary {
			split = i
			break
		}
	}
	overlap := annotated[:split]
	fresh := annotated[split:]

	switch {
	case len(m.pending) == 0:
		// First chunk: everything is preview.
		m.pending = annotated
	default:
		startX, startY, matchLen := longestCommonSubstring(m.pending, overlap)
		switch {
		case matchLen >= m.cfg.AnchorLength && m.anchorTimesAgree(startX, startY, matchLen, overlap):
			// Strong anchor: the windows agree through the match.
			m.commit(m.pending[:startX+matchLen])
		case matchLen > 0:
			// Weak anchor: commit the undisputed prefix, then the
			// better-scoring candidate path.
			m.commit(m.pending[:startX])
			prior := m.pending[startX : startX+matchLen]
			candidate := overlap[startY : startY+matchLen]
			if pathScore(candidate) > pathScore(prior) && !allZeroLogProbs(prior, candidate) {
				m.commit(candidate)
			} else {
				m.commit(prior)
			}
		default:
			// No shared audio reading: a discontinuity.
			m.commit(m.pending)
		}
		m.pending = fresh
	}

	if n := len(m.confirmed); n > 0 && m.confirmed[n-1].AbsTime > m.matureCursorTime {
		m.matureCursorTime = m.confirmed[n-1].AbsTime
	}
}

// FlushPending commits every pending token, used on silence timeout and
// finalize.
func (m *Merger) FlushPending() {
	if len(m.pending) == 0 {
		return
	}
	m.commit(m.pending)
	m.pending = nil
	if n := len(m.confirmed); n > 0 && m.confirmed[n-1].AbsTime > m.matureCursorTime {
		m.matureCursorTime = m.confirmed[n-1].AbsTime
	}
}

// Reset drops all state.
func (m *Merger) Reset() {
	m.confirmed = nil
	m.pending = nil
	m.matureCursorTime = 0
	m.haveSig = false
	m.lastSig = chunkSig{}
}

func (m *Merger) commit(path []scored) {
	for _, s := range path {
		m.confirmed = append(m.confirmed, s.tok)
	}
}

// annotate stamps absolute times from the chunk start and vignette
// weights emphasizing the window center.
func (m *Merger) annotate(tokens []decoder.Token, chunkStart float64) []scored {
	n := len(tokens)
	if n == 0 {
		return nil
	}
	mid := float64(n-1) / 2
	sigma := float64(n) * m.cfg.SigmaFactor
	denom := 2 * sigma * sigma

	out := make([]scored, n)
	for i, tok := range tokens {
		tok.AbsTime = chunkStart + float64(tok.FrameIndex)*m.cfg.FrameStride
		d := float64(i) - mid
		out[i] = scored{tok: tok, weight: math.Exp(-d * d / denom)}
	}
	return out
}

// anchorTimesAgree verifies that every matched pair lies within the
// physically plausible drift, guarding against id aliasing on common
// tokens.
func (m *Merger) anchorTimesAgree(startX, startY, matchLen int, overlap []scored) bool {
	for k := 0; k < matchLen; k++ {
		dt := m.pending[startX+k].tok.AbsTime - overlap[startY+k].tok.AbsTime
		if math.Abs(dt) > m.cfg.TimeTolerance {
			return false
		}
	}
	return true
}

// longestCommonSubstring finds the longest contiguous token-id match
// between x and y with single-pass 1-D dynamic programming.
func longestCommonSubstring(x, y []scored) (startX, startY, matchLen int) {
	if len(x) == 0 || len(y) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(y))
	cur := make([]int, len(y))
	for i := range x {
		for j := range y {
			if x[i].tok.ID != y[j].tok.ID {
				cur[j] = 0
				continue
			}
			run := 1
			if j > 0 {
				run = prev[j-1] + 1
			}
			cur[j] = run
			if run > matchLen {
				matchLen = run
				startX = i - run + 1
				startY = j - run + 1
			}
		}
		prev, cur = cur, prev
	}
	return startX, startY, matchLen
}

// pathScore is the vignette-weighted sum of token log-probabilities.
func pathScore(path []scored) float64 {
	score := 0.0
	for _, s := range path {
		score += float64(s.tok.LogProb) * s.weight
	}
	return score
}

// allZeroLogProbs reports whether both candidate paths carry no
// confidence signal, in which case the prior window's path wins.
func allZeroLogProbs(paths ...[]scored) bool {
	for _, path := range paths {
		for _, s := range path {
			if s.tok.LogProb != 0 {
				return false
			}
		}
	}
	return true
}

// signatureOf fingerprints one chunk for consecutive-duplicate
// suppression.
func signatureOf(tokens []decoder.Token, chunkStart, overlapDuration float64) chunkSig {
	h := fnv.New64a()
	var buf [8]byte
	for _, tok := range tokens {
		buf[0] = byte(tok.ID)
		buf[1] = byte(tok.ID >> 8)
		buf[2] = byte(tok.ID >> 16)
		buf[3] = byte(tok.ID >> 24)
		buf[4] = byte(tok.FrameIndex)
		buf[5] = byte(tok.FrameIndex >> 8)
		buf[6] = byte(tok.FrameIndex >> 16)
		buf[7] = byte(tok.FrameIndex >> 24)
		_, _ = h.Write(buf[:])
	}
	return chunkSig{start: chunkStart, overlap: overlapDuration, hash: h.Sum64(), count: len(tokens)}
}
