// Package tokenizer loads a SentencePiece-style vocabulary and decodes
// token id sequences into normalized text.
package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

const (
	blankPiece  = "<blk>"
	spaceMarker = "▁" // SentencePiece word-start marker
)

// Tokenizer maps token ids to vocabulary pieces.
type Tokenizer struct {
	pieces  []string
	blankID int32
}

// Load reads a vocabulary file with one `piece <ws> id` entry per line.
// The blank id comes from the <blk> entry, falling back to the last
// index when the vocabulary has none.
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary %q: %w", path, err)
	}
	defer f.Close()
	tok, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary %q: %w", path, err)
	}
	return tok, nil
}

// Parse reads vocabulary entries from r.
func Parse(r io.Reader) (*Tokenizer, error) {
	var pieces []string
	blank := int32(-1)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want `piece id`, got %q", line, text)
		}
		id, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("line %d: bad token id %q", line, fields[len(fields)-1])
		}
		piece := strings.Join(fields[:len(fields)-1], " ")
		for id >= len(pieces) {
			pieces = append(pieces, "")
		}
		pieces[id] = piece
		if piece == blankPiece {
			blank = int32(id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	if blank < 0 {
		blank = int32(len(pieces) - 1)
	}
	return &Tokenizer{pieces: pieces, blankID: blank}, nil
}

// FromPieces builds a tokenizer directly from an ordered piece list.
func FromPieces(pieces []string) *Tokenizer {
	blank := int32(len(pieces) - 1)
	for i, p := range pieces {
		if p == blankPiece {
			blank = int32(i)
		}
	}
	return &Tokenizer{pieces: append([]string(nil), pieces...), blankID: blank}
}

// BlankID returns the distinguished blank token id.
func (t *Tokenizer) BlankID() int32 {
	return t.blankID
}

// Size returns the vocabulary size.
func (t *Tokenizer) Size() int {
	return len(t.pieces)
}

// Piece returns the raw vocabulary piece for id, or "" when out of
// range.
func (t *Tokenizer) Piece(id int32) string {
	if id < 0 || int(id) >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

// Decode joins pieces into text: word-start markers become spaces, the
// leading space is trimmed, spaces before punctuation are removed, and
// whitespace runs collapse. Decoding already-decoded ids is idempotent.
func (t *Tokenizer) Decode(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}
	var b strings.Builder
	for _, id := range ids {
		if id == t.blankID {
			continue
		}
		b.WriteString(strings.ReplaceAll(t.Piece(id), spaceMarker, " "))
	}
	return normalize(b.String())
}

// normalize applies the joining rules shared by Decode and any text
// assembled from partial piece runs.
func normalize(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	var b strings.Builder
	b.Grow(len(collapsed))
	prevSpace := false
	for _, r := range collapsed {
		if r == ' ' {
			prevSpace = true
			continue
		}
		if prevSpace {
			if b.Len() > 0 && isWordRune(r) {
				b.WriteByte(' ')
			}
			prevSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isWordRune reports whether a space is preserved before r; punctuation
// attaches to the preceding word.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
