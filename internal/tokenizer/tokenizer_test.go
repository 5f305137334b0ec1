package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDiscoverBlankByPiece(t *testing.T) {
	t.Parallel()

	tok, err := Parse(strings.NewReader("▁hello 0\n▁world 1\n<blk> 2\n"))
	require.NoError(t, err)
	require.Equal(t, int32(2), tok.BlankID())
	require.Equal(t, 3, tok.Size())
}

func TestParseBlankFallsBackToLastIndex(t *testing.T) {
	t.Parallel()

	tok, err := Parse(strings.NewReader("▁a 0\nb 1\nc 2\n"))
	require.NoError(t, err)
	require.Equal(t, int32(2), tok.BlankID())
}

func TestParseRejectsMalformedLine(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("justonepiece\n"))
	require.Error(t, err)
}

func TestParseRejectsEmptyVocabulary(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("\n\n"))
	require.Error(t, err)
}

func TestDecodeJoinsPieces(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁it", "'s", "▁no", "w"})
	require.Equal(t, "it's no w", tok.Decode([]int32{1, 2, 3, 4}))
}

func TestDecodeTrimsLeadingSpace(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁hello", "▁world"})
	require.Equal(t, "hello world", tok.Decode([]int32{1, 2}))
}

func TestDecodeRemovesSpaceBeforePunctuation(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁yes", "▁,", "▁sir", "▁."})
	require.Equal(t, "yes, sir.", tok.Decode([]int32{1, 2, 3, 4}))
}

func TestDecodeSkipsBlank(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁a", "▁b"})
	require.Equal(t, "a b", tok.Decode([]int32{1, 0, 2}))
}

func TestDecodeEmptyInput(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁a"})
	require.Empty(t, tok.Decode(nil))
}

func TestDecodeCollapsesWhitespaceRuns(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "▁▁a", "▁▁▁b"})
	require.Equal(t, "a b", tok.Decode([]int32{1, 2}))
}

func TestSimpleVocabularyDecodesAB(t *testing.T) {
	t.Parallel()

	tok := FromPieces([]string{"<blk>", "A", "B"})
	require.Equal(t, int32(0), tok.BlankID())
	require.Equal(t, "AB", tok.Decode([]int32{1, 2}))
}
