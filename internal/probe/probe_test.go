package probe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/skald/internal/config"
)

func loadedWithModel(t *testing.T, encoder, joiner, vocab string) config.Loaded {
	t.Helper()
	cfg := config.Default()
	cfg.Model.EncoderPath = encoder
	cfg.Model.JoinerPath = joiner
	cfg.Model.VocabPath = vocab
	return config.Loaded{Path: "test", Config: cfg, Exists: true}
}

func TestRunPassesWithCompleteModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	encoder := filepath.Join(dir, "encoder.onnx")
	joiner := filepath.Join(dir, "joiner.onnx")
	vocab := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(encoder, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(joiner, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(vocab, []byte("▁a 0\n<blk> 1\n"), 0o600))

	report := Run(loadedWithModel(t, encoder, joiner, vocab))
	require.True(t, report.OK(), report.String())
	require.Contains(t, report.String(), "blank id 1")
}

func TestRunFailsOnMissingFiles(t *testing.T) {
	t.Parallel()

	report := Run(loadedWithModel(t, "/does/not/exist.onnx", "", ""))
	require.False(t, report.OK())
	require.Contains(t, report.String(), "[FAIL]")
}

func TestRunFailsOnBadVocabulary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	vocab := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(vocab, []byte("broken\n"), 0o600))

	report := Run(loadedWithModel(t, "", "", vocab))
	require.False(t, report.OK())
}
