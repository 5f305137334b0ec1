package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(Default()))
}

func TestValidateRejectsNonPowerOfTwoFFT(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Mel.NFFT = 500
	err := Validate(cfg)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "mel.n_fft", cfgErr.Field)
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Stream.MinWindowSec = -1
	err := Validate(cfg)

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "stream.min_window_sec", cfgErr.Field)
}

func TestValidateRejectsUndersizedAudioRing(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Stream.AudioRingSec = cfg.Stream.WindowSec / 2
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownMelCount(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Model.NMels = 64
	require.Error(t, Validate(cfg))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	loaded, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"stream": {"window_sec": 5, "max_window_sec": 5, "audio_ring_sec": 20}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.InDelta(t, 5.0, loaded.Config.Stream.WindowSec, 1e-9)
	// Untouched sections keep their defaults.
	require.Equal(t, Default().Model, loaded.Config.Model)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bogus": true}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mel": {"n_fft": 500}}`), 0o600))

	_, err := Load(path)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestResolvePathPrefersExplicit(t *testing.T) {
	path, err := ResolvePath("/tmp/custom.json")
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom.json", path)
}

func TestResolvePathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/xdg/skald/config.json", path)
}
