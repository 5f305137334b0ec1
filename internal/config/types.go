// Package config resolves, parses, validates, and defaults skald
// configuration.
package config

import "fmt"

// Config is the fully materialized runtime configuration used by skald.
type Config struct {
	Model  ModelConfig  `json:"model"`
	Audio  AudioConfig  `json:"audio"`
	Mel    MelConfig    `json:"mel"`
	Stream StreamConfig `json:"stream"`
	Merger MergerConfig `json:"merger"`
	Log    LogConfig    `json:"log"`
}

// ModelConfig locates the exported model files and fixes the metadata
// supplied out-of-band with them.
type ModelConfig struct {
	EncoderPath  string `json:"encoder_path"`
	JoinerPath   string `json:"joiner_path"`
	VocabPath    string `json:"vocab_path"`
	LibraryPath  string `json:"onnxruntime_library"`
	NMels        int    `json:"n_mels"`
	Subsampling  int    `json:"subsampling"`
	PredHidden   int    `json:"pred_hidden"`
	PredLayers   int    `json:"pred_layers"`
	DurationBins int    `json:"duration_bins"`
}

// AudioConfig controls the capture source.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Source     string `json:"source"`
}

// MelConfig fixes the spectrogram geometry.
type MelConfig struct {
	NFFT      int `json:"n_fft"`
	HopLength int `json:"hop_length"`
	WinLength int `json:"win_length"`
}

// StreamConfig tunes windowing, tick cadence, and flush behavior.
type StreamConfig struct {
	WindowSec         float64 `json:"window_sec"`
	TriggerIntervalMS int     `json:"trigger_interval_ms"`
	MinWindowSec      float64 `json:"min_window_sec"`
	FirstMinWindowSec float64 `json:"first_min_window_sec"`
	MaxWindowSec      float64 `json:"max_window_sec"`
	SafetyMarginSec   float64 `json:"safety_margin_sec"`
	SilenceFlushSec   float64 `json:"silence_flush_sec"`
	VADThreshold      float64 `json:"vad_threshold"`
	AudioRingSec      float64 `json:"audio_ring_sec"`
	MelRingSec        float64 `json:"mel_ring_sec"`
	StateCacheSize    int     `json:"state_cache_size"`
}

// MergerConfig tunes anchor acceptance in the transcript merger.
type MergerConfig struct {
	AnchorLength     int     `json:"anchor_length"`
	TimeToleranceSec float64 `json:"time_tolerance_sec"`
	SigmaFactor      float64 `json:"sigma_factor"`
}

// LogConfig controls runtime logging output.
type LogConfig struct {
	Level string `json:"level"`
}

// Error is a fatal configuration fault naming the offending field.
// These abort construction and must not occur at steady state.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
