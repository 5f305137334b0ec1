package config

// Validate enforces config invariants. The returned error is always a
// *Error naming the first offending field.
func Validate(cfg Config) error {
	if cfg.Audio.SampleRate <= 0 {
		return &Error{Field: "audio.sample_rate", Reason: "must be > 0"}
	}
	if cfg.Mel.NFFT <= 0 || cfg.Mel.NFFT&(cfg.Mel.NFFT-1) != 0 {
		return &Error{Field: "mel.n_fft", Reason: "must be a power of two"}
	}
	if cfg.Mel.HopLength <= 0 {
		return &Error{Field: "mel.hop_length", Reason: "must be > 0"}
	}
	if cfg.Mel.WinLength <= 0 || cfg.Mel.WinLength > cfg.Mel.NFFT {
		return &Error{Field: "mel.win_length", Reason: "must be in (0, n_fft]"}
	}
	if cfg.Model.NMels != 80 && cfg.Model.NMels != 128 {
		return &Error{Field: "model.n_mels", Reason: "must be 80 or 128"}
	}
	if cfg.Model.Subsampling <= 0 {
		return &Error{Field: "model.subsampling", Reason: "must be > 0"}
	}
	if cfg.Model.PredHidden <= 0 || cfg.Model.PredLayers <= 0 {
		return &Error{Field: "model.pred_hidden", Reason: "prediction network shape must be positive"}
	}
	if cfg.Model.DurationBins <= 0 {
		return &Error{Field: "model.duration_bins", Reason: "must be > 0"}
	}
	if cfg.Stream.WindowSec <= 0 {
		return &Error{Field: "stream.window_sec", Reason: "must be > 0"}
	}
	if cfg.Stream.TriggerIntervalMS <= 0 {
		return &Error{Field: "stream.trigger_interval_ms", Reason: "must be > 0"}
	}
	if cfg.Stream.MinWindowSec < 0 || cfg.Stream.FirstMinWindowSec < 0 {
		return &Error{Field: "stream.min_window_sec", Reason: "must be >= 0"}
	}
	if cfg.Stream.MaxWindowSec > 0 && cfg.Stream.MaxWindowSec < cfg.Stream.MinWindowSec {
		return &Error{Field: "stream.max_window_sec", Reason: "must be >= min_window_sec"}
	}
	if cfg.Stream.SafetyMarginSec < 0 {
		return &Error{Field: "stream.safety_margin_sec", Reason: "must be >= 0"}
	}
	if cfg.Stream.SilenceFlushSec <= 0 {
		return &Error{Field: "stream.silence_flush_sec", Reason: "must be > 0"}
	}
	if cfg.Stream.AudioRingSec < cfg.Stream.WindowSec+cfg.Stream.SafetyMarginSec {
		return &Error{Field: "stream.audio_ring_sec", Reason: "must cover window_sec plus safety_margin_sec"}
	}
	if cfg.Stream.MelRingSec <= 0 {
		return &Error{Field: "stream.mel_ring_sec", Reason: "must be > 0"}
	}
	if cfg.Stream.StateCacheSize <= 0 {
		return &Error{Field: "stream.state_cache_size", Reason: "must be > 0"}
	}
	if cfg.Merger.AnchorLength <= 0 {
		return &Error{Field: "merger.anchor_length", Reason: "must be > 0"}
	}
	if cfg.Merger.TimeToleranceSec <= 0 {
		return &Error{Field: "merger.time_tolerance_sec", Reason: "must be > 0"}
	}
	if cfg.Merger.SigmaFactor <= 0 {
		return &Error{Field: "merger.sigma_factor", Reason: "must be > 0"}
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log.level", Reason: "must be one of: debug, info, warn, error"}
	}
	return nil
}
