package config

// Default returns the canonical runtime configuration used when no file
// is present. Model paths stay empty; decoding is disabled until a
// model is supplied.
func Default() Config {
	return Config{
		Model: ModelConfig{
			NMels:        80,
			Subsampling:  8,
			PredHidden:   640,
			PredLayers:   2,
			DurationBins: 5,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Source:     "default",
		},
		Mel: MelConfig{
			NFFT:      512,
			HopLength: 160,
			WinLength: 400,
		},
		Stream: StreamConfig{
			WindowSec:         8.0,
			TriggerIntervalMS: 1000,
			MinWindowSec:      3.0,
			FirstMinWindowSec: 1.5,
			MaxWindowSec:      8.0,
			SafetyMarginSec:   0.5,
			SilenceFlushSec:   1.2,
			VADThreshold:      0.01,
			AudioRingSec:      30.0,
			MelRingSec:        30.0,
			StateCacheSize:    8,
		},
		Merger: MergerConfig{
			AnchorLength:     3,
			TimeToleranceSec: 0.15,
			SigmaFactor:      0.25,
		},
		Log: LogConfig{Level: "info"},
	}
}
