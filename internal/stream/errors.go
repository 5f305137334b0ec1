package stream

import (
	"errors"

	"github.com/rbright/skald/internal/config"
	"github.com/rbright/skald/internal/model"
	"github.com/rbright/skald/internal/ringbuf"
)

// ErrNotReady indicates a decode was requested before a model was set.
var ErrNotReady = errors.New("model not ready")

// ErrAlreadyRunning indicates Start was called on a running controller.
var ErrAlreadyRunning = errors.New("stream already running")

// Re-exported error surface of the public API: callers match the full
// taxonomy through this package alone.
var ErrRangeEvicted = ringbuf.ErrRangeEvicted

// InferenceError carries the failing component and cause of an
// external session error.
type InferenceError = model.InferenceError

// ConfigError names the configuration field that aborted construction.
type ConfigError = config.Error
