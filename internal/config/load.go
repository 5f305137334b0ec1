package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loaded captures the resolved config path and parsed values.
type Loaded struct {
	Path   string
	Config Config
	Exists bool
}

// Load resolves, reads, parses, and validates the runtime
// configuration. A missing file yields validated defaults.
func Load(explicitPath string) (Loaded, error) {
	path, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	cfg := Default()
	exists := true
	content, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Loaded{}, fmt.Errorf("read config %q: %w", path, err)
		}
		exists = false
	}
	if exists {
		decoder := json.NewDecoder(strings.NewReader(string(content)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}
	return Loaded{Path: path, Config: cfg, Exists: exists}, nil
}

// ResolvePath selects the explicit path when given, otherwise
// XDG_CONFIG_HOME (falling back to ~/.config) under skald/config.json.
func ResolvePath(explicitPath string) (string, error) {
	if trimmed := strings.TrimSpace(explicitPath); trimmed != "" {
		return trimmed, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "skald", "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for config: %w", err)
	}
	return filepath.Join(home, ".config", "skald", "config.json"), nil
}
