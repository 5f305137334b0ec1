// Package probe runs readiness diagnostics for config, model files,
// and vocabulary.
package probe

import (
	"fmt"
	"os"
	"strings"

	"github.com/rbright/skald/internal/config"
	"github.com/rbright/skald/internal/tokenizer"
)

// Check is one probe assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full probe output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes config and model readiness checks for a loaded config.
func Run(cfg config.Loaded) Report {
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	}}

	model := cfg.Config.Model
	checks = append(checks, checkFile("encoder", model.EncoderPath))
	checks = append(checks, checkFile("joiner", model.JoinerPath))
	checks = append(checks, checkVocab(model.VocabPath))
	if model.LibraryPath != "" {
		checks = append(checks, checkFile("onnxruntime", model.LibraryPath))
	}

	return Report{Checks: checks}
}

// checkFile asserts a configured path exists and is a regular file.
func checkFile(name, path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: name, Message: "path not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: name, Message: err.Error()}
	}
	if info.IsDir() {
		return Check{Name: name, Message: fmt.Sprintf("%q is a directory", path)}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%q (%d bytes)", path, info.Size())}
}

// checkVocab parses the vocabulary and reports its size and blank id.
func checkVocab(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "vocabulary", Message: "path not configured"}
	}
	tok, err := tokenizer.Load(path)
	if err != nil {
		return Check{Name: "vocabulary", Message: err.Error()}
	}
	return Check{
		Name:    "vocabulary",
		Pass:    true,
		Message: fmt.Sprintf("%d tokens, blank id %d", tok.Size(), tok.BlankID()),
	}
}
