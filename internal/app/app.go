// Package app wires config, logging, audio, and the stream controller
// into the skald CLI commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rbright/skald/internal/audio"
	"github.com/rbright/skald/internal/cli"
	"github.com/rbright/skald/internal/config"
	"github.com/rbright/skald/internal/logging"
	"github.com/rbright/skald/internal/model"
	"github.com/rbright/skald/internal/probe"
	"github.com/rbright/skald/internal/stream"
	"github.com/rbright/skald/internal/tokenizer"
	"github.com/rbright/skald/internal/version"
)

// Runner holds process-level dependencies used by command handlers.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Execute is the package entrypoint used by cmd/skald/main.go.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

// Execute parses CLI arguments, loads config/logging, and dispatches a command.
func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("skald"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("skald"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logRuntime, err := logging.New(cfgLoaded.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandProbe:
		report := probe.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandLive:
		return r.commandLive(ctx, cfgLoaded.Config, logger)
	case cli.CommandFile:
		return r.commandFile(cfgLoaded.Config, logger, parsed.FilePath)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// buildController constructs the stream controller and attaches the
// configured ONNX model and vocabulary.
func buildController(cfg config.Config, logger *slog.Logger) (*stream.Controller, func(), error) {
	ctrl, err := stream.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(cfg.Model.EncoderPath) == "" {
		return nil, nil, fmt.Errorf("model.encoder_path is not configured; run `skald probe`")
	}

	tok, err := tokenizer.Load(cfg.Model.VocabPath)
	if err != nil {
		return nil, nil, err
	}

	meta := model.Metadata{
		NMels:        cfg.Model.NMels,
		Subsampling:  cfg.Model.Subsampling,
		WindowStride: float64(cfg.Mel.HopLength) / float64(cfg.Audio.SampleRate),
		VocabSize:    tok.Size(),
		BlankID:      tok.BlankID(),
		PredHidden:   cfg.Model.PredHidden,
		PredLayers:   cfg.Model.PredLayers,
		DurationBins: cfg.Model.DurationBins,
	}

	provider, err := model.NewONNXProvider(model.ONNXConfig{
		EncoderPath: cfg.Model.EncoderPath,
		JoinerPath:  cfg.Model.JoinerPath,
		LibraryPath: cfg.Model.LibraryPath,
		Meta:        meta,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := ctrl.SetModel(provider, provider, tok, meta); err != nil {
		provider.Close()
		return nil, nil, err
	}
	return ctrl, provider.Close, nil
}

// commandLive transcribes the capture source until the context ends.
func (r Runner) commandLive(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	ctrl, closeModel, err := buildController(cfg, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeModel()

	capture, err := audio.StartCapture(ctx, cfg.Audio.Source)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer capture.Close()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	// Print committed text as it grows; the pending preview goes to the
	// log where it will not garble a terminal transcript.
	go func() {
		printed := 0
		for update := range ctrl.Updates() {
			if len(update.ConfirmedText) > printed {
				fmt.Fprint(r.Stdout, update.ConfirmedText[printed:])
				printed = len(update.ConfirmedText)
			}
			logger.Debug("transcript update",
				"pending", update.PendingText,
				"cursor", update.MatureCursorTime)
		}
	}()

	for chunk := range capture.Chunks() {
		ctrl.PushAudio(chunk)
	}

	text, err := ctrl.Stop()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout)
	fmt.Fprintln(r.Stdout, text)
	logger.Info("live session complete",
		"bytes_captured", capture.BytesCaptured(),
		"transcript_chars", len(text))
	return 0
}

// commandFile transcribes one WAV file through the same streaming path
// as live capture, pushed in half-second chunks.
func (r Runner) commandFile(cfg config.Config, logger *slog.Logger, path string) int {
	ctrl, closeModel, err := buildController(cfg, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeModel()

	samples, err := audio.ReadWAV(path)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	chunk := cfg.Audio.SampleRate / 2
	for start := 0; start < len(samples); start += chunk {
		end := start + chunk
		if end > len(samples) {
			end = len(samples)
		}
		ctrl.PushAudio(samples[start:end])
		ctrl.TickSync()
	}
	ctrl.TickSync()

	text := ctrl.Finalize()
	fmt.Fprintln(r.Stdout, text)

	snap := ctrl.Snapshot()
	logger.Info("file transcription complete",
		"path", path,
		"decodes", snap.Metrics.Decodes,
		"rtf", snap.Metrics.LastRealTimeRate)
	return 0
}
