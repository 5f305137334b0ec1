// Package stream hosts the top-level transcription controller: it owns
// the audio and mel rings, schedules decode ticks with back-pressure,
// drives the external model sessions, and merges window transcripts
// into the committed stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/skald/internal/config"
	"github.com/rbright/skald/internal/decoder"
	"github.com/rbright/skald/internal/feature"
	"github.com/rbright/skald/internal/fsm"
	"github.com/rbright/skald/internal/mel"
	"github.com/rbright/skald/internal/merge"
	"github.com/rbright/skald/internal/model"
	"github.com/rbright/skald/internal/ringbuf"
	"github.com/rbright/skald/internal/tokenizer"
	"github.com/rbright/skald/internal/vad"
	"github.com/rbright/skald/internal/window"
)

const streamCacheKey = "v4-stream"

// Update is one transcript progress event.
type Update struct {
	ConfirmedText    string
	PendingText      string
	MatureCursorTime float64
}

// Metrics are cumulative per-stream counters.
type Metrics struct {
	Ticks            int64
	TicksDropped     int64
	Decodes          int64
	DecodeFailures   int64
	SilenceFlushes   int64
	CacheHits        int64
	LastDecodeTime   time.Duration
	LastRealTimeRate float64 // decode wall time / window audio time
}

// Snapshot is a consistent read-only view of the stream.
type Snapshot struct {
	State            fsm.State
	ConfirmedText    string
	PendingText      string
	MatureCursorTime float64
	Metrics          Metrics
}

// Controller owns every pipeline component and exposes the public
// streaming contract. All mutable state is guarded by one mutex; the
// decode loop holds it only around merge and cursor bookkeeping, never
// across session calls, so audio writes never block on decoding.
type Controller struct {
	cfg    config.Config
	logger *slog.Logger

	mu        sync.Mutex
	state     fsm.State
	audioRing *ringbuf.Buffer[float32]
	store     *feature.Store
	builder   *window.Builder
	merger    *merge.Merger
	detector  vad.Detector
	engine    *mel.Engine
	core      *decoder.Core
	tok       *tokenizer.Tokenizer
	meta      model.Metadata
	metrics   Metrics

	lastWindowEnd float64 // stream seconds where the previous decoded window ended

	inFlight atomic.Bool

	melWork chan struct{}
	updates chan Update

	stopCh chan struct{}
	doneCh chan struct{}
}

// decodeJob is one prepared decode unit, detached from shared state so
// the session calls run unlocked.
type decodeJob struct {
	core        *decoder.Core
	data        []float32
	nMels       int
	frames      int
	length      int64
	windowStart float64
	windowEnd   float64
	overlap     float64 // seconds of this window already covered by the previous one
	prefix      float64 // seconds of this window already committed (state-cache skip)
}

// New constructs all rings, a warmed-up mel engine, and empty stores.
// Invalid configuration aborts construction.
func New(cfg config.Config, logger *slog.Logger) (*Controller, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	melCfg := mel.Config{
		SampleRate: cfg.Audio.SampleRate,
		NFFT:       cfg.Mel.NFFT,
		HopLength:  cfg.Mel.HopLength,
		WinLength:  cfg.Mel.WinLength,
		NMels:      cfg.Model.NMels,
	}
	engine, err := mel.NewEngine(melCfg)
	if err != nil {
		return nil, err
	}

	rate := cfg.Audio.SampleRate
	audioRing := ringbuf.New[float32](int(cfg.Stream.AudioRingSec * float64(rate)))
	melFrames := int(cfg.Stream.MelRingSec * float64(rate) / float64(cfg.Mel.HopLength))

	windowStride := float64(cfg.Mel.HopLength) / float64(rate)
	frameStride := windowStride * float64(cfg.Model.Subsampling)

	c := &Controller{
		cfg:       cfg,
		logger:    logger.With("component", "stream"),
		state:     fsm.StateIdle,
		audioRing: audioRing,
		store:     feature.NewStore(engine, melFrames),
		engine:    engine,
		builder: window.NewBuilder(window.Config{
			SampleRate:       rate,
			WindowDuration:   cfg.Stream.WindowSec,
			MinDuration:      cfg.Stream.MinWindowSec,
			FirstMinDuration: cfg.Stream.FirstMinWindowSec,
			MaxDuration:      cfg.Stream.MaxWindowSec,
			SafetyMargin:     cfg.Stream.SafetyMarginSec,
		}),
		merger: merge.NewMerger(merge.Config{
			AnchorLength:  cfg.Merger.AnchorLength,
			TimeTolerance: cfg.Merger.TimeToleranceSec,
			SigmaFactor:   cfg.Merger.SigmaFactor,
			FrameStride:   frameStride,
		}),
		melWork: make(chan struct{}, 1),
		updates: make(chan Update, 16),
	}
	c.detector = vad.NewEnergyDetector(audioRing, rate)
	return c, nil
}

// SetModel wires the external encoder/joiner sessions and vocabulary,
// enabling decoding. It may be called at any time before the first
// decode, including after audio has started flowing.
func (c *Controller) SetModel(enc model.Encoder, joiner model.Joiner, tok *tokenizer.Tokenizer, meta model.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.NMels != c.cfg.Model.NMels {
		return &ConfigError{Field: "model.n_mels", Reason: fmt.Sprintf("metadata says %d, config says %d", meta.NMels, c.cfg.Model.NMels)}
	}
	if tok.Size() < meta.VocabSize {
		return &ConfigError{Field: "model.vocab_path", Reason: fmt.Sprintf("vocabulary holds %d tokens, metadata wants %d", tok.Size(), meta.VocabSize)}
	}
	core, err := decoder.NewCore(enc, joiner, tok, meta, c.cfg.Stream.StateCacheSize)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.core = core
	c.tok = tok
	c.meta = meta
	c.logger.Info("model ready",
		"n_mels", meta.NMels,
		"subsampling", meta.Subsampling,
		"vocab_size", meta.VocabSize,
		"blank_id", meta.BlankID)
	return nil
}

// Ready reports whether decoding is enabled.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.core != nil
}

// Updates returns the transcript progress channel.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// PushAudio appends mono f32 PCM. It never blocks and never fails; old
// audio may be evicted. Mel catch-up work is signaled, not performed,
// on this path.
func (c *Controller) PushAudio(samples []float32) {
	if len(samples) == 0 {
		return
	}
	c.mu.Lock()
	c.audioRing.Write(samples)
	c.mu.Unlock()

	select {
	case c.melWork <- struct{}{}:
	default:
	}
}

// Tick runs one decode opportunity asynchronously. When a decode is
// already in flight the tick is dropped, never queued. Before the
// model is ready a tick is a no-op while the rings keep filling.
func (c *Controller) Tick() {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.metrics.TicksDropped++
		c.mu.Unlock()
		return
	}
	job := c.prepare()
	if job == nil {
		c.inFlight.Store(false)
		return
	}
	go func() {
		defer c.inFlight.Store(false)
		c.runJob(job)
	}()
}

// TickSync runs one decode opportunity to completion on the calling
// goroutine. Used by the offline path and anywhere deterministic
// progress matters more than latency.
func (c *Controller) TickSync() {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.metrics.TicksDropped++
		c.mu.Unlock()
		return
	}
	defer c.inFlight.Store(false)
	if job := c.prepare(); job != nil {
		c.runJob(job)
	}
}

// prepare performs the locked half of one tick: mel catch-up, window
// selection, the silence-timeout flush, and feature extraction.
// It returns nil when there is nothing to decode.
func (c *Controller) prepare() *decodeJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Ticks++
	c.store.CatchUp(c.audioRing)

	if c.core == nil {
		return nil
	}

	w, ok := c.builder.Next(c.audioRing.Base(), c.audioRing.Head())
	if !ok {
		return nil
	}

	threshold := c.cfg.Stream.VADThreshold
	cursorSample := c.builder.MatureCursorSample()
	if !c.detector.HasSpeech(cursorSample, c.audioRing.Head(), threshold) &&
		c.detector.SilenceTail(threshold) >= c.cfg.Stream.SilenceFlushSec {
		if len(c.merger.Pending()) > 0 {
			c.merger.FlushPending()
			c.metrics.SilenceFlushes++
			c.advanceCursorLocked()
			c.emitUpdateLocked()
		}
		return nil
	}

	rate := float64(c.cfg.Audio.SampleRate)
	windowStart := float64(w.StartSample) / rate
	windowEnd := float64(w.EndSample) / rate

	view := c.store.GetFeatures(w.StartSample, w.EndSample, true)
	if view == nil {
		// Feature ring missed the range; fall back to a direct mel pass
		// over the raw audio.
		audio, err := c.audioRing.Read(w.StartSample, w.EndSample)
		if err != nil {
			// Window already evicted: skip this tick and move the
			// cursor conservatively to the oldest retained audio.
			c.builder.AdvanceMatureCursorByTime(float64(c.audioRing.Base()) / rate)
			c.logger.Warn("window range evicted; skipping tick", "error", err)
			return nil
		}
		res := c.engine.Process(audio)
		if res.Length == 0 {
			return nil
		}
		return &decodeJob{
			core:        c.core,
			data:        res.Features,
			nMels:       res.NMels,
			frames:      res.NFrames,
			length:      int64(res.Length),
			windowStart: windowStart,
			windowEnd:   windowEnd,
			overlap:     c.overlapFor(windowStart),
			prefix:      c.prefixFor(windowStart),
		}
	}

	return &decodeJob{
		core:        c.core,
		data:        view.Data,
		nMels:       view.NMels,
		frames:      view.T,
		length:      int64(view.T),
		windowStart: windowStart,
		windowEnd:   windowEnd,
		overlap:     c.overlapFor(windowStart),
		prefix:      c.prefixFor(windowStart),
	}
}

// overlapFor returns how much of a window starting at windowStart was
// already covered by the previously decoded window. The mature cursor
// alone cannot express this before the first commit, when it still sits
// at zero while a whole window is pending.
func (c *Controller) overlapFor(windowStart float64) float64 {
	overlap := c.lastWindowEnd - windowStart
	if overlap < 0 {
		return 0
	}
	return overlap
}

// prefixFor returns the committed left-context duration of a window,
// which the decoder state cache may skip.
func (c *Controller) prefixFor(windowStart float64) float64 {
	prefix := c.merger.MatureCursorTime() - windowStart
	if prefix < 0 {
		return 0
	}
	return prefix
}

// runJob performs the unlocked decode and the locked merge/bookkeeping
// that follows it.
func (c *Controller) runJob(job *decodeJob) {
	started := time.Now()
	res, err := job.core.Decode(job.data, job.nMels, job.frames, job.length, decoder.Options{
		ReturnFrameIndices: true,
		ReturnLogProbs:     true,
		ReturnTDTSteps:     true,
		TimeOffset:         job.windowStart,
		Incremental: &decoder.Incremental{
			CacheKey:      streamCacheKey,
			PrefixSeconds: job.prefix,
		},
	})
	elapsed := time.Since(started)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		// Decoder state snapshots are untouched on failure; report and
		// let the next tick retry.
		c.metrics.DecodeFailures++
		c.logger.Error("decode failed", "error", err)
		return
	}

	c.metrics.Decodes++
	c.metrics.LastDecodeTime = elapsed
	if res.Metrics.CacheHit {
		c.metrics.CacheHits++
	}
	windowSeconds := float64(job.frames) * float64(c.cfg.Mel.HopLength) / float64(c.cfg.Audio.SampleRate)
	if windowSeconds > 0 {
		c.metrics.LastRealTimeRate = elapsed.Seconds() / windowSeconds
	}

	c.merger.ProcessChunk(res.Tokens, job.windowStart, job.overlap)
	c.lastWindowEnd = job.windowEnd
	c.advanceCursorLocked()
	c.emitUpdateLocked()
}

// advanceCursorLocked moves the mature cursor to the merger's committed
// boundary and purges audio at or before it. The cursor never passes a
// token that is not yet confirmed.
func (c *Controller) advanceCursorLocked() {
	cursor := c.merger.MatureCursorTime()
	c.builder.AdvanceMatureCursorByTime(cursor)
	c.audioRing.AdvanceBase(c.builder.MatureCursorSample())
}

// emitUpdateLocked publishes a transcript update without blocking.
func (c *Controller) emitUpdateLocked() {
	update := Update{
		ConfirmedText:    c.decodeTextLocked(c.merger.Confirmed()),
		PendingText:      c.decodeTextLocked(c.merger.Pending()),
		MatureCursorTime: c.merger.MatureCursorTime(),
	}
	select {
	case c.updates <- update:
	default:
	}
}

// decodeTextLocked renders a token run as normalized text.
func (c *Controller) decodeTextLocked(tokens []decoder.Token) string {
	if c.tok == nil || len(tokens) == 0 {
		return ""
	}
	ids := make([]int32, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return c.tok.Decode(ids)
}

// Snapshot returns a consistent read-only view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:            c.state,
		ConfirmedText:    c.decodeTextLocked(c.merger.Confirmed()),
		PendingText:      c.decodeTextLocked(c.merger.Pending()),
		MatureCursorTime: c.merger.MatureCursorTime(),
		Metrics:          c.metrics,
	}
}

// Reset purges all stream state: rings, stores, merger, cursor, and
// the decoder prefix cache.
func (c *Controller) Reset() {
	c.waitForDecode()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioRing.Reset()
	c.store.Reset()
	c.builder.Reset()
	c.merger.Reset()
	if c.core != nil {
		c.core.ClearCache()
	}
	c.lastWindowEnd = 0
	c.metrics = Metrics{}
	c.state = fsm.StateIdle
}

// Finalize flushes pending tokens into confirmed and returns the full
// transcript.
func (c *Controller) Finalize() string {
	c.waitForDecode()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merger.FlushPending()
	c.advanceCursorLocked()
	c.emitUpdateLocked()
	return c.decodeTextLocked(c.merger.Confirmed())
}

// waitForDecode blocks until no decode is in flight. Stop signals are
// cooperative; the in-flight decode is allowed to finish.
func (c *Controller) waitForDecode() {
	for c.inFlight.Load() {
		time.Sleep(2 * time.Millisecond)
	}
}

// Start launches the mel worker and the periodic tick loop. The stream
// runs until Stop or context cancellation.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	next, err := fsm.Transition(c.state, fsm.EventStart)
	if err != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = next
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	go c.loop(ctx, stopCh, doneCh)
	return nil
}

// loop is the controller task: it ticks on the trigger interval and
// catches up the feature store when new audio arrives.
func (c *Controller) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(time.Duration(c.cfg.Stream.TriggerIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-c.melWork:
			c.mu.Lock()
			c.store.CatchUp(c.audioRing)
			c.mu.Unlock()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Stop ends the stream cooperatively: the in-flight decode finishes,
// pending tokens drain into confirmed, and the full transcript is
// returned.
func (c *Controller) Stop() (string, error) {
	c.mu.Lock()
	if c.state != fsm.StateRunning {
		c.mu.Unlock()
		return "", fmt.Errorf("stop: stream is %s", c.state)
	}
	next, err := fsm.Transition(c.state, fsm.EventStop)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.state = next
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh

	text := c.Finalize()

	c.mu.Lock()
	if next, err := fsm.Transition(c.state, fsm.EventDrained); err == nil {
		c.state = next
	}
	c.mu.Unlock()
	return text, nil
}

// IsNotReady reports whether an error represents missing model wiring.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
