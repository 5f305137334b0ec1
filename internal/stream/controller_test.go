package stream

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/skald/internal/config"
	"github.com/rbright/skald/internal/model"
	"github.com/rbright/skald/internal/tokenizer"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Stream.WindowSec = 2.0
	cfg.Stream.MaxWindowSec = 2.0
	cfg.Stream.MinWindowSec = 1.0
	cfg.Stream.FirstMinWindowSec = 0.5
	cfg.Stream.SafetyMarginSec = 0.25
	cfg.Stream.AudioRingSec = 10.0
	cfg.Stream.MelRingSec = 10.0
	return cfg
}

func testVocab() *tokenizer.Tokenizer {
	return tokenizer.FromPieces([]string{
		"<blk>", "▁a", "▁b", "▁c", "▁d",
		"▁hello", "▁there", "▁from", "▁skald", "▁now",
		"▁x", "▁y", "▁z", "▁p", "▁q", "▁r",
	})
}

func testMeta() model.Metadata {
	return model.Metadata{
		NMels:        80,
		Subsampling:  8,
		WindowStride: 0.01,
		VocabSize:    16,
		BlankID:      0,
		PredHidden:   4,
		PredLayers:   2,
		DurationBins: 5,
		EncoderDim:   2,
	}
}

// subsampleEncoder reduces T mel frames to T/8 encoded frames of a
// fixed dimension, like the real encoder's shape contract.
func subsampleEncoder() model.Encoder {
	return model.EncoderFunc(func(_ []float32, _, frames int, _ int64) (model.Encoded, error) {
		tEnc := frames / 8
		return model.Encoded{Data: make([]float32, 2*tEnc), Dim: 2, Frames: tEnc}, nil
	})
}

// blankJoiner emits blank with duration 0 forever.
func blankJoiner() model.Joiner {
	return model.JoinerFunc(func(_ []float32, _ int32, _, _ []float32) (model.StepResult, error) {
		logits := make([]float32, 16+5)
		logits[0] = 5
		logits[16] = 3
		return model.StepResult{Logits: logits, S1: make([]float32, 8), S2: make([]float32, 8)}, nil
	})
}

type scriptStep struct {
	id  int32
	dur int
}

// scriptedModel pairs an encoder that counts decodes with a joiner that
// replays one script per decode, then blanks until the window ends.
type scriptedModel struct {
	mu      sync.Mutex
	scripts [][]scriptStep
	decode  int
	call    int
}

func (m *scriptedModel) Encode(_ []float32, _, frames int, _ int64) (model.Encoded, error) {
	m.mu.Lock()
	m.call = 0
	m.decode++
	m.mu.Unlock()
	tEnc := frames / 8
	return model.Encoded{Data: make([]float32, 2*tEnc), Dim: 2, Frames: tEnc}, nil
}

func (m *scriptedModel) DecodeStep(_ []float32, _ int32, _, _ []float32) (model.StepResult, error) {
	m.mu.Lock()
	step := scriptStep{id: 0}
	idx := m.decode - 1
	if idx >= 0 && idx < len(m.scripts) && m.call < len(m.scripts[idx]) {
		step = m.scripts[idx][m.call]
	}
	m.call++
	m.mu.Unlock()

	logits := make([]float32, 16+5)
	logits[step.id] = 5
	logits[16+step.dur] = 3
	return model.StepResult{Logits: logits, S1: make([]float32, 8), S2: make([]float32, 8)}, nil
}

func sineAudio(seconds float64) []float32 {
	n := int(seconds * 16000)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func newReadyController(t *testing.T, enc model.Encoder, joiner model.Joiner) *Controller {
	t.Helper()
	c, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, c.SetModel(enc, joiner, testVocab(), testMeta()))
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mel.NFFT = 500
	_, err := New(cfg, nil)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestEmptyStreamSnapshot(t *testing.T) {
	t.Parallel()

	c := newReadyController(t, subsampleEncoder(), blankJoiner())
	for i := 0; i < 3; i++ {
		c.PushAudio(nil)
		c.TickSync()
	}

	snap := c.Snapshot()
	require.Empty(t, snap.ConfirmedText)
	require.Empty(t, snap.PendingText)
	require.Zero(t, snap.MatureCursorTime)
	require.Zero(t, snap.Metrics.Decodes)
}

func TestBlankModelProducesNoTranscript(t *testing.T) {
	t.Parallel()

	c := newReadyController(t, subsampleEncoder(), blankJoiner())
	c.PushAudio(sineAudio(2.0))
	c.TickSync()

	snap := c.Snapshot()
	require.Empty(t, snap.ConfirmedText)
	require.Empty(t, snap.PendingText)
	require.Equal(t, int64(1), snap.Metrics.Decodes)
}

func TestPreRollFillsRingsBeforeModelReady(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig(), nil)
	require.NoError(t, err)

	c.PushAudio(sineAudio(2.0))
	c.TickSync()
	require.Zero(t, c.Snapshot().Metrics.Decodes)

	// Model arrives late; the buffered audio decodes on the next tick
	// and nothing was lost.
	require.NoError(t, c.SetModel(subsampleEncoder(), blankJoiner(), testVocab(), testMeta()))
	c.TickSync()
	require.Equal(t, int64(1), c.Snapshot().Metrics.Decodes)
}

func TestStreamingMergeAcrossWindows(t *testing.T) {
	t.Parallel()

	// Decode 1 covers [0, 2s): tokens at encoder frames 15, 17, 19, 22.
	// Decode 2 covers [0.64, 2.64s): the same four readings sit exactly
	// 8 encoder frames earlier, then one new token past 2s.
	script1 := make([]scriptStep, 0, 20)
	for i := 0; i < 15; i++ {
		script1 = append(script1, scriptStep{id: 0})
	}
	script1 = append(script1, scriptStep{id: 5, dur: 2}, scriptStep{id: 6, dur: 2}, scriptStep{id: 7, dur: 3}, scriptStep{id: 8, dur: 2})

	script2 := make([]scriptStep, 0, 20)
	for i := 0; i < 7; i++ {
		script2 = append(script2, scriptStep{id: 0})
	}
	script2 = append(script2, scriptStep{id: 5, dur: 2}, scriptStep{id: 6, dur: 2}, scriptStep{id: 7, dur: 3}, scriptStep{id: 8, dur: 4}, scriptStep{id: 9, dur: 1})

	m := &scriptedModel{scripts: [][]scriptStep{script1, script2}}
	c := newReadyController(t, m, m)

	c.PushAudio(sineAudio(2.0))
	c.TickSync()

	snap := c.Snapshot()
	require.Empty(t, snap.ConfirmedText)
	require.Equal(t, "hello there from skald", snap.PendingText)

	c.PushAudio(sineAudio(0.64))
	c.TickSync()

	snap = c.Snapshot()
	require.Equal(t, "hello there from skald", snap.ConfirmedText)
	require.Equal(t, "now", snap.PendingText)
	require.InDelta(t, 1.76, snap.MatureCursorTime, 1e-9)

	require.Equal(t, "hello there from skald now", c.Finalize())
}

func TestSilenceTimeoutFlushesPending(t *testing.T) {
	t.Parallel()

	script1 := make([]scriptStep, 0, 18)
	for i := 0; i < 15; i++ {
		script1 = append(script1, scriptStep{id: 0})
	}
	script1 = append(script1, scriptStep{id: 5, dur: 2}, scriptStep{id: 6, dur: 2})

	m := &scriptedModel{scripts: [][]scriptStep{script1}}
	c := newReadyController(t, m, m)

	c.PushAudio(sineAudio(2.0))
	c.TickSync()
	require.Equal(t, "hello there", c.Snapshot().PendingText)

	// Enough silence to evict the speech entirely and trip the flush.
	c.PushAudio(make([]float32, 11*16000))
	c.TickSync()

	snap := c.Snapshot()
	require.Equal(t, "hello there", snap.ConfirmedText)
	require.Empty(t, snap.PendingText)
	require.Equal(t, int64(1), snap.Metrics.SilenceFlushes)
}

func TestTickDropsWhenDecodeInFlight(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	joiner := model.JoinerFunc(func(_ []float32, _ int32, _, _ []float32) (model.StepResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		logits := make([]float32, 16+5)
		logits[0] = 5
		return model.StepResult{Logits: logits, S1: make([]float32, 8), S2: make([]float32, 8)}, nil
	})

	c := newReadyController(t, subsampleEncoder(), joiner)
	c.PushAudio(sineAudio(2.0))

	c.Tick()
	<-started
	c.Tick()

	snap := c.Snapshot()
	require.Equal(t, int64(1), snap.Metrics.TicksDropped)

	close(gate)
	c.waitForDecode()
}

func TestResetPurgesAllState(t *testing.T) {
	t.Parallel()

	script1 := []scriptStep{{id: 5, dur: 2}}
	m := &scriptedModel{scripts: [][]scriptStep{script1}}
	c := newReadyController(t, m, m)

	c.PushAudio(sineAudio(2.0))
	c.TickSync()
	require.NotEmpty(t, c.Snapshot().PendingText)

	c.Reset()
	snap := c.Snapshot()
	require.Empty(t, snap.ConfirmedText)
	require.Empty(t, snap.PendingText)
	require.Zero(t, snap.MatureCursorTime)
	require.Zero(t, snap.Metrics.Ticks)
}

func TestMatureCursorMonotoneAcrossTicks(t *testing.T) {
	t.Parallel()

	c := newReadyController(t, subsampleEncoder(), blankJoiner())
	last := 0.0
	for i := 0; i < 5; i++ {
		c.PushAudio(sineAudio(0.5))
		c.TickSync()
		cursor := c.Snapshot().MatureCursorTime
		require.GreaterOrEqual(t, cursor, last)
		last = cursor
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	c := newReadyController(t, subsampleEncoder(), blankJoiner())
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	require.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)

	c.PushAudio(sineAudio(1.0))
	time.Sleep(20 * time.Millisecond)

	text, err := c.Stop()
	require.NoError(t, err)
	require.Empty(t, text)

	_, err = c.Stop()
	require.Error(t, err)
}

func TestUpdatesChannelCarriesProgress(t *testing.T) {
	t.Parallel()

	script1 := []scriptStep{{id: 5, dur: 2}}
	m := &scriptedModel{scripts: [][]scriptStep{script1}}
	c := newReadyController(t, m, m)

	c.PushAudio(sineAudio(2.0))
	c.TickSync()

	select {
	case update := <-c.Updates():
		require.Equal(t, "hello", update.PendingText)
	default:
		t.Fatal("expected a transcript update")
	}
}
