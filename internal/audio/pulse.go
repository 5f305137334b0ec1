// Package audio handles PCM capture from a Pulse source and
// WAV file ingest, both normalized to mono f32 at 16 kHz.
package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// SampleRate is the fixed capture rate; resampling is the caller's
	// responsibility.
	SampleRate = 16000

	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
)

// writerFunc adapts a function to the pulse writer callback.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(buffer []byte) (int, error) {
	return f(buffer)
}

// Capture streams fixed-size f32 sample chunks from one Pulse source.
type Capture struct {
	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []float32
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

// StartCapture creates and starts a 16kHz mono s16 record stream on
// the named source, or the server default when source is empty or
// "default".
func StartCapture(ctx context.Context, sourceName string) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("skald"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	var source *pulse.Source
	if name := strings.TrimSpace(sourceName); name != "" && name != "default" {
		source, err = client.SourceByID(name)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("resolve source %q: %w", name, err)
		}
	} else {
		source, err = client.DefaultSource()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read default source: %w", err)
		}
	}

	capture := &Capture{
		client: client,
		chunks: make(chan []float32, 128),
		stopCh: make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("skald transcription"),
	)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	capture.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		_ = capture.Stop()
	}()

	return capture, nil
}

// Chunks returns the sample stream as fixed-size f32 slices.
func (c *Capture) Chunks() <-chan []float32 {
	return c.chunks
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Stop halts the stream, flushes residual PCM, and closes Chunks
// exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := append([]byte(nil), c.pending...)
	c.pending = nil
	c.mu.Unlock()

	if len(pending) >= 2 {
		select {
		case c.chunks <- samplesFromPCM16(pending):
		default:
		}
	}

	close(c.chunks)
	return nil
}

// Close is a convenience alias for Stop.
func (c *Capture) Close() {
	_ = c.Stop()
}

// onPCM receives raw Pulse frames and emits chunkSizeBytes-aligned f32
// chunks.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as c.stopped to avoid Add/Wait races.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)

	chunks := make([][]float32, 0, len(c.pending)/chunkSizeBytes)
	for len(c.pending) >= chunkSizeBytes {
		chunks = append(chunks, samplesFromPCM16(c.pending[:chunkSizeBytes]))
		c.pending = c.pending[chunkSizeBytes:]
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}

	return len(buffer), nil
}

// samplesFromPCM16 converts little-endian s16 bytes to f32 in [-1, 1).
func samplesFromPCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out
}
