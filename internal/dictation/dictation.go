// Package dictation turns live capture frames into text. Frames are handed
// off without blocking the capture thread, cut into utterances, and
// transcribed one at a time on a background goroutine. Recognized text is
// posted to a TextSink on the caller's loop.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/recast/internal/audio"
	"github.com/chaz8081/recast/internal/mainloop"
	"github.com/chaz8081/recast/internal/observe"
	"github.com/chaz8081/recast/internal/transcribe"
)

// ErrRunning is returned by Start when dictation is already active.
var ErrRunning = errors.New("dictation: already running")

// TextSink receives recognized text. *inject.Injector implements it.
type TextSink interface {
	Inject(text string) error
}

// ModelProvider leases loaded models. *transcribe.Pool implements it.
type ModelProvider interface {
	Acquire(ctx context.Context, key transcribe.Key) (*transcribe.Lease, error)
}

// Options configures a Dictator.
type Options struct {
	Models     ModelProvider
	Key        transcribe.Key
	Transcribe transcribe.Options

	Poster mainloop.Poster
	Sink   TextSink

	// ChunkDuration caps one utterance. Default 5s.
	ChunkDuration time.Duration
	// Silence ends an utterance early once speech was heard. 0 disables.
	Silence time.Duration
	// Threshold is the RMS level counted as speech. Default 0.01.
	Threshold float64
	// QueueSize is the number of frames buffered between the capture
	// thread and the chunker. Default 256.
	QueueSize int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Dictator runs live dictation. Consume is its capture.Consumer.
type Dictator struct {
	opts    Options
	logger  *slog.Logger
	metrics *observe.Metrics

	frames  chan []byte
	running atomic.Bool
	dropped atomic.Int64

	mu      sync.Mutex
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lease   *transcribe.Lease
	emitted bool
}

// New creates a Dictator. Models, Poster and Sink are required.
func New(opts Options) (*Dictator, error) {
	if opts.Models == nil || opts.Poster == nil || opts.Sink == nil {
		return nil, fmt.Errorf("dictation: Models, Poster and Sink are required")
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 5 * time.Second
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.01
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dictator{
		opts:    opts,
		logger:  opts.Logger,
		metrics: observe.OrDefault(opts.Metrics),
		frames:  make(chan []byte, opts.QueueSize),
	}, nil
}

// Consume hands one capture buffer to the chunker. It never blocks: when
// the queue is full the frame is dropped and counted. The frame is queued
// as is, so the caller must not reuse it; capture buffers are owned by the
// receiver.
func (d *Dictator) Consume(frame []byte) {
	if !d.running.Load() {
		return
	}
	select {
	case d.frames <- frame:
	default:
		d.dropped.Add(1)
		d.metrics.RecordDropped(context.Background(), "dictation", 1)
	}
}

// Dropped reports how many frames were discarded because the queue was full.
func (d *Dictator) Dropped() int64 { return d.dropped.Load() }

// Running reports whether dictation is active.
func (d *Dictator) Running() bool { return d.running.Load() }

// Start leases the model and begins accepting frames.
func (d *Dictator) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return ErrRunning
	}

	lease, err := d.opts.Models.Acquire(ctx, d.opts.Key)
	if err != nil {
		return fmt.Errorf("dictation: load model %s: %w", d.opts.Key, err)
	}

	for len(d.frames) > 0 {
		<-d.frames
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.lease = lease
	d.cancel = cancel
	d.done = make(chan struct{})
	d.emitted = false

	chunks := make(chan []byte, 4)
	d.wg.Add(2)
	go d.chunkLoop(d.done, chunks)
	go d.transcribeLoop(runCtx, lease.Model(), chunks)

	d.running.Store(true)
	d.logger.Info("dictation started", "model", d.opts.Key.String())
	return nil
}

// Stop stops accepting frames, transcribes what is already buffered and
// waits for the last text to be posted.
func (d *Dictator) Stop() {
	d.shutdown(false)
}

// Abort stops without waiting for buffered audio to be transcribed.
func (d *Dictator) Abort() {
	d.shutdown(true)
}

func (d *Dictator) shutdown(abort bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Swap(false) {
		return
	}
	if abort {
		d.cancel()
	}
	close(d.done)
	d.wg.Wait()
	d.cancel()
	d.lease.Release()
	d.lease = nil
	d.logger.Info("dictation stopped", "dropped_frames", d.Dropped())
}

func (d *Dictator) chunkLoop(done <-chan struct{}, chunks chan<- []byte) {
	defer d.wg.Done()
	defer close(chunks)

	c := NewChunker(d.opts.ChunkDuration, d.opts.Silence, d.opts.Threshold)
	push := func(frame []byte) {
		for _, chunk := range c.Push(frame) {
			chunks <- chunk
		}
	}
	for {
		select {
		case frame := <-d.frames:
			push(frame)
		case <-done:
			for {
				select {
				case frame := <-d.frames:
					push(frame)
				default:
					if chunk := c.Flush(); chunk != nil {
						chunks <- chunk
					}
					return
				}
			}
		}
	}
}

func (d *Dictator) transcribeLoop(ctx context.Context, model transcribe.Model, chunks <-chan []byte) {
	defer d.wg.Done()
	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		text, err := d.transcribe(ctx, model, chunk)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("dictation chunk failed", "bytes", len(chunk), "error", err)
			}
			continue
		}
		if text == "" {
			continue
		}
		if d.emitted {
			text = " " + text
		}
		d.emitted = true
		d.opts.Poster.Post(func() {
			if err := d.opts.Sink.Inject(text); err != nil {
				d.logger.Warn("injecting dictated text", "error", err)
			}
		})
	}
}

func (d *Dictator) transcribe(ctx context.Context, model transcribe.Model, chunk []byte) (string, error) {
	stream, err := model.Transcribe(ctx, audio.PCM16ToFloat32(chunk), d.opts.Transcribe)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()

	var parts []string
	for {
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	d.logger.Debug("dictation chunk transcribed", "duration", audio.PCMDuration(chunk), "segments", len(parts))
	return strings.Join(parts, " "), nil
}
