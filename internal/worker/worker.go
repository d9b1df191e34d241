// Package worker runs batch transcriptions in the background.
//
// Start returns immediately. The batch runs on its own goroutine and every
// caller-supplied callback is posted through the caller's mainloop.Poster,
// never invoked from the worker goroutine. OnComplete is posted exactly once
// per Start.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/recast/internal/audio"
	"github.com/chaz8081/recast/internal/mainloop"
	"github.com/chaz8081/recast/internal/models"
	"github.com/chaz8081/recast/internal/observe"
	"github.com/chaz8081/recast/internal/transcribe"
	"github.com/chaz8081/recast/internal/transcript"
)

// Status is the outcome of a batch.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusCompletedSaveFailed Status = "completed_save_failed"
	StatusCancelled           Status = "cancelled"
	StatusError               Status = "error"
	StatusNoFiles             Status = "no_files"
)

// Phase distinguishes model preparation from transcription in progress
// reports.
type Phase string

const (
	PhaseModel      Phase = "model"
	PhaseTranscribe Phase = "transcribe"
)

// Progress is one progress report.
type Progress struct {
	Phase Phase
	// Percent is the model preparation percentage, -1 on failure.
	Percent float64
	Message string

	// Transcription fields.
	FileIndex int
	FileCount int
	Path      string
	// Fraction of the current file, in [0, 1]. It stays 0 when the
	// file's duration is unknown.
	Fraction float64
	Segments int
}

// SegmentEvent is one segment delivered during transcription.
type SegmentEvent struct {
	FileIndex int
	Path      string
	Index     int
	Segment   transcript.Segment
}

// Result is delivered once per batch.
type Result struct {
	Status Status
	// Segments holds every segment delivered during the batch, in order.
	Segments []transcript.Segment
	// SavedPath is the last record written, "" if none.
	SavedPath  string
	SavedPaths []string
	Err        error
}

// TranscriptionError is a failure while decoding or transcribing one file.
type TranscriptionError struct {
	Path string
	Err  error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcribing %s: %v", e.Path, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// PersistenceError is a failed record save. The transcription itself
// succeeded.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving transcript for %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Callbacks receive batch events on the Poster's context.
type Callbacks struct {
	Poster     mainloop.Poster
	OnProgress func(Progress)
	OnSegment  func(SegmentEvent)
	OnComplete func(Result)
}

// ModelPreparer makes a model available locally. *models.Cache implements it.
type ModelPreparer interface {
	EnsureReady(ctx context.Context, name, device, compute string, progress models.ProgressFunc) (models.Handle, error)
}

// ModelProvider leases loaded models. *transcribe.Pool implements it.
type ModelProvider interface {
	Acquire(ctx context.Context, key transcribe.Key) (*transcribe.Lease, error)
}

// Decoder turns a media file into model input. *audio.Decoder implements it.
type Decoder interface {
	Decode(ctx context.Context, path string) (*audio.Clip, error)
}

// Saver persists records. *store.Store implements it.
type Saver interface {
	Save(ctx context.Context, rec *transcript.Record) (string, error)
}

// Settings selects the model and decoding options.
type Settings struct {
	Model     string
	Device    string // "auto", "cpu" or "cuda"
	Language  string
	Translate bool
	BeamSize  int
	Threads   uint
}

// Options configures a Worker.
type Options struct {
	Settings Settings
	Models   ModelPreparer
	Pool     ModelProvider
	Decoder  Decoder
	Saver    Saver
	Logger   *slog.Logger
	Metrics  *observe.Metrics
	// Now and GPU are overridable for tests.
	Now func() time.Time
	GPU func() bool
}

// Worker starts transcription batches. One Worker may run several batches
// concurrently; each is independent.
type Worker struct {
	opts    Options
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New creates a Worker.
func New(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GPU == nil {
		opts.GPU = transcribe.GPUAvailable
	}
	return &Worker{opts: opts, logger: opts.Logger, metrics: observe.OrDefault(opts.Metrics)}
}

// CancelHandle requests cooperative cancellation of a batch.
type CancelHandle struct {
	flag   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel asks the batch to stop at the next segment boundary. Idempotent.
func (h *CancelHandle) Cancel() {
	if h.flag.CompareAndSwap(false, true) {
		h.cancel()
	}
}

func (h *CancelHandle) cancelled() bool { return h.flag.Load() }

// Done is closed when the batch goroutine has exited, after OnComplete was
// posted.
func (h *CancelHandle) Done() <-chan struct{} { return h.done }

// ErrNoPoster is returned by Start when Callbacks.Poster is nil.
var ErrNoPoster = errors.New("worker: Callbacks.Poster is required")

// Start transcribes paths sequentially in the background. cb.Poster is
// required; without it no batch is started and no callback runs.
func (w *Worker) Start(paths []string, cb Callbacks) (*CancelHandle, error) {
	if cb.Poster == nil {
		return nil, ErrNoPoster
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &CancelHandle{cancel: cancel, done: make(chan struct{})}
	files := append([]string(nil), paths...)

	go func() {
		defer close(h.done)
		defer cancel()
		b := &batch{w: w, h: h, cb: cb, paths: files}
		res := b.run(ctx)
		w.metrics.RecordBatch(context.Background(), string(res.Status))
		w.logger.Info("transcription batch finished", "status", res.Status, "files", len(files),
			"segments", len(res.Segments), "error", res.Err)
		b.post(func() {
			if cb.OnComplete != nil {
				cb.OnComplete(res)
			}
		})
	}()
	return h
}

type batch struct {
	w     *Worker
	h     *CancelHandle
	cb    Callbacks
	paths []string

	segments []transcript.Segment
	saved    []string
	saveErr  error
}

func (b *batch) post(fn func()) { b.cb.Poster.Post(fn) }

func (b *batch) progress(p Progress) {
	if b.cb.OnProgress == nil {
		return
	}
	b.post(func() { b.cb.OnProgress(p) })
}

func (b *batch) result(status Status, err error) Result {
	res := Result{
		Status:     status,
		Segments:   b.segments,
		SavedPaths: b.saved,
		Err:        err,
	}
	if len(b.saved) > 0 {
		res.SavedPath = b.saved[len(b.saved)-1]
	}
	return res
}

func (b *batch) run(ctx context.Context) Result {
	if len(b.paths) == 0 {
		return b.result(StatusNoFiles, nil)
	}
	s := b.w.opts.Settings

	device, compute := transcribe.ResolveDevice(s.Device, b.w.opts.GPU)
	handle, err := b.w.opts.Models.EnsureReady(ctx, s.Model, device, compute, func(pct float64, msg string) {
		b.progress(Progress{Phase: PhaseModel, Percent: pct, Message: msg, FileCount: len(b.paths)})
	})
	if err != nil {
		if b.h.cancelled() {
			return b.result(StatusCancelled, nil)
		}
		return b.result(StatusError, err)
	}

	lease, err := b.w.opts.Pool.Acquire(ctx, transcribe.Key{Model: handle.Name, Device: device, Compute: compute})
	if err != nil {
		if b.h.cancelled() {
			return b.result(StatusCancelled, nil)
		}
		ue := models.Classify(handle.Name, err)
		b.progress(Progress{Phase: PhaseModel, Percent: -1, Message: ue.Error(), FileCount: len(b.paths)})
		return b.result(StatusError, ue)
	}
	defer lease.Release()

	opts := transcribe.Options{
		Language:  s.Language,
		Translate: s.Translate,
		BeamSize:  s.BeamSize,
		Threads:   s.Threads,
	}

	for i, path := range b.paths {
		if b.h.cancelled() {
			return b.result(StatusCancelled, nil)
		}
		status, err := b.file(ctx, lease.Model(), opts, i, path)
		if status != StatusCompleted {
			return b.result(status, err)
		}
	}

	if b.saveErr != nil {
		return b.result(StatusCompletedSaveFailed, b.saveErr)
	}
	return b.result(StatusCompleted, nil)
}

// file transcribes one path. It returns StatusCompleted when the batch
// should continue.
func (b *batch) file(ctx context.Context, model transcribe.Model, opts transcribe.Options, idx int, path string) (Status, error) {
	logger := b.w.logger.With("file", path, "index", idx+1, "of", len(b.paths))
	logger.Info("transcribing file")

	fail := func(err error) (Status, error) {
		if b.h.cancelled() {
			return StatusCancelled, nil
		}
		logger.Error("transcription failed", "error", err)
		return StatusError, &TranscriptionError{Path: path, Err: err}
	}

	clip, err := b.w.opts.Decoder.Decode(ctx, path)
	if err != nil {
		return fail(err)
	}
	stream, err := model.Transcribe(ctx, clip.Samples, opts)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = stream.Close() }()

	b.progress(Progress{Phase: PhaseTranscribe, FileIndex: idx, FileCount: len(b.paths), Path: path})

	var fileSegs []transcript.Segment
	total := clip.Duration.Seconds()
	for {
		if b.h.cancelled() {
			return StatusCancelled, nil
		}
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		// A segment finished after Cancel is dropped.
		if b.h.cancelled() {
			return StatusCancelled, nil
		}

		start := max(seg.Start.Seconds(), 0)
		end := max(seg.End.Seconds(), start)
		ts := transcript.NewSegment(start, end, seg.Text, "")
		fileSegs = append(fileSegs, ts)
		b.segments = append(b.segments, ts)
		b.w.metrics.Segments.Add(ctx, 1)

		fraction := 0.0
		if total > 0 {
			fraction = min(end/total, 1)
		}
		ev := SegmentEvent{FileIndex: idx, Path: path, Index: len(fileSegs) - 1, Segment: ts}
		b.progress(Progress{
			Phase: PhaseTranscribe, FileIndex: idx, FileCount: len(b.paths), Path: path,
			Fraction: fraction, Segments: len(fileSegs),
		})
		if b.cb.OnSegment != nil {
			b.post(func() { b.cb.OnSegment(ev) })
		}
	}

	b.progress(Progress{
		Phase: PhaseTranscribe, FileIndex: idx, FileCount: len(b.paths), Path: path,
		Fraction: 1, Segments: len(fileSegs),
	})

	rec := transcript.New(b.w.opts.Now(), fileSegs, stream.Language(), path)
	saved, err := b.w.opts.Saver.Save(ctx, rec)
	if err != nil {
		perr := &PersistenceError{Path: path, Err: err}
		logger.Error("transcript not saved", "error", err)
		if b.saveErr == nil {
			b.saveErr = perr
		} else {
			b.saveErr = errors.Join(b.saveErr, perr)
		}
		return StatusCompleted, nil
	}
	logger.Info("transcript saved", "path", saved, "segments", len(fileSegs))
	b.saved = append(b.saved, saved)
	return StatusCompleted, nil
}

// Synchronous runs paths on the calling goroutine and returns the result.
// Callbacks are run inline through a private loop; it is meant for CLIs.
func (w *Worker) Synchronous(ctx context.Context, paths []string, onProgress func(Progress), onSegment func(SegmentEvent)) Result {
	loop := mainloop.New()
	var (
		once sync.Once
		res  Result
	)
	h, err := w.Start(paths, Callbacks{
		Poster:     loop,
		OnProgress: onProgress,
		OnSegment:  onSegment,
		OnComplete: func(r Result) {
			once.Do(func() {
				res = r
				loop.Close()
			})
		},
	})
	if err != nil {
		return Result{Status: StatusError, Err: err}
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()
	_ = loop.Run(context.Background())
	<-h.Done()
	return res
}
