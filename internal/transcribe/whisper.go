package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperModel wraps a whisper.cpp model. Inference calls are serialized.
type WhisperModel struct {
	model whisper.Model
	mu    sync.Mutex
}

// NewWhisperModel loads a ggml model file. The caller must call Close.
func NewWhisperModel(modelPath string) (*WhisperModel, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load whisper model %q: %w", modelPath, err)
	}
	return &WhisperModel{model: model}, nil
}

// WhisperLoader returns a pool loader that opens the file resolve maps a
// model name to.
func WhisperLoader(resolve func(name string) (string, error)) Loader {
	return func(_ context.Context, key Key) (Model, error) {
		path, err := resolve(key.Model)
		if err != nil {
			return nil, err
		}
		return NewWhisperModel(path)
	}
}

// Close releases the whisper model resources.
func (m *WhisperModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		err := m.model.Close()
		m.model = nil
		return err
	}
	return nil
}

// Transcribe implements Model. Segments are handed over as whisper decodes
// them, so a consumer can stop between segments; inference itself stops at
// the next encoder window once ctx is cancelled or the stream is closed.
func (m *WhisperModel) Transcribe(ctx context.Context, samples []float32, opts Options) (Stream, error) {
	m.mu.Lock()
	if m.model == nil {
		m.mu.Unlock()
		return nil, errors.New("transcribe: model closed")
	}
	wctx, err := m.model.NewContext()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("transcribe: create context: %w", err)
	}

	lang := strings.TrimSpace(opts.Language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("transcribe: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(opts.Translate)
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	if opts.Threads > 0 {
		wctx.SetThreads(opts.Threads)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &whisperStream{
		segs:   make(chan Segment),
		done:   make(chan struct{}),
		cancel: cancel,
		lang:   lang,
	}

	go func() {
		defer m.mu.Unlock()
		defer close(s.done)
		defer close(s.segs)

		err := wctx.Process(samples,
			func() bool { return ctx.Err() == nil },
			func(seg whisper.Segment) {
				select {
				case s.segs <- Segment{Start: seg.Start, End: seg.End, Text: strings.TrimSpace(seg.Text)}:
				case <-ctx.Done():
				}
			},
			nil,
		)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		detected := ""
		if lang == "auto" {
			detected = wctx.DetectedLanguage()
		}
		s.mu.Lock()
		s.err = err
		if detected != "" {
			s.lang = detected
		}
		s.mu.Unlock()
	}()
	return s, nil
}

type whisperStream struct {
	segs   chan Segment
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	lang string
}

func (s *whisperStream) Next() (Segment, error) {
	seg, ok := <-s.segs
	if ok {
		return seg, nil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Segment{}, fmt.Errorf("transcribe: process: %w", s.err)
	}
	return Segment{}, io.EOF
}

func (s *whisperStream) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

func (s *whisperStream) Close() error {
	s.cancel()
	for range s.segs {
	}
	<-s.done
	return nil
}
