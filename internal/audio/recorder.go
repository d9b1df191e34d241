package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder accumulates capture buffers between Start and Stop. Consume is
// safe to call from the capture thread; it only appends under a mutex.
type Recorder struct {
	maxBytes int

	mu        sync.Mutex
	buf       []byte
	recording bool
	truncated bool
}

// NewRecorder returns a Recorder that keeps at most maxDuration of audio
// (0 means unbounded).
func NewRecorder(maxDuration time.Duration) *Recorder {
	return &Recorder{
		maxBytes: int(maxDuration.Seconds() * SampleRate * BytesPerSample),
	}
}

// Start clears the buffer and begins accepting frames.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return fmt.Errorf("already recording")
	}
	r.buf = r.buf[:0] // reset buffer but keep capacity
	r.truncated = false
	r.recording = true
	return nil
}

// Consume appends one capture buffer. Frames arriving while stopped are
// discarded.
func (r *Recorder) Consume(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	if r.maxBytes > 0 && len(r.buf)+len(frame) > r.maxBytes {
		frame = frame[:max(0, r.maxBytes-len(r.buf))]
		r.truncated = true
	}
	r.buf = append(r.buf, frame...)
}

// Stop ends the recording and returns a copy of the captured PCM. It
// returns nil if the recorder was not recording.
func (r *Recorder) Stop() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return nil
	}
	r.recording = false

	result := make([]byte, len(r.buf))
	copy(result, r.buf)
	return result
}

// IsRecording returns whether the recorder is currently accepting frames.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Truncated reports whether frames were dropped because the size limit was hit.
func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Duration returns how much audio is buffered.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return PCMDuration(r.buf)
}

// WriteWAV writes 16 kHz mono PCM to path as a WAV file. The file appears
// at path only once fully written.
func WriteWAV(path string, pcm []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("audio: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("audio: create temp wav: %w", err)
	}
	tmpPath := tmp.Name()

	if err := WritePCMWAV(tmp, pcm, SampleRate, Channels); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("audio: close wav: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("audio: move wav into place: %w", err)
	}
	return nil
}
