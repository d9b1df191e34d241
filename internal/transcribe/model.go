// Package transcribe runs speech models over 16 kHz mono audio.
//
// A Model yields a one-shot Stream of segments per call. Loaded models are
// shared through a Pool keyed by model name, device and compute type.
package transcribe

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// Segment is one recognized span of speech.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Options tunes a single transcription.
type Options struct {
	// Language is an ISO code, or "" / "auto" to detect.
	Language  string
	Translate bool
	BeamSize  int
	Threads   uint
}

// Model is a loaded speech model.
type Model interface {
	// Transcribe starts recognizing samples. Segments are produced lazily
	// and the stream cannot be restarted.
	Transcribe(ctx context.Context, samples []float32, opts Options) (Stream, error)
	Close() error
}

// Stream is a finite sequence of segments for one input.
type Stream interface {
	// Next returns the next segment, or io.EOF after the last one.
	Next() (Segment, error)
	// Language is the configured or detected language. It is final once
	// Next has returned io.EOF.
	Language() string
	// Close abandons the stream and waits for inference to stop.
	Close() error
}

// Device preferences and compute types.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"

	ComputeInt8    = "int8"
	ComputeFloat16 = "float16"
)

// GPUAvailable reports whether an NVIDIA device node or nvidia-smi is
// present.
func GPUAvailable() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// ResolveDevice turns a device preference into a concrete device and the
// compute type used with it.
func ResolveDevice(pref string, gpu func() bool) (device, compute string) {
	switch pref {
	case DeviceCUDA:
		return DeviceCUDA, ComputeFloat16
	case DeviceCPU:
		return DeviceCPU, ComputeInt8
	}
	if gpu != nil && gpu() {
		return DeviceCUDA, ComputeFloat16
	}
	return DeviceCPU, ComputeInt8
}
