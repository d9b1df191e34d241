package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// errNotPCMWAV marks a .wav file the native decoder cannot read (compressed
// or float payloads); those go through ffmpeg instead.
var errNotPCMWAV = errors.New("audio: not a PCM wav file")

// Clip is decoded model input.
type Clip struct {
	Samples  []float32
	Duration time.Duration
}

// Decoder turns media files into 16 kHz mono float32 samples. Integer PCM
// WAV files are decoded natively; everything else is piped through ffmpeg.
type Decoder struct {
	// FFmpegCommand is the ffmpeg invocation, parsed with shell quoting
	// rules. Empty means "ffmpeg".
	FFmpegCommand string
	Logger        *slog.Logger
}

// Decode reads path and returns its samples in model format.
func (d *Decoder) Decode(ctx context.Context, path string) (*Clip, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		clip, err := decodeWAV(path)
		if err == nil {
			return clip, nil
		}
		if !errors.Is(err, errNotPCMWAV) {
			return nil, err
		}
		d.logger().Debug("wav not natively decodable, using ffmpeg", "path", path)
	}
	return d.decodeFFmpeg(ctx, path)
}

func (d *Decoder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func decodeWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() || dec.WavAudioFormat != 1 {
		return nil, errNotPCMWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("audio: %s: missing format", path)
	}

	bits := buf.SourceBitDepth
	if bits == 0 {
		bits = int(dec.BitDepth)
	}
	samples := make([]float32, len(buf.Data))
	switch bits {
	case 8:
		for i, v := range buf.Data {
			samples[i] = float32(v-128) / 128.0
		}
	case 16, 24, 32:
		scale := float32(int64(1) << (bits - 1))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	default:
		return nil, errNotPCMWAV
	}

	mono := Downmix(samples, buf.Format.NumChannels)
	mono = Resample(mono, buf.Format.SampleRate, SampleRate)
	return &Clip{
		Samples:  mono,
		Duration: time.Duration(len(mono)) * time.Second / SampleRate,
	}, nil
}

// FFmpegArgs returns the argument list used to decode path.
func (d *Decoder) FFmpegArgs(path string) ([]string, error) {
	command := d.FFmpegCommand
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("audio: parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio: empty ffmpeg command")
	}
	return append(args,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le", "-ac", strconv.Itoa(Channels), "-ar", strconv.Itoa(SampleRate),
		"-",
	), nil
}

func (d *Decoder) decodeFFmpeg(ctx context.Context, path string) (*Clip, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	args, err := d.FFmpegArgs(path)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from user config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg decode %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}

	pcm := stdout.Bytes()
	return &Clip{
		Samples:  PCM16ToFloat32(pcm),
		Duration: PCMDuration(pcm),
	}, nil
}
