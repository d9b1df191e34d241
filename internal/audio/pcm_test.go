package audio

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestPCM16ToFloat32(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []float32
	}{
		{"zero", []byte{0x00, 0x00}, []float32{0}},
		{"half", []byte{0x00, 0x40}, []float32{0.5}},
		{"min", []byte{0x00, 0x80}, []float32{-1}},
		{"odd trailing byte", []byte{0x00, 0x40, 0x7f}, []float32{0.5}},
		{"empty", nil, []float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PCM16ToFloat32(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("PCM16ToFloat32(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPCMDuration(t *testing.T) {
	if got := PCMDuration(make([]byte, 32000)); got != time.Second {
		t.Errorf("PCMDuration(32000 bytes) = %v, want 1s", got)
	}
}

func TestDownmix(t *testing.T) {
	got := Downmix([]float32{0.2, 0.4, -1, 1}, 2)
	want := []float32{0.3, 0}
	if len(got) != 2 || abs(got[0]-want[0]) > 1e-6 || got[1] != 0 {
		t.Errorf("Downmix() = %v, want %v", got, want)
	}
	mono := []float32{1, 2}
	if got := Downmix(mono, 1); &got[0] != &mono[0] {
		t.Error("Downmix of mono should return the input")
	}
}

func TestResample(t *testing.T) {
	in := make([]float32, 48000)
	for i := range in {
		in[i] = 0.25
	}
	out := Resample(in, 48000, SampleRate)
	if len(out) != SampleRate {
		t.Fatalf("len = %d, want %d", len(out), SampleRate)
	}
	for i, v := range out {
		if v != 0.25 {
			t.Fatalf("out[%d] = %v, want 0.25", i, v)
		}
	}

	up := Resample([]float32{0, 1}, 1, 2)
	if len(up) != 4 || up[1] != 0.5 {
		t.Errorf("upsample = %v, want interpolated midpoint", up)
	}
	if got := Resample(in, SampleRate, SampleRate); len(got) != len(in) {
		t.Error("equal rates should be a no-op")
	}
}

func TestDecodeStereo44kWAV(t *testing.T) {
	// 0.25s of stereo 44.1kHz with L=0.5, R=0.
	frames := 44100 / 4
	pcm := make([]byte, frames*4)
	for i := range frames {
		pcm[i*4+1] = 0x40
	}
	path := filepath.Join(t.TempDir(), "stereo.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WritePCMWAV(f, pcm, 44100, 2); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d := &Decoder{}
	clip, err := d.Decode(context.Background(), path)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if want := SampleRate / 4; len(clip.Samples) != want {
		t.Fatalf("len = %d, want %d", len(clip.Samples), want)
	}
	if v := clip.Samples[100]; abs(v-0.25) > 1e-4 {
		t.Errorf("sample = %v, want 0.25 (downmixed)", v)
	}
}

func TestDecodeMissingFile(t *testing.T) {
	d := &Decoder{}
	if _, err := d.Decode(context.Background(), "/nonexistent/file.mp3"); err == nil {
		t.Fatal("Decode() of a missing file should fail")
	}
}

func TestFFmpegArgs(t *testing.T) {
	d := &Decoder{FFmpegCommand: `/opt/ff/ffmpeg -threads 2 -i_qfactor "1 2"`}
	args, err := d.FFmpegArgs("/m/a b.mp3")
	if err != nil {
		t.Fatalf("FFmpegArgs() error = %v", err)
	}
	if args[0] != "/opt/ff/ffmpeg" || args[4] != "1 2" {
		t.Errorf("command prefix = %q", args[:5])
	}
	if !slices.Contains(args, "/m/a b.mp3") || args[len(args)-1] != "-" {
		t.Errorf("args = %q", args)
	}
	if !slices.Contains(args, "s16le") || !slices.Contains(args, "16000") {
		t.Errorf("args missing output format: %q", args)
	}

	if _, err := (&Decoder{FFmpegCommand: `ffmpeg "unterminated`}).FFmpegArgs("x"); err == nil {
		t.Error("unterminated quote should fail to parse")
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
