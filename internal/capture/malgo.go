package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/recast/internal/audio"
	"github.com/chaz8081/recast/internal/device"
)

// MalgoBuilder builds graphs on miniaudio. PipeWire sources are opened
// through PipeWire's PulseAudio server, which addresses nodes by name.
type MalgoBuilder struct {
	Logger *slog.Logger
}

// BackendsFor maps a source element to the miniaudio backends to try. A nil
// result lets miniaudio pick.
func BackendsFor(element string) ([]malgo.Backend, error) {
	switch element {
	case device.ElementAuto:
		return nil, nil
	case device.ElementPipeWire, device.ElementPulse:
		return []malgo.Backend{malgo.BackendPulseaudio}, nil
	case device.ElementALSA:
		return []malgo.Backend{malgo.BackendAlsa}, nil
	}
	return nil, fmt.Errorf("unknown source element %q", element)
}

// Build implements Builder. Partially created resources are released on
// every failure path.
func (b *MalgoBuilder) Build(ctx context.Context, src Source, sink func([]byte)) (Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BuildError{Source: src, Stage: "build", Err: err}
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backends, err := BackendsFor(src.Element)
	if err != nil {
		return nil, &BuildError{Source: src, Stage: "element", Err: err}
	}

	mctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &BuildError{Source: src, Stage: "context", Err: err}
	}
	g := &malgoGraph{ctx: mctx, logger: logger}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate

	if target := src.Target(); target != "" {
		info, err := findCaptureDevice(mctx, target)
		if err != nil {
			g.Close()
			return nil, &BuildError{Source: src, Stage: "device", Err: err}
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := int(frames) * audio.Channels * audio.BytesPerSample
			if n > len(in) {
				n = len(in)
			}
			frame := make([]byte, n)
			copy(frame, in[:n])
			sink(frame)
		},
	})
	if err != nil {
		g.Close()
		return nil, &BuildError{Source: src, Stage: "device", Err: err}
	}
	g.dev = dev
	return g, nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, target string) (*malgo.DeviceInfo, error) {
	infos, err := mctx.Context.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("listing capture devices: %w", err)
	}
	for i := range infos {
		if device.DecodeDeviceID(infos[i].ID) == target || infos[i].Name() == target {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("capture device %q not present", target)
}

type malgoGraph struct {
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	logger *slog.Logger
}

func (g *malgoGraph) Start() error {
	if g.dev == nil {
		return errors.New("capture: device not initialized")
	}
	if err := g.dev.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	return nil
}

func (g *malgoGraph) Stop() error {
	if g.dev == nil {
		return nil
	}
	if err := g.dev.Stop(); err != nil {
		return fmt.Errorf("stopping capture device: %w", err)
	}
	return nil
}

func (g *malgoGraph) Close() {
	if g.dev != nil {
		g.dev.Uninit()
		g.dev = nil
	}
	if g.ctx != nil {
		if err := g.ctx.Uninit(); err != nil {
			g.logger.Warn("uninitializing audio context", "error", err)
		}
		g.ctx.Free()
		g.ctx = nil
	}
}
