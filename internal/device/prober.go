package device

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/recast/internal/pipewire"
)

// PipeWireProber lists sources from a one-shot pw-dump.
type PipeWireProber struct {
	// Command is the dump command, "pw-dump" when empty.
	Command string
}

// Name implements the optional naming used in log output.
func (p *PipeWireProber) Name() string { return "pipewire" }

// Probe implements Prober.
func (p *PipeWireProber) Probe(ctx context.Context) ([]Endpoint, error) {
	cmd := p.Command
	if cmd == "" {
		cmd = "pw-dump"
	}
	g, err := pipewire.Snapshot(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return endpointsFromGraph(g), nil
}

func endpointsFromGraph(g *pipewire.Graph) []Endpoint {
	var out []Endpoint
	for _, n := range g.Sources() {
		props := map[string]string{PropAPI: APIPipeWire}
		if cls := n.Props["device.class"]; cls != "" {
			props[PropClass] = cls
		}
		if n.Props["stream.monitor"] == "true" || strings.HasSuffix(n.Name, ".monitor") {
			props[PropClass] = "monitor"
		}
		out = append(out, Endpoint{
			ID:      n.Name,
			Name:    n.Description,
			Backend: APIPipeWire,
			Serial:  n.Serial,
			Props:   props,
		})
	}
	return out
}

// MalgoProber enumerates capture devices through miniaudio, one backend at
// a time so each endpoint is tagged with the backend that reported it.
type MalgoProber struct {
	Backends []malgo.Backend
}

// NewMalgoProber probes PulseAudio (which PipeWire also serves) and ALSA.
func NewMalgoProber() *MalgoProber {
	return &MalgoProber{Backends: []malgo.Backend{malgo.BackendPulseaudio, malgo.BackendAlsa}}
}

// Name implements the optional naming used in log output.
func (p *MalgoProber) Name() string { return "malgo" }

// Probe implements Prober. It fails only if every backend fails.
func (p *MalgoProber) Probe(ctx context.Context) ([]Endpoint, error) {
	var (
		out     []Endpoint
		lastErr error
		ok      bool
	)
	for _, b := range p.Backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eps, err := probeBackend(b)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		out = append(out, eps...)
	}
	if !ok {
		if lastErr == nil {
			lastErr = fmt.Errorf("device: no capture backends configured")
		}
		return nil, lastErr
	}
	return out, nil
}

func probeBackend(b malgo.Backend) ([]Endpoint, error) {
	mctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init %s context: %w", BackendName(b), err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Context.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("device: list %s capture devices: %w", BackendName(b), err)
	}

	api := BackendName(b)
	out := make([]Endpoint, 0, len(infos))
	for i := range infos {
		id := DecodeDeviceID(infos[i].ID)
		props := map[string]string{PropAPI: api}
		if api == APIPulse && strings.HasSuffix(id, ".monitor") {
			props[PropClass] = "monitor"
		}
		out = append(out, Endpoint{
			ID:      id,
			Name:    infos[i].Name(),
			Backend: api,
			Serial:  -1,
			Props:   props,
		})
	}
	return out, nil
}

// BackendName maps a miniaudio backend to an api classification.
func BackendName(b malgo.Backend) string {
	switch b {
	case malgo.BackendPulseaudio:
		return APIPulse
	case malgo.BackendAlsa:
		return APIALSA
	}
	return "backend-" + strconv.FormatUint(uint64(b), 10)
}

// DecodeDeviceID returns the textual device id PulseAudio and ALSA store in
// a miniaudio DeviceID. Other backends fall back to the hex form.
func DecodeDeviceID(id malgo.DeviceID) string {
	raw := id[:]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 {
		return ""
	}
	for _, c := range raw {
		if c < 0x20 || c > 0x7e {
			return id.String()
		}
	}
	return string(raw)
}
