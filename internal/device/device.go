// Package device enumerates and classifies audio input endpoints.
package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chaz8081/recast/internal/pipewire"
)

// Transport classifications.
const (
	APIPipeWire = "pipewire"
	APIPulse    = "pulse"
	APIALSA     = "alsa"
	APIDefault  = "default"
)

// Device kinds.
const (
	KindPhysical = "physical"
	KindMonitor  = "monitor"
	KindDefault  = "default"
)

// Capture backend element names.
const (
	ElementAuto     = "autoaudiosrc"
	ElementPipeWire = "pipewiresrc"
	ElementPulse    = "pulsesrc"
	ElementALSA     = "alsasrc"
)

// Reserved identifiers.
const (
	SystemDefaultID   = ""
	PipeWireDefaultID = "pipewire-default"
	ALSAFallbackID    = "alsa-default"
)

// Property keys an Endpoint may carry.
const (
	PropAPI   = "device.api"
	PropClass = "device.class"
)

// AudioDevice is one selectable input endpoint. Values are rebuilt on every
// enumeration and never mutated.
type AudioDevice struct {
	ID   string
	Name string
	API  string
	Kind string
	// RoutingSerial identifies the live graph node, or -1 when unknown.
	RoutingSerial  int64
	BackendElement string
}

// Key is the identity triple for equality and hashing.
type Key struct {
	ID, API, Kind string
}

// Key returns the device's identity.
func (d AudioDevice) Key() Key {
	return Key{ID: d.ID, API: d.API, Kind: d.Kind}
}

// SystemDefault is the synthetic entry that lets the OS pick the source.
func SystemDefault() AudioDevice {
	return AudioDevice{
		ID:             SystemDefaultID,
		Name:           "System Default",
		API:            APIDefault,
		Kind:           KindDefault,
		RoutingSerial:  -1,
		BackendElement: ElementAuto,
	}
}

// PipeWireDefault is the synthetic entry bound to PipeWire's own default.
func PipeWireDefault() AudioDevice {
	return AudioDevice{
		ID:             PipeWireDefaultID,
		Name:           "Default PipeWire Source",
		API:            APIPipeWire,
		Kind:           KindDefault,
		RoutingSerial:  -1,
		BackendElement: ElementPipeWire,
	}
}

// ALSAFallback is returned when no prober could enumerate anything.
func ALSAFallback() AudioDevice {
	return AudioDevice{
		ID:             ALSAFallbackID,
		Name:           "Default ALSA Source (Fallback)",
		API:            APIALSA,
		Kind:           KindDefault,
		RoutingSerial:  -1,
		BackendElement: ElementALSA,
	}
}

// Endpoint is a raw probe result before classification.
type Endpoint struct {
	ID      string
	Name    string
	Backend string // the enumerating backend, e.g. "pulse"
	Serial  int64
	Props   map[string]string
}

// Prober enumerates input endpoints from one audio subsystem.
type Prober interface {
	Probe(ctx context.Context) ([]Endpoint, error)
}

// Catalog lists input devices across one or more probers.
type Catalog struct {
	probers           []Prober
	pipewireAvailable func() bool
	logger            *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPipeWireCheck overrides the PipeWire availability check.
func WithPipeWireCheck(fn func() bool) Option {
	return func(c *Catalog) { c.pipewireAvailable = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// NewCatalog creates a catalog over the given probers, queried in order.
func NewCatalog(probers []Prober, opts ...Option) *Catalog {
	c := &Catalog{
		probers:           probers,
		pipewireAvailable: pipewire.SocketAvailable,
		logger:            slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListInputDevices returns the synthetic defaults followed by every probed
// endpoint. The result is never empty and its first element is always
// SystemDefault.
func (c *Catalog) ListInputDevices(ctx context.Context) []AudioDevice {
	out := []AudioDevice{SystemDefault()}
	seen := map[dedupeKey]bool{dedupeOf(out[0]): true}
	add := func(d AudioDevice) {
		k := dedupeOf(d)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, d)
	}

	if c.pipewireAvailable != nil && c.pipewireAvailable() {
		add(PipeWireDefault())
	}

	probed := false
	for _, p := range c.probers {
		eps, err := p.Probe(ctx)
		if err != nil {
			c.logger.Warn("device probe failed", "prober", proberName(p), "error", err)
			continue
		}
		probed = true
		for _, ep := range eps {
			// An empty id is reserved for the system default.
			if ep.ID == "" {
				c.logger.Debug("skipping endpoint without id", "prober", proberName(p), "name", ep.Name)
				continue
			}
			add(Classify(ep))
		}
	}

	if !probed {
		add(ALSAFallback())
	}
	return out
}

type dedupeKey struct {
	idOrName string
	kind     string
}

// dedupeOf keys default entries by name and everything else by id.
// Probed endpoints always carry a non-empty id.
func dedupeOf(d AudioDevice) dedupeKey {
	k := d.ID
	if k == "" || d.Kind == KindDefault {
		k = d.Name
	}
	return dedupeKey{idOrName: k, kind: d.Kind}
}

// Classify turns a probed endpoint into an AudioDevice. Explicit device.api
// and device.class properties win; the enumerating backend comes next, and
// substring matching on id and name is the last resort.
func Classify(ep Endpoint) AudioDevice {
	api := classifyAPI(ep)
	d := AudioDevice{
		ID:             ep.ID,
		Name:           ep.Name,
		API:            api,
		Kind:           classifyKind(ep),
		RoutingSerial:  -1,
		BackendElement: elementFor(api),
	}
	if d.Name == "" {
		d.Name = ep.ID
	}
	if ep.Serial > 0 && api == APIPipeWire {
		d.RoutingSerial = ep.Serial
	}
	return d
}

func classifyAPI(ep Endpoint) string {
	if v := normalizeAPI(ep.Props[PropAPI]); v != "" {
		return v
	}
	if v := normalizeAPI(ep.Backend); v != "" {
		return v
	}
	probe := strings.ToLower(ep.ID + " " + ep.Name)
	switch {
	case strings.Contains(probe, "pipewire"):
		return APIPipeWire
	case strings.Contains(probe, "pulse"):
		return APIPulse
	case strings.Contains(probe, "alsa") || strings.HasPrefix(strings.ToLower(ep.ID), "hw:"):
		return APIALSA
	}
	return APIDefault
}

func normalizeAPI(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pipewire":
		return APIPipeWire
	case "pulse", "pulseaudio":
		return APIPulse
	case "alsa":
		return APIALSA
	}
	return ""
}

func classifyKind(ep Endpoint) string {
	switch strings.ToLower(ep.Props[PropClass]) {
	case "monitor":
		return KindMonitor
	case "":
		id, name := strings.ToLower(ep.ID), strings.ToLower(ep.Name)
		if strings.HasSuffix(id, ".monitor") || strings.HasPrefix(name, "monitor of ") {
			return KindMonitor
		}
	}
	return KindPhysical
}

func elementFor(api string) string {
	switch api {
	case APIPipeWire:
		return ElementPipeWire
	case APIPulse:
		return ElementPulse
	case APIALSA:
		return ElementALSA
	}
	return ElementAuto
}

func proberName(p Prober) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
