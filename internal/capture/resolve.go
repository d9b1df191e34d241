package capture

import (
	"fmt"
	"strconv"

	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/tracker"
)

// Mode selects how the capture source is chosen.
type Mode int

const (
	// ModeUnset captures from whatever the OS picks.
	ModeUnset Mode = iota
	// ModeFollowDefault tracks the session manager's default input.
	ModeFollowDefault
	// ModeSpecificDevice binds to Config.DeviceID.
	ModeSpecificDevice
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeFollowDefault:
		return "follow-default"
	case ModeSpecificDevice:
		return "specific-device"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Config is the single source of truth for a pipeline build.
type Config struct {
	Mode Mode
	// DeviceID is only read in ModeSpecificDevice.
	DeviceID string
	// LastChoicePipeWireDefault records that the user last picked the
	// "Default PipeWire Source" entry.
	LastChoicePipeWireDefault bool
}

// FollowDefault returns a follow-default config.
func FollowDefault(lastChoicePipeWire bool) Config {
	return Config{Mode: ModeFollowDefault, LastChoicePipeWireDefault: lastChoicePipeWire}
}

// SpecificDevice returns a config bound to id.
func SpecificDevice(id string) Config {
	return Config{Mode: ModeSpecificDevice, DeviceID: id}
}

// Source properties.
const (
	// PropTarget names the endpoint the source element binds to.
	PropTarget = "target-object"
	// PropSerial carries the PipeWire node serial when known.
	PropSerial = "target-serial"
)

// Source is a resolved source element and its properties.
type Source struct {
	Element    string
	Properties map[string]string
}

// Target returns the bound endpoint, or "" for the backend's default.
func (s Source) Target() string { return s.Properties[PropTarget] }

func (s Source) String() string {
	if t := s.Target(); t != "" {
		return s.Element + "(" + t + ")"
	}
	return s.Element
}

func autoSource() Source {
	return Source{Element: device.ElementAuto, Properties: map[string]string{}}
}

// DeviceResolutionWarning reports that the configured device is gone and
// capture fell back to automatic source selection.
type DeviceResolutionWarning struct {
	DeviceID string
}

func (w *DeviceResolutionWarning) Error() string {
	return fmt.Sprintf("capture: device %q not found, using automatic source selection", w.DeviceID)
}

// Resolve picks the source for cfg. route is the tracker's latest default
// (tracker.Lost when unknown) and devices is the current catalog listing.
// It never fails; a vanished device yields the automatic source plus a
// warning.
func Resolve(cfg Config, route tracker.DefaultChanged, devices []device.AudioDevice) (Source, *DeviceResolutionWarning) {
	switch cfg.Mode {
	case ModeFollowDefault:
		if route.Known() {
			props := map[string]string{PropTarget: route.EndpointID}
			if route.Serial >= 0 {
				props[PropSerial] = strconv.FormatInt(route.Serial, 10)
			}
			return Source{Element: device.ElementPipeWire, Properties: props}, nil
		}
		if cfg.LastChoicePipeWireDefault {
			return Source{Element: device.ElementPipeWire, Properties: map[string]string{}}, nil
		}
		return autoSource(), nil

	case ModeSpecificDevice:
		if cfg.DeviceID == device.SystemDefaultID {
			return autoSource(), nil
		}
		for _, d := range devices {
			if d.ID == cfg.DeviceID {
				return sourceFor(d), nil
			}
		}
		return autoSource(), &DeviceResolutionWarning{DeviceID: cfg.DeviceID}
	}
	return autoSource(), nil
}

func sourceFor(d device.AudioDevice) Source {
	props := map[string]string{}
	switch d.ID {
	case device.PipeWireDefaultID, device.ALSAFallbackID:
		// Backend default, no explicit target.
	default:
		props[PropTarget] = d.ID
	}
	if d.RoutingSerial >= 0 {
		props[PropSerial] = strconv.FormatInt(d.RoutingSerial, 10)
	}
	el := d.BackendElement
	if el == "" {
		el = device.ElementAuto
	}
	return Source{Element: el, Properties: props}
}
