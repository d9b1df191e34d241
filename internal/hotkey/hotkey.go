// Package hotkey provides a global hotkey listener using gohook.
// It supports "hold" mode (press to start, release to stop) and
// "toggle" mode (press to start, press again to stop). The recorder and
// live dictation in cmd/recast are driven by its events.
package hotkey

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Modes.
const (
	ModeHold   = "hold"
	ModeToggle = "toggle"
)

// EventType indicates whether capture should start or stop.
type EventType int

const (
	// EventStart signals that the hotkey was activated.
	EventStart EventType = iota
	// EventStop signals that the hotkey was deactivated.
	EventStop
)

func (t EventType) String() string {
	if t == EventStart {
		return "start"
	}
	return "stop"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages a global hotkey and emits start/stop events.
type Listener struct {
	keys   []string
	mode   string
	logger *slog.Logger
	ch     chan Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	active bool
}

// NewListener creates a Listener for the given key combo and mode.
// keys are lowercase key names (e.g., ["ctrl", "shift", "r"]).
func NewListener(keys []string, mode string, logger *slog.Logger) (*Listener, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hotkey: no keys given")
	}
	if mode != ModeHold && mode != ModeToggle {
		return nil, fmt.Errorf("hotkey: mode must be %q or %q, got %q", ModeHold, ModeToggle, mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		keys:   keys,
		mode:   mode,
		logger: logger,
		ch:     make(chan Event, 16),
		done:   make(chan struct{}),
	}, nil
}

// Combo returns the key combination as "ctrl+shift+r".
func (l *Listener) Combo() string { return strings.Join(l.keys, "+") }

// Events returns the channel that receives hotkey events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// It blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.keyDown() })
	if l.mode == ModeHold {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.keyUp() })
	}
	l.logger.Info("hotkey listener started", "keys", l.Combo(), "mode", l.mode)

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// keyDown handles a press of the full combination. In hold mode key
// repeat while held does not re-emit.
func (l *Listener) keyDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.mode == ModeToggle && l.active:
		l.active = false
		l.send(EventStop)
	case !l.active:
		l.active = true
		l.send(EventStart)
	}
}

// keyUp handles a release in hold mode.
func (l *Listener) keyUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.active = false
		l.send(EventStop)
	}
}

func (l *Listener) send(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
		l.logger.Warn("hotkey event dropped", "event", t.String())
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
