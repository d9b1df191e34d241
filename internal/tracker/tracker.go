// Package tracker follows the system's default audio input.
//
// A Tracker watches the PipeWire "default" metadata and notifies
// subscribers with a DefaultChanged whenever the resolved default source
// changes. All notifications run on the tracker's own loop goroutine;
// subscribers that need another context must hop themselves.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/recast/internal/mainloop"
	"github.com/chaz8081/recast/internal/observe"
	"github.com/chaz8081/recast/internal/pipewire"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("tracker: not connected to the audio session manager")

// ErrAlreadySubscribed is returned when an owner subscribes twice.
var ErrAlreadySubscribed = errors.New("tracker: owner already subscribed")

// State is the tracker lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	// StateUnavailable means the session manager could not be reached or
	// the session died. The tracker stays inert until stopped.
	StateUnavailable
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnavailable:
		return "unavailable"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultChanged identifies the new default input. An empty EndpointID
// with Serial -1 means no default is known and capture should fall back to
// automatic source selection.
type DefaultChanged struct {
	// EndpointID is the node name, which PipeWire and its PulseAudio
	// server both accept as a source address.
	EndpointID string
	Serial     int64
	// Path is the node's object.path, empty when unset.
	Path string
}

// Lost is the notification sent when the default can no longer be resolved.
var Lost = DefaultChanged{Serial: -1}

// Known reports whether d names an endpoint.
func (d DefaultChanged) Known() bool { return d.EndpointID != "" }

// Subscriber receives change notifications.
type Subscriber func(DefaultChanged)

// Tracker watches the default input route. Create with New.
type Tracker struct {
	monitor Monitor
	logger  *slog.Logger
	metrics *observe.Metrics

	loop  *mainloop.Loop
	graph *pipewire.Graph // loop goroutine only

	mu      sync.Mutex
	state   State
	current DefaultChanged
	emitted bool
	subs    map[string]Subscriber
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a tracker over monitor. metrics may be nil.
func New(monitor Monitor, logger *slog.Logger, metrics *observe.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		monitor: monitor,
		logger:  logger,
		metrics: observe.OrDefault(metrics),
		loop:    mainloop.New(),
		graph:   pipewire.NewGraph(),
		current: Lost,
		subs:    make(map[string]Subscriber),
	}
}

// Start connects to the session manager and begins watching. A failed
// connection leaves the tracker in StateUnavailable and returns the error;
// it never panics and never retries.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateUninitialized {
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("tracker: start in state %s", st)
	}
	t.state = StateConnecting
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session, err := t.monitor.Connect(runCtx)
	if err != nil {
		cancel()
		t.setState(StateUnavailable)
		t.logger.Warn("default-route tracking unavailable", "error", err)
		return errors.Join(ErrNotConnected, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.session = session
	t.cancel = cancel
	t.done = done
	t.state = StateConnected
	t.mu.Unlock()

	go func() {
		defer close(done)
		_ = t.loop.Run(runCtx)
	}()
	go t.pump(session)

	t.logger.Info("default-route tracker connected")
	return nil
}

// pump forwards session batches onto the loop.
func (t *Tracker) pump(s Session) {
	for batch := range s.Batches() {
		t.loop.Post(func() { t.apply(batch) })
	}
	t.loop.Post(func() { t.sessionEnded(s.Err()) })
}

func (t *Tracker) apply(batch []json.RawMessage) {
	if err := t.graph.Apply(batch); err != nil {
		t.logger.Warn("ignoring malformed session update", "error", err)
		return
	}
	t.resolve()
}

// resolve re-reads the default source and notifies on change.
func (t *Tracker) resolve() {
	next := Lost
	if n, ok := t.graph.DefaultSource(); ok {
		next = DefaultChanged{EndpointID: n.Name, Serial: n.Serial, Path: n.Path}
	}
	t.publish(next)
}

func (t *Tracker) sessionEnded(err error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = StateUnavailable
	t.mu.Unlock()

	t.logger.Warn("default-route session ended", "error", err)
	t.publish(Lost)
}

func (t *Tracker) publish(next DefaultChanged) {
	t.mu.Lock()
	if !t.emitted && !next.Known() {
		t.mu.Unlock()
		return
	}
	if t.emitted && next == t.current {
		t.mu.Unlock()
		return
	}
	t.current = next
	t.emitted = true
	subs := make([]Subscriber, 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	if next.Known() {
		t.logger.Info("default input changed", "endpoint", next.EndpointID, "serial", next.Serial)
	} else {
		t.logger.Info("default input lost")
	}
	t.metrics.DefaultChanges.Add(context.Background(), 1)

	for _, fn := range subs {
		fn(next)
	}
}

// Subscribe registers fn under owner. Each owner may hold one registration;
// call the returned cancel before subscribing again.
func (t *Tracker) Subscribe(owner string, fn Subscriber) (cancel func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[owner]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, owner)
	}
	t.subs[owner] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, owner)
			t.mu.Unlock()
		})
	}, nil
}

// Current returns the last notified default, and whether any notification
// has been sent yet.
func (t *Tracker) Current() (DefaultChanged, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.emitted
}

// State returns the lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether notifications can still arrive.
func (t *Tracker) IsConnected() bool {
	return t.State() == StateConnected
}

// Stop ends the session, waits for the loop to exit and drops all
// subscribers. It is safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	session, cancel, done := t.session, t.cancel, t.done
	t.subs = make(map[string]Subscriber)
	t.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	t.loop.Close()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

var shared struct {
	mu sync.Mutex
	t  *Tracker
}

// Shared returns the process-wide tracker, creating it with newFn on first
// use or after the previous instance was stopped.
func Shared(newFn func() *Tracker) *Tracker {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.t == nil || shared.t.State() == StateDisconnected {
		shared.t = newFn()
	}
	return shared.t
}
