// Package capture builds and rebuilds the live microphone graph.
//
// A Pipeline owns at most one Graph at a time. Every change to its
// configuration, whether an explicit SetConfig or a default-route
// notification, runs on the pipeline's own loop goroutine and rebuilds the
// graph from the current Config. Captured 16 kHz mono S16LE buffers are
// handed to a single consumer on the audio thread.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/mainloop"
	"github.com/chaz8081/recast/internal/observe"
	"github.com/chaz8081/recast/internal/tracker"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("capture: pipeline closed")

// Graph is one built capture graph.
type Graph interface {
	Start() error
	Stop() error
	// Close releases every resource the graph holds. It is called exactly
	// once, after Stop if the graph was running.
	Close()
}

// Builder constructs graphs. sink is called on the audio thread with each
// captured buffer; the slice is owned by the receiver.
type Builder interface {
	Build(ctx context.Context, src Source, sink func([]byte)) (Graph, error)
}

// DeviceLister supplies the catalog snapshot used for specific-device
// resolution.
type DeviceLister interface {
	ListInputDevices(ctx context.Context) []device.AudioDevice
}

// RouteSource supplies default-route notifications. *tracker.Tracker
// implements it.
type RouteSource interface {
	IsConnected() bool
	Current() (tracker.DefaultChanged, bool)
	Subscribe(owner string, fn tracker.Subscriber) (func(), error)
}

// Consumer receives captured buffers on the audio thread. It must not block.
type Consumer func(frame []byte)

// EventType identifies a pipeline event.
type EventType int

const (
	EventBuilt EventType = iota
	EventTornDown
	EventStarted
	EventStopped
	EventWarning
	EventBuildFailed
	EventMoveIgnored
)

func (t EventType) String() string {
	switch t {
	case EventBuilt:
		return "built"
	case EventTornDown:
		return "torn-down"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventWarning:
		return "warning"
	case EventBuildFailed:
		return "build-failed"
	case EventMoveIgnored:
		return "move-ignored"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered to observers on the pipeline loop goroutine. Observers
// must not call back into the Pipeline synchronously.
type Event struct {
	Type    EventType
	Source  Source
	Warning *DeviceResolutionWarning
	Err     error
}

// BuildError is a failed graph construction. The previous graph has
// already been released and the pipeline is stopped.
type BuildError struct {
	Source Source
	Stage  string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("capture: build %s: %s: %v", e.Source, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Status is a snapshot of the pipeline.
type Status struct {
	Config  Config
	Source  Source
	Built   bool
	Running bool
}

// Options configures a Pipeline.
type Options struct {
	Builder Builder
	Devices DeviceLister
	// Routes may be nil when default-route tracking is disabled.
	Routes  RouteSource
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

var pipelineSeq atomic.Int64

// Pipeline is a rebuildable capture graph.
type Pipeline struct {
	builder Builder
	devices DeviceLister
	routes  RouteSource
	logger  *slog.Logger
	metrics *observe.Metrics
	owner   string

	loop    *mainloop.Loop
	stopped chan struct{}
	closed  atomic.Bool

	consumer atomic.Pointer[Consumer]

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int

	statusMu sync.Mutex
	status   Status

	// Owned by the loop goroutine.
	cfg        Config
	route      tracker.DefaultChanged
	graph      Graph
	running    bool
	source     Source
	unsubRoute func()
}

// New creates a pipeline in ModeUnset with no graph built.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pipeline{
		builder:   opts.Builder,
		devices:   opts.Devices,
		routes:    opts.Routes,
		logger:    opts.Logger,
		metrics:   observe.OrDefault(opts.Metrics),
		owner:     fmt.Sprintf("capture-pipeline-%d", pipelineSeq.Add(1)),
		loop:      mainloop.New(),
		stopped:   make(chan struct{}),
		observers: make(map[int]func(Event)),
		route:     tracker.Lost,
	}
	go func() {
		defer close(p.stopped)
		_ = p.loop.Run(context.Background())
	}()
	return p
}

// do runs fn on the loop goroutine and waits for it.
func (p *Pipeline) do(fn func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	p.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-p.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// SetConsumer registers the single buffer consumer, replacing any previous
// one. Pass nil to discard captured audio.
func (p *Pipeline) SetConsumer(c Consumer) {
	if c == nil {
		p.consumer.Store(nil)
		return
	}
	p.consumer.Store(&c)
}

func (p *Pipeline) deliver(frame []byte) {
	if c := p.consumer.Load(); c != nil {
		(*c)(frame)
	}
}

// Observe registers fn for pipeline events and returns its unregister func.
func (p *Pipeline) Observe(fn func(Event)) func() {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Pipeline) emit(ev Event) {
	p.obsMu.Lock()
	fns := make([]func(Event), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SetConfig replaces the configuration and rebuilds. The returned error is
// a *BuildError when the new graph could not be constructed.
func (p *Pipeline) SetConfig(ctx context.Context, cfg Config) error {
	var err error
	if derr := p.do(func() {
		p.cfg = cfg
		p.syncRouteSubscription()
		err = p.rebuild(ctx)
	}); derr != nil {
		return derr
	}
	return err
}

// MoveTo is the default-route hook. It queues a rebuild onto the pipeline
// loop and returns immediately. Outside follow-default mode it is ignored.
func (p *Pipeline) MoveTo(endpointID string, serial int64) {
	if p.closed.Load() {
		return
	}
	next := tracker.DefaultChanged{EndpointID: endpointID, Serial: serial}
	p.loop.Post(func() { p.moveTo(next) })
}

func (p *Pipeline) moveTo(next tracker.DefaultChanged) {
	if p.cfg.Mode != ModeFollowDefault {
		p.logger.Info("ignoring default-route change outside follow mode",
			"mode", p.cfg.Mode, "endpoint", next.EndpointID)
		p.emit(Event{Type: EventMoveIgnored, Source: p.source})
		return
	}
	if !next.Known() {
		next = tracker.Lost
	}
	if next == p.route && p.graph != nil {
		return
	}
	p.route = next
	if err := p.rebuild(context.Background()); err != nil {
		p.logger.Error("rebuilding capture after default change", "error", err)
	}
}

// syncRouteSubscription subscribes to route changes in follow mode and
// unsubscribes otherwise. The tracker is queried before subscribing so a
// tracker that never connected is never relied on.
func (p *Pipeline) syncRouteSubscription() {
	if p.cfg.Mode != ModeFollowDefault {
		if p.unsubRoute != nil {
			p.unsubRoute()
			p.unsubRoute = nil
		}
		p.route = tracker.Lost
		return
	}
	if p.unsubRoute != nil {
		return
	}
	if p.routes == nil || !p.routes.IsConnected() {
		p.logger.Warn("default-route tracking unavailable, using automatic source selection")
		p.route = tracker.Lost
		return
	}
	unsub, err := p.routes.Subscribe(p.owner, func(d tracker.DefaultChanged) {
		p.MoveTo(d.EndpointID, d.Serial)
	})
	if err != nil {
		p.logger.Warn("subscribing to default-route changes", "error", err)
		return
	}
	p.unsubRoute = unsub
	if cur, ok := p.routes.Current(); ok {
		p.route = cur
	} else {
		p.route = tracker.Lost
	}
}

// rebuild tears down the current graph and builds a new one from p.cfg,
// restarting it if the old graph was running.
func (p *Pipeline) rebuild(ctx context.Context) error {
	wasRunning := p.running
	p.teardown()

	var devices []device.AudioDevice
	if p.cfg.Mode == ModeSpecificDevice && p.devices != nil {
		devices = p.devices.ListInputDevices(ctx)
	}
	src, warn := Resolve(p.cfg, p.route, devices)
	if warn != nil {
		p.logger.Warn("configured capture device missing", "device_id", warn.DeviceID)
		p.emit(Event{Type: EventWarning, Source: src, Warning: warn})
	}

	g, err := p.builder.Build(ctx, src, p.deliver)
	p.metrics.RecordRebuild(ctx, src.Element, err)
	if err != nil {
		var be *BuildError
		if !errors.As(err, &be) {
			be = &BuildError{Source: src, Stage: "build", Err: err}
		}
		p.logger.Error("capture build failed", "source", src.String(), "error", be)
		p.publishStatus()
		p.emit(Event{Type: EventBuildFailed, Source: src, Err: be})
		return be
	}

	p.graph = g
	p.source = src
	p.logger.Info("capture graph built", "source", src.String(), "mode", p.cfg.Mode)
	p.publishStatus()
	p.emit(Event{Type: EventBuilt, Source: src})

	if wasRunning {
		return p.start()
	}
	return nil
}

func (p *Pipeline) teardown() {
	if p.graph == nil {
		return
	}
	if p.running {
		if err := p.graph.Stop(); err != nil {
			p.logger.Warn("stopping capture graph", "error", err)
		}
		p.running = false
	}
	p.graph.Close()
	p.graph = nil
	src := p.source
	p.source = Source{}
	p.publishStatus()
	p.emit(Event{Type: EventTornDown, Source: src})
}

func (p *Pipeline) start() error {
	if p.running {
		return nil
	}
	if p.graph == nil {
		return errors.New("capture: no graph built")
	}
	if err := p.graph.Start(); err != nil {
		src := p.source
		p.graph.Close()
		p.graph = nil
		p.source = Source{}
		be := &BuildError{Source: src, Stage: "start", Err: err}
		p.logger.Error("capture start failed", "source", src.String(), "error", err)
		p.publishStatus()
		p.emit(Event{Type: EventBuildFailed, Source: src, Err: be})
		return be
	}
	p.running = true
	p.publishStatus()
	p.emit(Event{Type: EventStarted, Source: p.source})
	return nil
}

// Start begins capturing, building a graph first if none exists.
func (p *Pipeline) Start(ctx context.Context) error {
	var err error
	if derr := p.do(func() {
		if p.graph == nil {
			p.syncRouteSubscription()
			if err = p.rebuild(ctx); err != nil {
				return
			}
		}
		err = p.start()
	}); derr != nil {
		return derr
	}
	return err
}

// Stop pauses capture. The graph stays built.
func (p *Pipeline) Stop() error {
	var err error
	if derr := p.do(func() {
		if !p.running || p.graph == nil {
			return
		}
		err = p.graph.Stop()
		p.running = false
		p.publishStatus()
		p.emit(Event{Type: EventStopped, Source: p.source})
	}); derr != nil {
		return derr
	}
	return err
}

// Status returns a snapshot safe to read from any goroutine.
func (p *Pipeline) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

func (p *Pipeline) publishStatus() {
	p.statusMu.Lock()
	p.status = Status{Config: p.cfg, Source: p.source, Built: p.graph != nil, Running: p.running}
	p.statusMu.Unlock()
}

// Close tears down the graph, drops the route subscription and stops the
// loop. Further calls return ErrClosed.
func (p *Pipeline) Close() error {
	err := p.do(func() {
		p.teardown()
		if p.unsubRoute != nil {
			p.unsubRoute()
			p.unsubRoute = nil
		}
	})
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	p.loop.Close()
	<-p.stopped
	return err
}
