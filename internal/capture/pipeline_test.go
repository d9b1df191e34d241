package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/tracker"
)

type fakeBuilder struct {
	mu      sync.Mutex
	live    int
	maxLive int
	builds  int
	sources []Source
	last    *fakeGraph
	fail    func(Source) error
}

func (b *fakeBuilder) Build(_ context.Context, src Source, sink func([]byte)) (Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(src); err != nil {
			return nil, err
		}
	}
	b.builds++
	b.live++
	b.maxLive = max(b.maxLive, b.live)
	b.sources = append(b.sources, src)
	g := &fakeGraph{b: b, sink: sink}
	b.last = g
	return g, nil
}

func (b *fakeBuilder) snapshot() (live, maxLive, builds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live, b.maxLive, b.builds
}

type fakeGraph struct {
	b       *fakeBuilder
	sink    func([]byte)
	running bool
	closed  bool
}

func (g *fakeGraph) Start() error { g.running = true; return nil }
func (g *fakeGraph) Stop() error  { g.running = false; return nil }
func (g *fakeGraph) Close() {
	g.b.mu.Lock()
	defer g.b.mu.Unlock()
	if g.closed {
		panic("graph closed twice")
	}
	g.closed = true
	g.b.live--
}

type fakeDevices []device.AudioDevice

func (f fakeDevices) ListInputDevices(context.Context) []device.AudioDevice { return f }

type fakeRoutes struct {
	mu        sync.Mutex
	connected bool
	cur       tracker.DefaultChanged
	has       bool
	subs      map[string]tracker.Subscriber
}

func (r *fakeRoutes) IsConnected() bool { return r.connected }
func (r *fakeRoutes) Current() (tracker.DefaultChanged, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur, r.has
}
func (r *fakeRoutes) Subscribe(owner string, fn tracker.Subscriber) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]tracker.Subscriber)
	}
	if _, ok := r.subs[owner]; ok {
		return nil, tracker.ErrAlreadySubscribed
	}
	r.subs[owner] = fn
	return func() {
		r.mu.Lock()
		delete(r.subs, owner)
		r.mu.Unlock()
	}, nil
}
func (r *fakeRoutes) fire(d tracker.DefaultChanged) {
	r.mu.Lock()
	r.cur, r.has = d, true
	subs := make([]tracker.Subscriber, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(d)
	}
}
func (r *fakeRoutes) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, b *fakeBuilder, routes RouteSource) (*Pipeline, chan Event) {
	t.Helper()
	p := New(Options{
		Builder: b,
		Devices: fakeDevices(testDevices()),
		Routes:  routes,
		Logger:  quietLogger(),
	})
	events := make(chan Event, 64)
	p.Observe(func(ev Event) { events <- ev })
	t.Cleanup(func() { _ = p.Close() })
	return p, events
}

func waitFor(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func drain(events chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMissingDeviceWarnsOnce(t *testing.T) {
	b := &fakeBuilder{}
	p, events := newTestPipeline(t, b, nil)

	if err := p.SetConfig(context.Background(), SpecificDevice("usb-mic-42")); err != nil {
		t.Fatalf("SetConfig() error: %v", err)
	}

	st := p.Status()
	if st.Source.Element != device.ElementAuto || !st.Built {
		t.Errorf("Status() = %+v", st)
	}
	warnings := 0
	for _, ev := range drain(events) {
		if ev.Type == EventWarning {
			warnings++
			if ev.Warning == nil || ev.Warning.DeviceID != "usb-mic-42" {
				t.Errorf("warning event = %+v", ev)
			}
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
}

func TestRebuildsKeepOneGraphAlive(t *testing.T) {
	b := &fakeBuilder{}
	p, _ := newTestPipeline(t, b, nil)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	configs := []Config{
		SpecificDevice("alsa_input.usb"),
		SpecificDevice("hw:1,0"),
		FollowDefault(true),
		SpecificDevice("gone"),
		{},
		SpecificDevice("pw-node"),
	}
	for _, cfg := range configs {
		if err := p.SetConfig(ctx, cfg); err != nil {
			t.Fatalf("SetConfig(%v) error: %v", cfg, err)
		}
		if !p.Status().Running {
			t.Errorf("pipeline stopped after rebuild to %v", cfg)
		}
	}

	live, maxLive, builds := b.snapshot()
	if live != 1 || maxLive != 1 {
		t.Errorf("live = %d, maxLive = %d, want 1 and 1", live, maxLive)
	}
	if builds != len(configs)+1 {
		t.Errorf("builds = %d, want %d", builds, len(configs)+1)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if live, _, _ := b.snapshot(); live != 0 {
		t.Errorf("live after Close = %d", live)
	}
	if err := p.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
}

func TestMoveToIgnoredForSpecificDevice(t *testing.T) {
	b := &fakeBuilder{}
	p, events := newTestPipeline(t, b, nil)

	if err := p.SetConfig(context.Background(), SpecificDevice("hw:1,0")); err != nil {
		t.Fatal(err)
	}
	before := p.Status()
	_, _, buildsBefore := b.snapshot()

	p.MoveTo("alsa_input.usb", 5)
	waitFor(t, events, EventMoveIgnored)

	after := p.Status()
	if after.Config != before.Config || after.Source.String() != before.Source.String() {
		t.Errorf("status changed: %+v -> %+v", before, after)
	}
	if _, _, builds := b.snapshot(); builds != buildsBefore {
		t.Errorf("builds = %d, want %d", builds, buildsBefore)
	}
}

func TestFollowDefaultTracksRoute(t *testing.T) {
	b := &fakeBuilder{}
	routes := &fakeRoutes{connected: true, cur: tracker.DefaultChanged{EndpointID: "mic-a", Serial: 1}, has: true}
	p, events := newTestPipeline(t, b, routes)
	ctx := context.Background()

	if err := p.SetConfig(ctx, FollowDefault(false)); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Status().Source.Target(); got != "mic-a" {
		t.Fatalf("initial target = %q", got)
	}
	if routes.subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", routes.subscribers())
	}

	drain(events)
	routes.fire(tracker.DefaultChanged{EndpointID: "mic-b", Serial: 2})
	ev := waitFor(t, events, EventBuilt)
	if ev.Source.Target() != "mic-b" || ev.Source.Properties[PropSerial] != "2" {
		t.Errorf("rebuilt source = %+v", ev.Source)
	}
	waitFor(t, events, EventStarted)
	if !p.Status().Running {
		t.Error("pipeline should be running after move")
	}

	routes.fire(tracker.Lost)
	ev = waitFor(t, events, EventBuilt)
	if ev.Source.Element != device.ElementAuto {
		t.Errorf("after loss source = %+v, want automatic", ev.Source)
	}

	// Switching to a specific device drops the subscription.
	if err := p.SetConfig(ctx, SpecificDevice("hw:1,0")); err != nil {
		t.Fatal(err)
	}
	if routes.subscribers() != 0 {
		t.Errorf("subscribers = %d after leaving follow mode", routes.subscribers())
	}
	live, maxLive, _ := b.snapshot()
	if live != 1 || maxLive != 1 {
		t.Errorf("live = %d, maxLive = %d", live, maxLive)
	}
}

func TestFollowDefaultTrackerUnavailable(t *testing.T) {
	b := &fakeBuilder{}
	routes := &fakeRoutes{connected: false}
	p, _ := newTestPipeline(t, b, routes)

	if err := p.SetConfig(context.Background(), FollowDefault(false)); err != nil {
		t.Fatal(err)
	}
	if routes.subscribers() != 0 {
		t.Error("should not subscribe to a disconnected tracker")
	}
	if el := p.Status().Source.Element; el != device.ElementAuto {
		t.Errorf("Element = %q, want %q", el, device.ElementAuto)
	}
}

func TestBuildFailureLeavesStopped(t *testing.T) {
	b := &fakeBuilder{}
	p, events := newTestPipeline(t, b, nil)
	ctx := context.Background()

	if err := p.SetConfig(ctx, SpecificDevice("hw:1,0")); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.fail = func(src Source) error {
		if src.Element == device.ElementPulse {
			return errors.New("no such element")
		}
		return nil
	}
	b.mu.Unlock()

	err := p.SetConfig(ctx, SpecificDevice("alsa_input.usb"))
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("SetConfig() error = %v, want *BuildError", err)
	}
	if be.Source.Element != device.ElementPulse {
		t.Errorf("BuildError.Source = %+v", be.Source)
	}
	st := p.Status()
	if st.Built || st.Running {
		t.Errorf("Status() = %+v, want stopped with no graph", st)
	}
	if live, _, _ := b.snapshot(); live != 0 {
		t.Errorf("live = %d after failed build", live)
	}
	waitFor(t, events, EventBuildFailed)

	// A later good config recovers.
	if err := p.SetConfig(ctx, SpecificDevice("hw:1,0")); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.Status().Running {
		t.Error("pipeline should run after recovery")
	}
}

func TestConsumerReceivesFrames(t *testing.T) {
	b := &fakeBuilder{}
	p, _ := newTestPipeline(t, b, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got [][]byte
	p.SetConsumer(func(frame []byte) { got = append(got, frame) })

	b.mu.Lock()
	sink := b.last.sink
	b.mu.Unlock()
	sink([]byte{1, 2})
	sink([]byte{3, 4})

	if len(got) != 2 || got[1][0] != 3 {
		t.Errorf("consumer got %v", got)
	}

	p.SetConsumer(nil)
	sink([]byte{5, 6})
	if len(got) != 2 {
		t.Error("frames delivered after consumer removed")
	}
}

func TestStopKeepsGraph(t *testing.T) {
	b := &fakeBuilder{}
	p, _ := newTestPipeline(t, b, nil)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	st := p.Status()
	if !st.Built || st.Running {
		t.Errorf("Status() = %+v", st)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, builds := b.snapshot(); builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	p := New(Options{Builder: &fakeBuilder{}, Logger: quietLogger()})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.SetConfig(context.Background(), Config{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetConfig() = %v, want ErrClosed", err)
	}
	p.MoveTo("x", 1)
}

func TestBackendsFor(t *testing.T) {
	if bs, err := BackendsFor(device.ElementAuto); err != nil || bs != nil {
		t.Errorf("auto = %v, %v", bs, err)
	}
	for _, el := range []string{device.ElementPipeWire, device.ElementPulse, device.ElementALSA} {
		if bs, err := BackendsFor(el); err != nil || len(bs) != 1 {
			t.Errorf("%s = %v, %v", el, bs, err)
		}
	}
	if _, err := BackendsFor("bogus"); err == nil {
		t.Error("expected error for unknown element")
	}
}
