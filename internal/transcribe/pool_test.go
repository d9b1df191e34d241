package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeModel struct {
	key    Key
	closed atomic.Bool
}

func (m *fakeModel) Transcribe(context.Context, []float32, Options) (Stream, error) {
	return nil, errors.New("not implemented")
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type countingLoader struct {
	mu     sync.Mutex
	calls  map[Key]int
	models []*fakeModel
	gate   chan struct{}
	err    error
}

func (l *countingLoader) load(ctx context.Context, key Key) (Model, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[Key]int)
	}
	l.calls[key]++
	if l.err != nil {
		return nil, l.err
	}
	m := &fakeModel{key: key}
	l.models = append(l.models, m)
	return m, nil
}

func (l *countingLoader) count(key Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, l *countingLoader, size int) *Pool {
	t.Helper()
	p, err := NewPool(l.load, size, quietLogger())
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

var (
	tinyCPU = Key{Model: "tiny", Device: DeviceCPU, Compute: ComputeInt8}
	baseCPU = Key{Model: "base", Device: DeviceCPU, Compute: ComputeInt8}
	tinyGPU = Key{Model: "tiny", Device: DeviceCUDA, Compute: ComputeFloat16}
)

func TestPoolReusesLoadedModel(t *testing.T) {
	l := &countingLoader{}
	p := newTestPool(t, l, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx, tinyCPU)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx, tinyCPU)
	if err != nil {
		t.Fatal(err)
	}
	if a.Model() != b.Model() {
		t.Error("same key should share a model")
	}
	a.Release()
	b.Release()
	b.Release()

	c, err := p.Acquire(ctx, tinyCPU)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()
	if c.Model() != a.Model() {
		t.Error("idle model should be reused")
	}
	if n := l.count(tinyCPU); n != 1 {
		t.Errorf("loads = %d, want 1", n)
	}
}

func TestPoolKeysAreDistinct(t *testing.T) {
	l := &countingLoader{}
	p := newTestPool(t, l, 4)
	ctx := context.Background()

	a, _ := p.Acquire(ctx, tinyCPU)
	b, _ := p.Acquire(ctx, tinyGPU)
	defer a.Release()
	defer b.Release()
	if a.Model() == b.Model() {
		t.Error("different device should load a separate model")
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestPoolEvictsLeastRecentlyUsedIdle(t *testing.T) {
	l := &countingLoader{}
	p := newTestPool(t, l, 1)
	ctx := context.Background()

	a, _ := p.Acquire(ctx, tinyCPU)
	tiny := a.Model().(*fakeModel)
	a.Release()

	b, _ := p.Acquire(ctx, baseCPU)
	if tiny.closed.Load() {
		t.Fatal("idle model closed while pool had room")
	}
	b.Release()

	if !tiny.closed.Load() {
		t.Error("oldest idle model should be closed on overflow")
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	c, _ := p.Acquire(ctx, tinyCPU)
	defer c.Release()
	if n := l.count(tinyCPU); n != 2 {
		t.Errorf("loads = %d, want 2 after eviction", n)
	}
}

func TestPoolLeasedModelsNeverEvicted(t *testing.T) {
	l := &countingLoader{}
	p := newTestPool(t, l, 1)
	ctx := context.Background()

	a, _ := p.Acquire(ctx, tinyCPU)
	b, _ := p.Acquire(ctx, baseCPU)
	c, _ := p.Acquire(ctx, tinyGPU)
	for _, lease := range []*Lease{a, b, c} {
		if lease.Model().(*fakeModel).closed.Load() {
			t.Errorf("%s closed while leased", lease.Key())
		}
	}
	a.Release()
	b.Release()
	c.Release()
}

func TestPoolCoalescesConcurrentLoads(t *testing.T) {
	l := &countingLoader{gate: make(chan struct{})}
	p := newTestPool(t, l, 2)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	leases := make([]*Lease, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases[i], errs[i] = p.Acquire(ctx, tinyCPU)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Acquire %d: %v", i, errs[i])
		}
		if leases[i].Model() != leases[0].Model() {
			t.Error("concurrent acquires should share one model")
		}
		leases[i].Release()
	}
	if got := l.count(tinyCPU); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestPoolLoadError(t *testing.T) {
	l := &countingLoader{err: errors.New("no such file")}
	p := newTestPool(t, l, 2)

	if _, err := p.Acquire(context.Background(), tinyCPU); err == nil {
		t.Fatal("expected load error")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after failed load", p.Len())
	}

	l.mu.Lock()
	l.err = nil
	l.mu.Unlock()
	lease, err := p.Acquire(context.Background(), tinyCPU)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	lease.Release()
}

func TestPoolCloseClosesIdleAndLaterReleases(t *testing.T) {
	l := &countingLoader{}
	p, err := NewPool(l.load, 2, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	idle, _ := p.Acquire(ctx, tinyCPU)
	idleModel := idle.Model().(*fakeModel)
	idle.Release()
	busy, _ := p.Acquire(ctx, baseCPU)
	busyModel := busy.Model().(*fakeModel)

	p.Close()
	if !idleModel.closed.Load() {
		t.Error("idle model should close on pool Close")
	}
	if busyModel.closed.Load() {
		t.Error("leased model closed early")
	}
	busy.Release()
	if !busyModel.closed.Load() {
		t.Error("leased model should close when released after pool Close")
	}
	if _, err := p.Acquire(ctx, tinyCPU); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}

func TestResolveDevice(t *testing.T) {
	yes := func() bool { return true }
	no := func() bool { return false }
	tests := []struct {
		pref        string
		gpu         func() bool
		dev, compute string
	}{
		{DeviceCUDA, no, DeviceCUDA, ComputeFloat16},
		{DeviceCPU, yes, DeviceCPU, ComputeInt8},
		{DeviceAuto, yes, DeviceCUDA, ComputeFloat16},
		{DeviceAuto, no, DeviceCPU, ComputeInt8},
		{"", nil, DeviceCPU, ComputeInt8},
	}
	for _, tt := range tests {
		dev, compute := ResolveDevice(tt.pref, tt.gpu)
		if dev != tt.dev || compute != tt.compute {
			t.Errorf("ResolveDevice(%q) = %s/%s, want %s/%s", tt.pref, dev, compute, tt.dev, tt.compute)
		}
	}
}
