package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("transcribe: pool closed")

// Key identifies a loaded model instance.
type Key struct {
	Model   string
	Device  string
	Compute string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Model, k.Device, k.Compute)
}

// Loader loads the model for key into memory.
type Loader func(ctx context.Context, key Key) (Model, error)

type poolEntry struct {
	model Model
	err   error
	refs  int
	ready chan struct{}
}

// Pool shares loaded models. Leased models stay resident; once released
// they move to a bounded idle list and the least recently used one is
// closed when the list overflows. Concurrent Acquire calls for the same
// key share one load.
type Pool struct {
	load   Loader
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*poolEntry
	idle    *lru.Cache[Key, *poolEntry]
	evicted []Model // filled by onEvict while mu is held
	closed  bool
}

// NewPool creates a pool that keeps at most idleSize released models.
func NewPool(load Loader, idleSize int, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		load:    load,
		logger:  logger,
		entries: make(map[Key]*poolEntry),
	}
	idle, err := lru.NewWithEvict[Key, *poolEntry](max(idleSize, 1), p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("transcribe: create idle cache: %w", err)
	}
	p.idle = idle
	return p, nil
}

// onEvict runs inside idle cache calls, which the pool only makes while
// holding mu.
func (p *Pool) onEvict(key Key, e *poolEntry) {
	if e.refs > 0 {
		return
	}
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	if e.model != nil {
		p.evicted = append(p.evicted, e.model)
	}
}

func (p *Pool) takeEvicted() []Model {
	out := p.evicted
	p.evicted = nil
	return out
}

func (p *Pool) closeModels(ms []Model) {
	for _, m := range ms {
		if err := m.Close(); err != nil {
			p.logger.Warn("closing evicted model", "error", err)
		}
	}
}

// Lease is a reference to a pooled model.
type Lease struct {
	pool  *Pool
	key   Key
	entry *poolEntry
	once  sync.Once
}

// Model returns the leased model.
func (l *Lease) Model() Model { return l.entry.model }

// Key returns the pool key.
func (l *Lease) Key() Key { return l.key }

// Release returns the model to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.key, l.entry) })
}

// Acquire returns a lease on the model for key, loading it if needed.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if e, ok := p.entries[key]; ok {
		e.refs++
		p.idle.Remove(key)
		evicted := p.takeEvicted()
		p.mu.Unlock()
		p.closeModels(evicted)

		select {
		case <-e.ready:
		case <-ctx.Done():
			p.release(key, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			p.release(key, e)
			return nil, e.err
		}
		p.logger.Debug("model pool hit", "key", key.String())
		return &Lease{pool: p, key: key, entry: e}, nil
	}

	e := &poolEntry{refs: 1, ready: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	p.logger.Info("loading model", "key", key.String())
	m, err := p.load(ctx, key)

	p.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("transcribe: load %s: %w", key, err)
		if p.entries[key] == e {
			delete(p.entries, key)
		}
	} else {
		e.model = m
	}
	close(e.ready)
	p.mu.Unlock()

	if err != nil {
		p.release(key, e)
		return nil, e.err
	}
	return &Lease{pool: p, key: key, entry: e}, nil
}

func (p *Pool) release(key Key, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	if e.refs > 0 || e.model == nil {
		p.mu.Unlock()
		return
	}
	var evicted []Model
	if p.closed || p.entries[key] != e {
		evicted = []Model{e.model}
	} else {
		p.idle.Add(key, e)
		evicted = p.takeEvicted()
	}
	p.mu.Unlock()
	p.closeModels(evicted)
}

// Len returns how many models are loaded, leased or idle.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.model != nil {
			n++
		}
	}
	return n
}

// Close closes idle models. Leased models are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.idle.Purge()
	evicted := p.takeEvicted()
	p.mu.Unlock()
	p.closeModels(evicted)
}
