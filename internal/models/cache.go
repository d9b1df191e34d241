package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chaz8081/recast/internal/observe"
)

// ProgressFunc receives preparation progress. percent is in [0, 100];
// -1 marks a terminal error and message carries the details.
type ProgressFunc func(percent float64, message string)

// Preparer materializes a model locally and returns its path.
type Preparer interface {
	Prepare(ctx context.Context, name string, progress ProgressFunc) (string, error)
}

// Status is the cache state of one model name.
type Status int

const (
	NotCached Status = iota
	Preparing
	Ready
)

func (s Status) String() string {
	switch s {
	case NotCached:
		return "not-cached"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Handle is a prepared model.
type Handle struct {
	Name    string
	Path    string
	Device  string
	Compute string
}

type cacheEntry struct {
	mu     sync.Mutex
	status Status
	path   string
}

// Cache tracks which models are ready. Different model names prepare
// independently; concurrent requests for one name share a single
// preparation.
type Cache struct {
	prep    Preparer
	logger  *slog.Logger
	metrics *observe.Metrics

	group singleflight.Group

	mu      sync.Mutex // guards entries map only
	entries map[string]*cacheEntry
}

// NewCache creates a cache over prep. metrics may be nil.
func NewCache(prep Preparer, logger *slog.Logger, metrics *observe.Metrics) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		prep:    prep,
		logger:  logger,
		metrics: observe.OrDefault(metrics),
		entries: make(map[string]*cacheEntry),
	}
}

func (c *Cache) entry(name string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		e = &cacheEntry{}
		c.entries[name] = e
	}
	return e
}

// Status reports the cache state of name.
func (c *Cache) Status(name string) Status {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return NotCached
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Forget marks name as not cached so the next EnsureReady prepares it again.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// EnsureReady makes sure name is available locally. progress always starts
// at 0 and ends at 100 on success or -1 on failure, even when the model was
// already cached. Preparation failures are returned as *UnavailableError.
//
// Concurrent calls for one name share a single preparation that runs
// detached from any caller's context. A caller whose ctx is done stops
// waiting and gets an error wrapping ctx.Err(); the shared preparation and
// the other callers are unaffected.
func (c *Cache) EnsureReady(ctx context.Context, name, device, compute string, progress ProgressFunc) (Handle, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	progress(0, fmt.Sprintf("Preparing model %s", name))

	e := c.entry(name)
	e.mu.Lock()
	if e.status == Ready {
		path := e.path
		e.mu.Unlock()
		c.metrics.ModelCacheHits.Add(ctx, 1)
		progress(100, fmt.Sprintf("Model %s ready", name))
		return Handle{Name: name, Path: path, Device: device, Compute: compute}, nil
	}
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return Handle{}, c.abandon(name, err, progress)
	}
	e.status = Preparing
	e.mu.Unlock()

	// Preparation may outlive this call when ctx is cancelled; stop
	// forwarding its progress once we return.
	var fwdMu sync.Mutex
	forwarding := true
	forward := func(pct float64, msg string) {
		fwdMu.Lock()
		defer fwdMu.Unlock()
		if forwarding {
			progress(pct, msg)
		}
	}

	prepCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(name, func() (any, error) {
		start := time.Now()
		path, err := c.prep.Prepare(prepCtx, name, forward)
		c.metrics.RecordPrepare(prepCtx, name, time.Since(start), err)

		e.mu.Lock()
		if err != nil {
			if e.status != Ready {
				e.status = NotCached
			}
		} else {
			e.status = Ready
			e.path = path
		}
		e.mu.Unlock()
		return path, err
	})

	var res singleflight.Result
	abandoned := false
	select {
	case res = <-ch:
	case <-ctx.Done():
		abandoned = true
	}
	fwdMu.Lock()
	forwarding = false
	fwdMu.Unlock()

	if abandoned {
		return Handle{}, c.abandon(name, ctx.Err(), progress)
	}
	if res.Err != nil {
		ue := Classify(name, res.Err)
		c.logger.Error("model preparation failed", "model", name, "kind", ue.Kind, "error", res.Err)
		progress(-1, ue.Error())
		return Handle{}, ue
	}
	path := res.Val.(string)

	c.logger.Info("model ready", "model", name, "path", path, "device", device, "compute", compute)
	progress(100, fmt.Sprintf("Model %s ready", name))
	return Handle{Name: name, Path: path, Device: device, Compute: compute}, nil
}

// abandon reports that the caller stopped waiting. It is not a preparation
// failure and is not classified.
func (c *Cache) abandon(name string, err error, progress ProgressFunc) error {
	c.logger.Info("stopped waiting for model", "model", name, "reason", err)
	progress(-1, fmt.Sprintf("Preparing model %s cancelled", name))
	return fmt.Errorf("models: waiting for %s: %w", name, err)
}
