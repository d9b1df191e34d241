// Package mainloop provides an explicit task queue owned by one goroutine.
//
// Background goroutines never call caller-supplied callbacks directly; they
// Post closures onto the Loop and the owning goroutine runs them in order,
// either by blocking in Run or by draining with RunPending.
package mainloop

import (
	"context"
	"sync"
)

// Poster schedules fn to run on the owning context.
type Poster interface {
	Post(fn func())
}

// PosterFunc adapts a plain function to Poster.
type PosterFunc func(fn func())

// Post calls f(fn).
func (f PosterFunc) Post(fn func()) { f(fn) }

// Loop is a FIFO task queue. Post never blocks.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
	closed bool
}

// New returns an empty Loop.
func New() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Post enqueues fn. Tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run executes tasks until ctx is done or the loop is closed. Tasks still
// queued when Close is called are run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			l.RunPending()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// RunPending runs every task queued at the time of the call and returns
// how many ran. Tasks posted by those tasks run on the next call.
func (l *Loop) RunPending() int {
	l.mu.Lock()
	batch := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Close stops accepting tasks and wakes Run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}
