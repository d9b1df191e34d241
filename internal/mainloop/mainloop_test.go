package mainloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunPendingPreservesOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		l.Post(func() { got = append(got, i) })
	}

	if n := l.RunPending(); n != 5 {
		t.Fatalf("RunPending() = %d, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want ascending order", got)
		}
	}
	if n := l.RunPending(); n != 0 {
		t.Errorf("second RunPending() = %d, want 0", n)
	}
}

func TestNestedPostRunsNextDrain(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() {
		l.Post(func() { ran = true })
	})

	l.RunPending()
	if ran {
		t.Fatal("nested task should not run in the same drain")
	}
	l.RunPending()
	if !ran {
		t.Fatal("nested task should run on the next drain")
	}
}

func TestRunExecutesTasksFromOtherGoroutines(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		c := count
		mu.Unlock()
		if c == 50 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 50 tasks ran", c)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestCloseDrainsAndDropsLatePosts(t *testing.T) {
	l := New()
	ran := 0
	l.Post(func() { ran++ })
	l.Close()
	l.Post(func() { ran++ })

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
}

func TestPosterFunc(t *testing.T) {
	called := false
	var p Poster = PosterFunc(func(fn func()) { fn() })
	p.Post(func() { called = true })
	if !called {
		t.Error("PosterFunc did not invoke the task")
	}
}
