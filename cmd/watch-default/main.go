// Command watch-default is a manual test for default-input tracking.
// It prints every default-source change reported by PipeWire. With
// --capture it also runs a capture pipeline in follow mode and prints the
// input level once a second, so hot-swapping can be checked by changing
// the default input in the desktop's sound settings.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/watch-default [--command "pw-dump --monitor --no-colors"] [--capture]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/recast/internal/capture"
	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/dictation"
	"github.com/chaz8081/recast/internal/tracker"
)

func main() {
	command := flag.String("command", "pw-dump --monitor --no-colors", "PipeWire monitor command")
	withCapture := flag.Bool("capture", false, "also capture from the default input and print its level")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := tracker.New(&tracker.PwDumpMonitor{Command: *command, Logger: logger}, logger, nil)
	if err := t.Start(ctx); err != nil {
		fmt.Printf("Tracker unavailable: %v\n", err)
		os.Exit(1)
	}
	defer t.Stop()

	cancel, err := t.Subscribe("watch-default", func(ev tracker.DefaultChanged) {
		if !ev.Known() {
			fmt.Println("<<< default input lost")
			return
		}
		fmt.Printf(">>> default input: %s (serial %d, path %s)\n", ev.EndpointID, ev.Serial, ev.Path)
	})
	if err != nil {
		fmt.Printf("Subscribe failed: %v\n", err)
		os.Exit(1)
	}
	defer cancel()

	fmt.Println("Watching the default input. Press Ctrl+C to exit.")

	if *withCapture {
		if err := watchLevel(ctx, t, logger); err != nil {
			fmt.Printf("Capture failed: %v\n", err)
		}
	} else {
		<-ctx.Done()
	}
	fmt.Println("\nShutting down...")
}

// watchLevel runs a follow-mode pipeline until ctx is done and prints the
// RMS level of the last second of audio.
func watchLevel(ctx context.Context, t *tracker.Tracker, logger *slog.Logger) error {
	p := capture.New(capture.Options{
		Builder: &capture.MalgoBuilder{Logger: logger},
		Devices: device.NewCatalog([]device.Prober{device.NewMalgoProber()}, device.WithLogger(logger)),
		Routes:  t,
		Logger:  logger,
	})
	defer func() { _ = p.Close() }()
	p.Observe(func(ev capture.Event) {
		if ev.Type == capture.EventBuilt {
			fmt.Printf("=== pipeline rebuilt: %s\n", ev.Source)
		}
	})

	var (
		mu  sync.Mutex
		buf []byte
	)
	p.SetConsumer(func(frame []byte) {
		mu.Lock()
		buf = append(buf, frame...)
		mu.Unlock()
	})

	if err := p.SetConfig(ctx, capture.FollowDefault(false)); err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			mu.Lock()
			pcm := buf
			buf = nil
			mu.Unlock()
			fmt.Printf("level %.4f (%d bytes)\n", dictation.RMS(pcm), len(pcm))
		}
	}
}
