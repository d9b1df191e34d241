package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/recast/internal/audio"
	"github.com/chaz8081/recast/internal/hotkey"
	"github.com/chaz8081/recast/internal/mainloop"
	"github.com/chaz8081/recast/internal/worker"
)

// minRecording is the shortest capture worth transcribing.
const minRecording = 300 * time.Millisecond

func runRecord(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	maxLen := fs.Duration("max", 30*time.Minute, "longest recording kept")
	dir := fs.String("dir", "", "where recordings are written (default: <transcripts_dir>/../recordings)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *dir == "" {
		*dir = filepath.Join(filepath.Dir(e.cfg.Storage.TranscriptsDir), "recordings")
	}
	if err := os.MkdirAll(*dir, 0755); err != nil {
		return fmt.Errorf("creating recordings dir: %w", err)
	}

	printBanner(e.cfg, "record")

	stack, err := newTranscriptionStack(ctx, e)
	if err != nil {
		return err
	}
	defer stack.Close()
	if _, err := stack.prepareModel(ctx, e.cfg); err != nil {
		return err
	}

	pipe, closePipe, err := openPipeline(ctx, e)
	if err != nil {
		return err
	}
	defer closePipe()

	recorder := audio.NewRecorder(*maxLen)
	pipe.SetConsumer(recorder.Consume)

	listener, err := hotkey.NewListener(e.cfg.Hotkey.Keys, e.cfg.Hotkey.Mode, e.logger.With("component", "hotkey"))
	if err != nil {
		return err
	}

	loop := mainloop.New()
	var batch *worker.CancelHandle

	onStart := func() {
		if err := recorder.Start(); err != nil {
			log.Printf("ERROR: failed to start recording: %v", err)
			return
		}
		if err := pipe.Start(ctx); err != nil {
			recorder.Stop()
			log.Printf("ERROR: failed to start capture: %v", err)
			return
		}
		log.Println("Recording...")
	}
	onStop := func() {
		if err := pipe.Stop(); err != nil {
			log.Printf("ERROR: stopping capture: %v", err)
		}
		pcm := recorder.Stop()
		if pcm == nil {
			return
		}
		took := audio.PCMDuration(pcm)
		if took < minRecording {
			log.Printf("Recording too short (%s), skipping", took)
			return
		}
		if recorder.Truncated() {
			log.Printf("Recording hit the %s limit and was truncated", *maxLen)
		}

		path := filepath.Join(*dir, "recording_"+time.Now().Format("20060102_150405")+".wav")
		if err := audio.WriteWAV(path, pcm); err != nil {
			log.Printf("ERROR: writing %s: %v", path, err)
			return
		}
		log.Printf("Captured %s of audio, transcribing %s", took.Round(100*time.Millisecond), path)

		if batch != nil {
			batch.Cancel()
		}
		started := time.Now()
		next, err := stack.worker.Start([]string{path}, worker.Callbacks{
			Poster:     loop,
			OnSegment:  printSegment,
			OnComplete: func(res worker.Result) { _ = reportResult(res, time.Since(started)) },
		})
		if err != nil {
			log.Printf("ERROR: %v", err)
			return
		}
		batch = next
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener.Start()
		return nil
	})
	g.Go(func() error {
		events := listener.Events()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					loop.Close()
					return nil
				}
				switch ev.Type {
				case hotkey.EventStart:
					loop.Post(onStart)
				case hotkey.EventStop:
					loop.Post(onStop)
				}
			case <-gctx.Done():
				listener.Stop()
				loop.Close()
				return nil
			}
		}
	})

	log.Printf("Ready! Press %s to record. Ctrl+C to quit.", listener.Combo())
	if err := loop.Run(context.Background()); err != nil {
		return err
	}
	if batch != nil {
		batch.Cancel()
		<-batch.Done()
	}
	if recorder.IsRecording() {
		recorder.Stop()
	}
	log.Println("Goodbye!")
	return shutdownHook(g)
}

// shutdownHook waits for the listener goroutines. gohook's C cleanup can
// crash on some platforms once the hook has ended, so the process exits
// directly once everything else is released.
func shutdownHook(g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return nil
	}
}
