package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/recast/internal/dictation"
	"github.com/chaz8081/recast/internal/hotkey"
	"github.com/chaz8081/recast/internal/inject"
	"github.com/chaz8081/recast/internal/mainloop"
)

func runDictate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("dictate", flag.ContinueOnError)
	method := fs.String("method", e.cfg.Dictation.InjectMethod, "inject method: type, paste or none")
	noHotkey := fs.Bool("no-hotkey", false, "dictate from start until Ctrl+C")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	injector, err := inject.New(*method, os.Stdout)
	if err != nil {
		return err
	}

	printBanner(e.cfg, "dictate")

	stack, err := newTranscriptionStack(ctx, e)
	if err != nil {
		return err
	}
	defer stack.Close()
	key, err := stack.prepareModel(ctx, e.cfg)
	if err != nil {
		return err
	}

	pipe, closePipe, err := openPipeline(ctx, e)
	if err != nil {
		return err
	}
	defer closePipe()

	loop := mainloop.New()
	dictator, err := dictation.New(dictation.Options{
		Models:        stack.pool,
		Key:           key,
		Transcribe:    transcribeOptions(e.cfg),
		Poster:        loop,
		Sink:          injector,
		ChunkDuration: time.Duration(e.cfg.Dictation.ChunkSeconds) * time.Second,
		Silence:       time.Duration(e.cfg.Dictation.SilenceMS) * time.Millisecond,
		Logger:        e.logger.With("component", "dictation"),
		Metrics:       e.metrics.m,
	})
	if err != nil {
		return err
	}
	pipe.SetConsumer(dictator.Consume)

	start := func() {
		if err := dictator.Start(ctx); err != nil {
			log.Printf("ERROR: %v", err)
			return
		}
		if err := pipe.Start(ctx); err != nil {
			dictator.Abort()
			log.Printf("ERROR: failed to start capture: %v", err)
			return
		}
		log.Println("Dictating...")
	}
	stop := func() {
		if err := pipe.Stop(); err != nil {
			log.Printf("ERROR: stopping capture: %v", err)
		}
		dictator.Stop()
		log.Println("Dictation paused")
	}

	g, gctx := errgroup.WithContext(ctx)
	if *noHotkey {
		loop.Post(start)
		g.Go(func() error {
			<-gctx.Done()
			loop.Close()
			return nil
		})
		log.Println("Ctrl+C to quit.")
	} else {
		listener, err := hotkey.NewListener(e.cfg.Hotkey.Keys, e.cfg.Hotkey.Mode, e.logger.With("component", "hotkey"))
		if err != nil {
			return err
		}
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
					if ev.Type == hotkey.EventStart {
						loop.Post(start)
					} else {
						loop.Post(stop)
					}
				case <-gctx.Done():
					listener.Stop()
					loop.Close()
					return nil
				}
			}
		})
		log.Printf("Ready! Press %s to dictate. Ctrl+C to quit.", listener.Combo())
	}

	if err := loop.Run(context.Background()); err != nil {
		return err
	}
	if dictator.Running() {
		stop()
	}
	if n := dictator.Dropped(); n > 0 {
		log.Printf("%d capture buffers were dropped while transcription caught up", n)
	}
	log.Println("Goodbye!")
	return shutdownHook(g)
}
