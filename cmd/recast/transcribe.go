package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chaz8081/recast/internal/worker"
)

func runTranscribe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	model := fs.String("model", "", "override transcription.model")
	language := fs.String("language", "", "override transcription.language")
	translate := fs.Bool("translate", false, "translate to English")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: recast transcribe FILE...", errUsage)
	}
	if *model != "" {
		e.cfg.Transcription.Model = *model
	}
	if *language != "" {
		e.cfg.Transcription.Language = *language
	}
	if *translate {
		e.cfg.Transcription.Translate = true
	}

	stack, err := newTranscriptionStack(ctx, e)
	if err != nil {
		return err
	}
	defer stack.Close()

	start := time.Now()
	res := stack.worker.Synchronous(ctx, fs.Args(), printProgress(), printSegment)
	return reportResult(res, time.Since(start))
}

// printProgress returns a progress printer that announces each file once.
func printProgress() func(worker.Progress) {
	lastFile := -1
	return func(p worker.Progress) {
		if p.Phase == worker.PhaseModel {
			printModelProgress(p.Percent, p.Message)
			return
		}
		if p.FileIndex != lastFile {
			lastFile = p.FileIndex
			fmt.Printf("== [%d/%d] %s\n", p.FileIndex+1, p.FileCount, filepath.Base(p.Path))
		}
	}
}

func printSegment(ev worker.SegmentEvent) {
	fmt.Printf("[%s -> %s] %s\n", clock(ev.Segment.Start), clock(ev.Segment.End), ev.Segment.Text)
}

// clock formats seconds as mm:ss.mmm.
func clock(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Millisecond)
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d.%03d", m, s, d/time.Millisecond)
}

func reportResult(res worker.Result, took time.Duration) error {
	for _, p := range res.SavedPaths {
		fmt.Printf("Saved %s\n", p)
	}
	switch res.Status {
	case worker.StatusCompleted:
		fmt.Printf("Done: %d segments in %s\n", len(res.Segments), took.Round(time.Millisecond))
		return nil
	case worker.StatusNoFiles:
		fmt.Println("Nothing to transcribe")
		return nil
	case worker.StatusCancelled:
		fmt.Println("Cancelled")
		return nil
	default:
		return fmt.Errorf("transcription %s: %w", res.Status, res.Err)
	}
}
