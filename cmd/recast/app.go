package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/recast/internal/audio"
	"github.com/chaz8081/recast/internal/capture"
	"github.com/chaz8081/recast/internal/config"
	"github.com/chaz8081/recast/internal/device"
	"github.com/chaz8081/recast/internal/models"
	"github.com/chaz8081/recast/internal/store"
	"github.com/chaz8081/recast/internal/tracker"
	"github.com/chaz8081/recast/internal/transcribe"
	"github.com/chaz8081/recast/internal/worker"
)

// transcriptionStack is everything needed to run batches: the model cache
// and pool, the record store and the worker.
type transcriptionStack struct {
	downloader *models.Downloader
	cache      *models.Cache
	pool       *transcribe.Pool
	store      *store.Store
	worker     *worker.Worker
}

func newDownloader(e *env) *models.Downloader {
	return &models.Downloader{
		Dir:     e.cfg.Models.Dir,
		Timeout: time.Duration(e.cfg.Models.DownloadTimeout),
		Logger:  e.logger.With("component", "models"),
	}
}

func openStore(ctx context.Context, e *env) (*store.Store, error) {
	policy, err := store.ParseCollisionPolicy(e.cfg.Storage.CollisionPolicy)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, store.Options{
		Dir:       e.cfg.Storage.TranscriptsDir,
		IndexPath: e.cfg.Storage.IndexPath,
		Policy:    policy,
		Logger:    e.logger.With("component", "store"),
	})
}

func newTranscriptionStack(ctx context.Context, e *env) (*transcriptionStack, error) {
	s := &transcriptionStack{downloader: newDownloader(e)}
	s.cache = models.NewCache(s.downloader, e.logger.With("component", "models"), e.metrics.m)

	pool, err := transcribe.NewPool(transcribe.WhisperLoader(s.downloader.Path), e.cfg.Models.PoolSize,
		e.logger.With("component", "pool"))
	if err != nil {
		return nil, err
	}
	s.pool = pool

	st, err := openStore(ctx, e)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.store = st

	tc := e.cfg.Transcription
	s.worker = worker.New(worker.Options{
		Settings: worker.Settings{
			Model:     tc.Model,
			Device:    tc.Device,
			Language:  tc.Language,
			Translate: tc.Translate,
			BeamSize:  tc.BeamSize,
			Threads:   tc.Threads,
		},
		Models:  s.cache,
		Pool:    pool,
		Decoder: &audio.Decoder{FFmpegCommand: tc.FFmpegCommand, Logger: e.logger.With("component", "decode")},
		Saver:   st,
		Logger:  e.logger.With("component", "worker"),
		Metrics: e.metrics.m,
	})
	return s, nil
}

func (s *transcriptionStack) Close() {
	s.pool.Close()
	if err := s.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

// transcribeOptions maps the config to per-call decoding options.
func transcribeOptions(cfg *config.Config) transcribe.Options {
	tc := cfg.Transcription
	return transcribe.Options{
		Language:  tc.Language,
		Translate: tc.Translate,
		BeamSize:  tc.BeamSize,
		Threads:   tc.Threads,
	}
}

// prepareModel makes the configured model ready, printing download
// progress, and returns its pool key.
func (s *transcriptionStack) prepareModel(ctx context.Context, cfg *config.Config) (transcribe.Key, error) {
	device, compute := transcribe.ResolveDevice(cfg.Transcription.Device, transcribe.GPUAvailable)
	h, err := s.cache.EnsureReady(ctx, cfg.Transcription.Model, device, compute, printModelProgress)
	if err != nil {
		return transcribe.Key{}, err
	}
	return transcribe.Key{Model: h.Name, Device: device, Compute: compute}, nil
}

func printModelProgress(pct float64, msg string) {
	switch {
	case pct < 0:
		fmt.Printf("\rModel: failed: %s\n", msg)
	case pct >= 100:
		fmt.Printf("\rModel: %s\n", msg)
	default:
		fmt.Printf("\rModel: %5.1f%% %s", pct, msg)
	}
}

func newCatalog(e *env) *device.Catalog {
	return device.NewCatalog([]device.Prober{
		&device.PipeWireProber{},
		device.NewMalgoProber(),
	}, device.WithLogger(e.logger.With("component", "devices")))
}

// sharedTracker returns the process-wide default-route tracker, started.
// A tracker that cannot connect is still returned; it reports itself
// disconnected and the pipeline falls back to automatic selection.
func sharedTracker(ctx context.Context, e *env) *tracker.Tracker {
	logger := e.logger.With("component", "tracker")
	t := tracker.Shared(func() *tracker.Tracker {
		return tracker.New(&tracker.PwDumpMonitor{Command: e.cfg.Tracker.Command, Logger: logger}, logger, e.metrics.m)
	})
	if t.State() == tracker.StateUninitialized {
		if err := t.Start(ctx); err != nil {
			logger.Warn("default-route tracking unavailable", "error", err)
		}
	}
	return t
}

// captureConfig maps the audio config section to a pipeline config.
func captureConfig(a config.AudioConfig) capture.Config {
	if a.FollowSystemDefault {
		return capture.FollowDefault(a.LastChoicePipeWireDefault)
	}
	return capture.SpecificDevice(a.DeviceID)
}

// openPipeline builds the capture pipeline for the configured input. The
// returned cleanup closes the pipeline and stops the tracker.
func openPipeline(ctx context.Context, e *env) (*capture.Pipeline, func(), error) {
	opts := capture.Options{
		Builder: &capture.MalgoBuilder{Logger: e.logger.With("component", "capture")},
		Devices: newCatalog(e),
		Logger:  e.logger.With("component", "capture"),
		Metrics: e.metrics.m,
	}
	var trk *tracker.Tracker
	if e.cfg.Tracker.Enabled {
		trk = sharedTracker(ctx, e)
		opts.Routes = trk
	}

	p := capture.New(opts)
	unobserve := p.Observe(logPipelineEvent(e.logger))
	cleanup := func() {
		_ = p.Close()
		unobserve()
		if trk != nil {
			trk.Stop()
		}
	}
	if err := p.SetConfig(ctx, captureConfig(e.cfg.Audio)); err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

func logPipelineEvent(logger *slog.Logger) func(capture.Event) {
	return func(ev capture.Event) {
		switch ev.Type {
		case capture.EventWarning:
			logger.Warn("capture device not found, using automatic selection", "device", ev.Warning.DeviceID)
		case capture.EventBuildFailed:
			logger.Error("capture pipeline build failed", "source", ev.Source.String(), "error", ev.Err)
		case capture.EventMoveIgnored:
			logger.Debug("default input changed, pinned to a specific device")
		default:
			logger.Debug("capture pipeline", "event", ev.Type.String(), "source", ev.Source.String())
		}
	}
}
