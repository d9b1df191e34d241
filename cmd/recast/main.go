// Command recast captures audio from the default input, transcribes media
// files and live speech with whisper.cpp, and keeps a history of
// transcripts.
//
// Usage:
//
//	recast [-config path] [-metrics] <command> [args]
//
// Commands:
//
//	devices               list capture devices
//	transcribe FILE...    transcribe media files and save the records
//	record                hotkey-driven recording, transcribed on stop
//	dictate               live dictation into the focused window
//	models [list|download|install]
//	history [list|show|import|reindex]
//	config init           write the default config file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/recast/internal/config"
)

// errUsage marks a bad command line; main prints usage and exits 2.
var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"devices", "list capture devices", runDevices},
	{"transcribe", "transcribe media files", runTranscribe},
	{"record", "record with the hotkey, transcribe on stop", runRecord},
	{"dictate", "live dictation into the focused window", runDictate},
	{"models", "list, download or install models", runModels},
	{"history", "list, show, import or reindex transcripts", runHistory},
	{"config", "write the default config file", runConfig},
}

// env is what every command receives.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metricsSink
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/recast/config.yaml)")
	logLevel := flag.String("log-level", "", "override log_level from the config")
	showMetrics := flag.Bool("metrics", false, "print metric totals on exit")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	metrics, err := newMetricsSink()
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name, args := flag.Arg(0), flag.Args()[1:]
	e := &env{cfg: cfg, logger: logger, metrics: metrics}
	err = dispatch(ctx, e, name, args)

	if *showMetrics {
		metrics.print(context.Background(), os.Stdout)
	}
	_ = metrics.shutdown(context.Background())

	switch {
	case errors.Is(err, errUsage):
		usage()
		os.Exit(2)
	case err != nil:
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, e *env, name string, args []string) error {
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, args)
		}
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: recast [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-11s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, mode string) {
	input := "system default (following)"
	if !cfg.Audio.FollowSystemDefault {
		input = fmt.Sprintf("device %q", cfg.Audio.DeviceID)
	}
	fmt.Println("=== recast " + mode + " ===")
	fmt.Printf("  Model:   %s (%s)\n", cfg.Transcription.Model, cfg.Transcription.Device)
	fmt.Printf("  Input:   %s\n", input)
	fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	fmt.Printf("  Audio:   %dHz, %dch\n", cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  Output:  %s\n", cfg.Storage.TranscriptsDir)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println(strings.Repeat("=", len(mode)+14))
}

func runConfig(_ context.Context, _ *env, args []string) error {
	if len(args) != 1 || args[0] != "init" {
		return fmt.Errorf("%w: recast config init", errUsage)
	}
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
