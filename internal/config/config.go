// Package config loads and validates the recast YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Models        ModelsConfig        `yaml:"models"`
	Storage       StorageConfig       `yaml:"storage"`
	Dictation     DictationConfig     `yaml:"dictation"`
	Hotkey        HotkeyConfig        `yaml:"hotkey"`
	LogLevel      string              `yaml:"log_level"`
}

// AudioConfig holds capture device selection. The output format is fixed
// at 16 kHz mono S16LE; the fields exist so a config file that states them
// is checked rather than silently ignored.
type AudioConfig struct {
	FollowSystemDefault       bool   `yaml:"follow_system_default"`
	DeviceID                  string `yaml:"device_id"`
	LastChoicePipeWireDefault bool   `yaml:"last_choice_pipewire_default"`
	SampleRate                uint32 `yaml:"sample_rate"`
	Channels                  uint32 `yaml:"channels"`
}

// TrackerConfig controls the default-route tracker.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

// TranscriptionConfig holds speech model settings.
type TranscriptionConfig struct {
	Model         string `yaml:"model"`
	Device        string `yaml:"device"` // "auto", "cpu" or "cuda"
	Language      string `yaml:"language"`
	Translate     bool   `yaml:"translate"`
	BeamSize      int    `yaml:"beam_size"`
	Threads       uint   `yaml:"threads"`
	FFmpegCommand string `yaml:"ffmpeg_command"`
}

// ModelsConfig holds model cache settings.
type ModelsConfig struct {
	Dir             string   `yaml:"dir"`
	DownloadTimeout Duration `yaml:"download_timeout"`
	PoolSize        int      `yaml:"pool_size"`
}

// StorageConfig holds transcript persistence settings.
type StorageConfig struct {
	TranscriptsDir  string `yaml:"transcripts_dir"`
	IndexPath       string `yaml:"index_path"`
	CollisionPolicy string `yaml:"collision_policy"` // "keep_both", "replace" or "skip"
}

// DictationConfig holds live dictation chunking and output settings.
type DictationConfig struct {
	ChunkSeconds int    `yaml:"chunk_seconds"`
	SilenceMS    int    `yaml:"silence_ms"`
	InjectMethod string `yaml:"inject_method"` // "type", "paste" or "none"
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "recast")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "recast")
}

// DefaultModelsDir returns the directory downloaded models are stored in.
func DefaultModelsDir() string {
	return filepath.Join(defaultDataDir(), "models")
}

// DefaultTranscriptsDir returns the directory transcript records are written to.
func DefaultTranscriptsDir() string {
	return filepath.Join(defaultDataDir(), "transcripts")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			FollowSystemDefault: true,
			SampleRate:          16000,
			Channels:            1,
		},
		Tracker: TrackerConfig{
			Enabled: true,
			Command: "pw-dump --monitor --no-colors",
		},
		Transcription: TranscriptionConfig{
			Model:         "base",
			Device:        "auto",
			Language:      "auto",
			BeamSize:      5,
			FFmpegCommand: "ffmpeg",
		},
		Models: ModelsConfig{
			Dir:             DefaultModelsDir(),
			DownloadTimeout: Duration(30 * time.Minute),
			PoolSize:        2,
		},
		Storage: StorageConfig{
			TranscriptsDir:  DefaultTranscriptsDir(),
			IndexPath:       filepath.Join(defaultDataDir(), "history.db"),
			CollisionPolicy: "keep_both",
		},
		Dictation: DictationConfig{
			ChunkSeconds: 5,
			SilenceMS:    700,
			InjectMethod: "type",
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "r"},
			Mode: "toggle",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in any path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Models.Dir = expandTilde(cfg.Models.Dir)
	cfg.Storage.TranscriptsDir = expandTilde(cfg.Storage.TranscriptsDir)
	cfg.Storage.IndexPath = expandTilde(cfg.Storage.IndexPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Audio.SampleRate != 16000 {
		return fmt.Errorf("audio.sample_rate must be 16000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("audio.channels must be 1, got %d", c.Audio.Channels)
	}
	if c.Tracker.Enabled && strings.TrimSpace(c.Tracker.Command) == "" {
		return fmt.Errorf("tracker.command must not be empty when the tracker is enabled")
	}

	if c.Transcription.Model == "" {
		return fmt.Errorf("transcription.model must not be empty")
	}
	switch c.Transcription.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("transcription.device must be auto, cpu, or cuda, got %q", c.Transcription.Device)
	}
	if c.Transcription.BeamSize < 1 {
		return fmt.Errorf("transcription.beam_size must be >= 1")
	}

	if c.Models.Dir == "" {
		return fmt.Errorf("models.dir must not be empty")
	}
	if c.Models.DownloadTimeout <= 0 {
		return fmt.Errorf("models.download_timeout must be > 0")
	}
	if c.Models.PoolSize < 1 {
		return fmt.Errorf("models.pool_size must be >= 1")
	}

	if c.Storage.TranscriptsDir == "" {
		return fmt.Errorf("storage.transcripts_dir must not be empty")
	}
	switch c.Storage.CollisionPolicy {
	case "keep_both", "replace", "skip":
	default:
		return fmt.Errorf("storage.collision_policy must be keep_both, replace, or skip, got %q", c.Storage.CollisionPolicy)
	}

	if c.Dictation.ChunkSeconds < 1 {
		return fmt.Errorf("dictation.chunk_seconds must be >= 1")
	}
	if c.Dictation.SilenceMS < 0 {
		return fmt.Errorf("dictation.silence_ms must be >= 0")
	}
	switch c.Dictation.InjectMethod {
	case "type", "paste", "none":
	default:
		return fmt.Errorf("dictation.inject_method must be type, paste, or none, got %q", c.Dictation.InjectMethod)
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}
	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown and empty
// values map to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	content := append([]byte("# recast configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
