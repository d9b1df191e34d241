// Package models downloads whisper.cpp ggml models and tracks which ones
// are ready for use.
package models

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL hosts the ggml conversions of the whisper models.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// ggmlMagic is the little-endian file magic of a whisper.cpp model.
var ggmlMagic = []byte{0x6c, 0x6d, 0x67, 0x67}

// ErrUnknownModel is returned for names not in the model table.
var ErrUnknownModel = errors.New("models: unknown model")

// ErrCorrupt is returned when a model file does not look like a ggml model.
var ErrCorrupt = errors.New("models: corrupt model file")

// knownModels maps model names to approximate download sizes in MB.
var knownModels = map[string]int{
	"tiny":           75,
	"tiny.en":        75,
	"base":           142,
	"base.en":        142,
	"small":          466,
	"small.en":       466,
	"medium":         1500,
	"medium.en":      1500,
	"large-v1":       2900,
	"large-v2":       2900,
	"large-v3":       2900,
	"large-v3-turbo": 1500,
}

// Names returns the known model names, sorted.
func Names() []string {
	out := make([]string, 0, len(knownModels))
	for n := range knownModels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is in the model table.
func Known(name string) bool {
	_, ok := knownModels[name]
	return ok
}

// FileName returns the ggml file name for a model.
func FileName(name string) string {
	return "ggml-" + name + ".bin"
}

// Downloader fetches models into Dir.
type Downloader struct {
	Dir     string
	BaseURL string
	Client  *http.Client
	// Timeout bounds one download. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (d *Downloader) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Path returns where name is stored, whether or not it is downloaded.
func (d *Downloader) Path(name string) (string, error) {
	if !Known(name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return filepath.Join(d.Dir, FileName(name)), nil
}

// Present reports whether a valid model file for name exists.
func (d *Downloader) Present(name string) bool {
	path, err := d.Path(name)
	if err != nil {
		return false
	}
	return checkMagic(path) == nil
}

// Prepare implements Preparer: it downloads name unless a valid copy is
// already on disk, reporting progress as a percentage.
func (d *Downloader) Prepare(ctx context.Context, name string, progress ProgressFunc) (string, error) {
	return d.Download(ctx, name, func(written, total int64) {
		if progress == nil {
			return
		}
		if total > 0 {
			// Cap below 100 so only the cache reports completion.
			pct := min(float64(written)/float64(total)*100, 99)
			progress(pct, fmt.Sprintf("Downloading %s: %.1f / %.1f MB", name, mb(written), mb(total)))
		} else {
			progress(0, fmt.Sprintf("Downloading %s: %.1f MB", name, mb(written)))
		}
	})
}

// Download fetches name into Dir unless a valid copy exists and returns the
// model path. The body is written to a .part file and renamed into place.
func (d *Downloader) Download(ctx context.Context, name string, onProgress func(written, total int64)) (string, error) {
	destPath, err := d.Path(name)
	if err != nil {
		return "", err
	}
	if err := checkMagic(destPath); err == nil {
		d.logger().Debug("model already present", "model", name, "path", destPath)
		return destPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		d.logger().Warn("replacing unusable model file", "path", destPath, "error", err)
	}

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("models: creating models dir: %w", err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := strings.TrimRight(base, "/") + "/" + FileName(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("models: building request: %w", err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	d.logger().Info("downloading model", "model", name, "url", url, "dest", destPath)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("models: downloading %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("models: downloading %s: HTTP %d", name, resp.StatusCode)
	}

	tmpPath := destPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("models: creating temp file: %w", err)
	}

	pw := &progressWriter{
		writer:   f,
		total:    resp.ContentLength,
		progress: onProgress,
	}
	written, err := io.Copy(pw, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("models: writing model file: %w", err)
	}
	if err := checkMagic(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("models: moving model file: %w", err)
	}

	d.logger().Info("model downloaded", "model", name, "mb", fmt.Sprintf("%.1f", mb(written)))
	return destPath, nil
}

// Install copies a local ggml file into Dir under name.
func (d *Downloader) Install(name, src string) (string, error) {
	destPath, err := d.Path(name)
	if err != nil {
		return "", err
	}
	if err := checkMagic(src); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("models: creating models dir: %w", err)
	}
	tmpPath := destPath + ".part"
	if err := copyFile(src, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("models: copying %s: %w", src, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("models: moving model file: %w", err)
	}
	return destPath, nil
}

// LocalModel is a model file found on disk.
type LocalModel struct {
	Name string
	Path string
	Size int64
}

// LocalModels lists the known models present in Dir.
func (d *Downloader) LocalModels() ([]LocalModel, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("models: reading models dir: %w", err)
	}
	var out []LocalModel
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, "ggml-") || !strings.HasSuffix(n, ".bin") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(n, "ggml-"), ".bin")
		if !Known(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, LocalModel{Name: name, Path: filepath.Join(d.Dir, n), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, len(ggmlMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !bytes.Equal(head, ggmlMagic) {
		return fmt.Errorf("%w: %s: bad magic %x", ErrCorrupt, path, head)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func mb(n int64) float64 { return float64(n) / (1024 * 1024) }

// progressWriter wraps an io.Writer and reports bytes written.
type progressWriter struct {
	writer   io.Writer
	total    int64
	written  int64
	progress func(written, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.progress != nil {
		pw.progress(pw.written, pw.total)
	}
	return n, err
}

// RunInteractiveDownload lists the model table on out, reads a choice from
// in and downloads it, printing progress.
func RunInteractiveDownload(ctx context.Context, d *Downloader, in io.Reader, out io.Writer) error {
	names := Names()
	fmt.Fprintln(out, "=== Model Download ===")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Models will be downloaded to: %s\n", d.Dir)
	fmt.Fprintln(out)
	for i, n := range names {
		mark := ""
		if d.Present(n) {
			mark = " (installed)"
		}
		fmt.Fprintf(out, "  [%2d] %-15s ~%d MB%s\n", i+1, n, knownModels[n], mark)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, "Choice (number or name): ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading choice: %w", err)
	}
	choice := strings.TrimSpace(line)
	name := choice
	if i, err := strconv.Atoi(choice); err == nil {
		if i < 1 || i > len(names) {
			return fmt.Errorf("invalid choice: %q (expected 1-%d)", choice, len(names))
		}
		name = names[i-1]
	}
	if !Known(name) {
		return fmt.Errorf("invalid choice: %q", choice)
	}

	fmt.Fprintln(out)
	path, err := d.Download(ctx, name, func(written, total int64) {
		if total > 0 {
			fmt.Fprintf(out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)", name, mb(written), mb(total),
				float64(written)/float64(total)*100)
		} else {
			fmt.Fprintf(out, "\r  %s: %.1f MB downloaded", name, mb(written))
		}
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  Installed %s at %s\n", name, path)
	return nil
}
