package models

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeModelBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, ggmlMagic)
	return b
}

func newModelServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/ggml-") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCopyFile(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "src.txt")
	dst := filepath.Join(tmpDir, "dst.txt")

	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading dst: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("copyFile() content = %q, want %q", got, content)
	}
}

func TestProgressWriter(t *testing.T) {
	var buf bytes.Buffer
	var lastWritten, lastTotal int64
	pw := &progressWriter{
		writer: &buf,
		total:  100,
		progress: func(w, total int64) {
			lastWritten, lastTotal = w, total
		},
	}

	data := make([]byte, 50)
	n, err := pw.Write(data)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 50 {
		t.Errorf("Write() n = %d, want 50", n)
	}
	if pw.written != 50 || lastWritten != 50 || lastTotal != 100 {
		t.Errorf("written = %d, callback = %d/%d", pw.written, lastWritten, lastTotal)
	}
}

func TestDownload(t *testing.T) {
	body := fakeModelBytes(4096)
	srv, hits := newModelServer(t, body)
	d := &Downloader{Dir: t.TempDir(), BaseURL: srv.URL, Logger: quietLogger()}

	var calls int
	path, err := d.Download(context.Background(), "tiny", func(int64, int64) { calls++ })
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if filepath.Base(path) != "ggml-tiny.bin" {
		t.Errorf("path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("downloaded content mismatch (err %v)", err)
	}
	if calls == 0 {
		t.Error("progress callback never called")
	}
	if _, err := os.Stat(path + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Error(".part file left behind")
	}

	// Present files are not fetched again.
	if _, err := d.Download(context.Background(), "tiny", nil); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	if !d.Present("tiny") {
		t.Error("Present() = false after download")
	}
}

func TestDownloadRejectsBadMagic(t *testing.T) {
	srv, _ := newModelServer(t, []byte("<html>not a model</html>"))
	d := &Downloader{Dir: t.TempDir(), BaseURL: srv.URL, Logger: quietLogger()}

	_, err := d.Download(context.Background(), "base", nil)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Download() error = %v, want ErrCorrupt", err)
	}
	entries, _ := os.ReadDir(d.Dir)
	if len(entries) != 0 {
		t.Errorf("models dir not clean: %v", entries)
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	d := &Downloader{Dir: t.TempDir(), BaseURL: srv.URL, Logger: quietLogger()}

	_, err := d.Download(context.Background(), "base", nil)
	if err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Fatalf("Download() error = %v", err)
	}
	if Classify("base", err).Kind != FailureDownload {
		t.Errorf("kind = %s", Classify("base", err).Kind)
	}
}

func TestDownloadUnknownModel(t *testing.T) {
	d := &Downloader{Dir: t.TempDir(), Logger: quietLogger()}
	if _, err := d.Download(context.Background(), "nonexistent-model", nil); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("Download() error = %v, want ErrUnknownModel", err)
	}
}

func TestInstallAndLocalModels(t *testing.T) {
	d := &Downloader{Dir: filepath.Join(t.TempDir(), "models"), Logger: quietLogger()}

	if got, err := d.LocalModels(); err != nil || len(got) != 0 {
		t.Fatalf("LocalModels() on missing dir = %v, %v", got, err)
	}

	src := filepath.Join(t.TempDir(), "my.bin")
	if err := os.WriteFile(src, fakeModelBytes(128), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Install("small.en", src); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	// Stray files are ignored.
	_ = os.WriteFile(filepath.Join(d.Dir, "notes.txt"), []byte("x"), 0644)
	_ = os.WriteFile(filepath.Join(d.Dir, "ggml-custom.bin"), fakeModelBytes(8), 0644)

	got, err := d.LocalModels()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "small.en" || got[0].Size != 128 {
		t.Errorf("LocalModels() = %+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.bin")
	_ = os.WriteFile(bad, []byte("nope"), 0644)
	if _, err := d.Install("tiny", bad); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Install(bad) error = %v, want ErrCorrupt", err)
	}
}

func TestRunInteractiveDownload(t *testing.T) {
	srv, _ := newModelServer(t, fakeModelBytes(64))
	d := &Downloader{Dir: t.TempDir(), BaseURL: srv.URL, Logger: quietLogger()}

	var out bytes.Buffer
	if err := RunInteractiveDownload(context.Background(), d, strings.NewReader("tiny.en\n"), &out); err != nil {
		t.Fatalf("RunInteractiveDownload() error = %v", err)
	}
	if !d.Present("tiny.en") {
		t.Error("tiny.en not installed")
	}
	if !strings.Contains(out.String(), "Installed tiny.en") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := RunInteractiveDownload(context.Background(), d, strings.NewReader("99\n"), &out); err == nil {
		t.Error("expected error for out-of-range choice")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != len(knownModels) {
		t.Fatalf("len(Names()) = %d", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}
