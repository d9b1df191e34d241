package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaz8081/recast/internal/transcript"
)

var importClock = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local) }

func openTestStore(t *testing.T, indexed bool, policy CollisionPolicy) *Store {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Dir:    filepath.Join(dir, "transcripts"),
		Policy: policy,
		Clock:  importClock,
	}
	if indexed {
		opts.IndexPath = filepath.Join(dir, "index", "history.db")
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecord(at time.Time, media, text string) *transcript.Record {
	return transcript.New(at, []transcript.Segment{transcript.NewSegment(0, 1, text, "")}, "en", media)
}

// writeExternal writes rec outside the store, the way a user-supplied
// import file would arrive.
func writeExternal(t *testing.T, rec *transcript.Record) string {
	t.Helper()
	data, err := transcript.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), rec.RecordFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSaveAndLoad(t *testing.T) {
	for _, indexed := range []bool{false, true} {
		s := openTestStore(t, indexed, CollisionKeepBoth)
		ctx := context.Background()
		rec := newRecord(time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local), "/m/a.wav", "hello")

		path, err := s.Save(ctx, rec)
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if filepath.Base(path) != rec.RecordFilename {
			t.Errorf("saved path %q, want basename %q", path, rec.RecordFilename)
		}

		got, err := s.Load(ctx, rec.RecordFilename)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.ID != rec.ID || got.FullText != "hello" {
			t.Errorf("Load() = %+v", got)
		}
	}
}

func TestSaveRejectsPathFilenames(t *testing.T) {
	s := openTestStore(t, false, CollisionKeepBoth)
	rec := newRecord(time.Now(), "/m/a.wav", "x")
	rec.RecordFilename = "../escape.json"
	if _, err := s.Save(context.Background(), rec); err == nil {
		t.Fatal("Save() should reject a filename with a directory component")
	}
}

func TestListNewestFirst(t *testing.T) {
	for _, indexed := range []bool{false, true} {
		s := openTestStore(t, indexed, CollisionKeepBoth)
		ctx := context.Background()

		old := newRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local), "/m/old.wav", "old")
		recent := newRecord(time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local), "/m/new.wav", "new")
		for _, r := range []*transcript.Record{old, recent} {
			if _, err := s.Save(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
		// Garbage in the directory is skipped, not fatal.
		if err := os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0644); err != nil {
			t.Fatal(err)
		}

		entries, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("List() returned %d entries, want 2 (indexed=%v)", len(entries), indexed)
		}
		if entries[0].ID != recent.ID || entries[1].ID != old.ID {
			t.Errorf("order = [%s %s], want newest first", entries[0].Filename, entries[1].Filename)
		}
		if entries[0].Preview != "new" {
			t.Errorf("Preview = %q, want %q", entries[0].Preview, "new")
		}
	}
}

func TestImportWithoutCollision(t *testing.T) {
	s := openTestStore(t, true, CollisionSkip)
	rec := newRecord(time.Date(2025, 2, 2, 2, 2, 2, 0, time.Local), "/m/talk.mp4", "talk")

	got, err := s.Import(context.Background(), writeExternal(t, rec))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got.ID != rec.ID || got.RecordFilename != rec.RecordFilename {
		t.Errorf("Import() = %s/%s, want original identity", got.ID, got.RecordFilename)
	}
}

func TestImportCollisionPolicies(t *testing.T) {
	created := time.Date(2025, 3, 3, 3, 3, 3, 0, time.Local)

	t.Run("keep_both", func(t *testing.T) {
		s := openTestStore(t, true, CollisionKeepBoth)
		ctx := context.Background()
		rec := newRecord(created, "/m/a.wav", "first")
		if _, err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}

		got, err := s.Import(ctx, writeExternal(t, rec))
		if err != nil {
			t.Fatalf("Import() error = %v", err)
		}
		if got.ID == rec.ID {
			t.Error("keep_both should assign a new uuid")
		}
		if got.RecordFilename == rec.RecordFilename {
			t.Error("keep_both should assign a new filename")
		}
		entries, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Errorf("List() = %d entries, want 2", len(entries))
		}
	})

	t.Run("replace", func(t *testing.T) {
		s := openTestStore(t, true, CollisionReplace)
		ctx := context.Background()
		rec := newRecord(created, "/m/a.wav", "first")
		if _, err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}

		edited := *rec
		edited.FullText = "edited"
		edited.RecordFilename = "elsewhere.json"
		if _, err := s.Import(ctx, writeExternal(t, &edited)); err != nil {
			t.Fatalf("Import() error = %v", err)
		}

		got, err := s.Load(ctx, rec.RecordFilename)
		if err != nil {
			t.Fatal(err)
		}
		if got.FullText != "edited" {
			t.Errorf("FullText = %q, want replaced content", got.FullText)
		}
		entries, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("List() = %d entries, want 1", len(entries))
		}
	})

	t.Run("skip", func(t *testing.T) {
		s := openTestStore(t, false, CollisionSkip)
		ctx := context.Background()
		rec := newRecord(created, "/m/a.wav", "first")
		if _, err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}

		_, err := s.Import(ctx, writeExternal(t, rec))
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("Import() error = %v, want ErrDuplicate", err)
		}
	})
}

func TestImportRenamesOnFilenameClash(t *testing.T) {
	s := openTestStore(t, false, CollisionKeepBoth)
	ctx := context.Background()
	created := time.Date(2025, 4, 4, 4, 4, 4, 0, time.Local)

	a := newRecord(created, "/m/a.wav", "one")
	b := newRecord(created, "/other/a.wav", "two")
	if _, err := s.Save(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Import(ctx, writeExternal(t, b))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got.ID != b.ID {
		t.Error("distinct uuid should be preserved")
	}
	if want := "20250404_040404_a_1.json"; got.RecordFilename != want {
		t.Errorf("RecordFilename = %q, want %q", got.RecordFilename, want)
	}
}

func TestReindex(t *testing.T) {
	s := openTestStore(t, true, CollisionKeepBoth)
	ctx := context.Background()

	// Records written behind the index's back.
	for i, name := range []string{"x.wav", "y.wav", "z.wav"} {
		rec := newRecord(time.Date(2025, 5, 5, 5, 5, i, 0, time.Local), "/m/"+name, name)
		data, err := transcript.Marshal(rec)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(s.Dir(), rec.RecordFilename), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("index should start empty, got %d", len(entries))
	}

	n, err := s.Reindex(ctx)
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Reindex() = %d, want 3", n)
	}
	entries, err = s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("List() after reindex = %d entries, want 3", len(entries))
	}
}

func TestParseCollisionPolicy(t *testing.T) {
	for in, want := range map[string]CollisionPolicy{
		"":          CollisionKeepBoth,
		"keep_both": CollisionKeepBoth,
		"replace":   CollisionReplace,
		"skip":      CollisionSkip,
	} {
		got, err := ParseCollisionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCollisionPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCollisionPolicy("ask"); err == nil {
		t.Error("ParseCollisionPolicy(ask) should fail")
	}
}
