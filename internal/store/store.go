// Package store persists transcript records as JSON files in one directory,
// with an optional SQLite index for listing and UUID lookup.
//
// The JSON files are the source of truth. The index can be rebuilt from
// them at any time with Reindex.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chaz8081/recast/internal/fsutil"
	"github.com/chaz8081/recast/internal/transcript"
)

// ErrDuplicate is returned by Import under CollisionSkip when a record with
// the same UUID is already stored.
var ErrDuplicate = errors.New("store: duplicate record")

// CollisionPolicy decides what Import does when the imported record's UUID
// already exists.
type CollisionPolicy string

const (
	// CollisionKeepBoth stores the import under a fresh UUID and filename.
	CollisionKeepBoth CollisionPolicy = "keep_both"
	// CollisionReplace overwrites the stored record.
	CollisionReplace CollisionPolicy = "replace"
	// CollisionSkip leaves the stored record alone and returns ErrDuplicate.
	CollisionSkip CollisionPolicy = "skip"
)

// ParseCollisionPolicy validates a config value.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(s); p {
	case CollisionKeepBoth, CollisionReplace, CollisionSkip:
		return p, nil
	case "":
		return CollisionKeepBoth, nil
	default:
		return "", fmt.Errorf("store: unknown collision policy %q", s)
	}
}

// Options configures Open.
type Options struct {
	Dir string
	// IndexPath is the SQLite index file. Empty disables the index.
	IndexPath string
	Policy    CollisionPolicy
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Entry is one row of List output.
type Entry struct {
	ID        string
	Filename  string
	CreatedAt time.Time
	Language  string
	MediaPath string
	Preview   string
}

// Store reads and writes transcript records.
type Store struct {
	dir    string
	db     *sql.DB
	policy CollisionPolicy
	log    *slog.Logger
	clock  func() time.Time
}

// Open prepares the record directory and, if configured, the index.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &Store{
		dir:    opts.Dir,
		policy: opts.Policy,
		log:    opts.Logger,
		clock:  opts.Clock,
	}
	if s.policy == "" {
		s.policy = CollisionKeepBoth
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	if opts.IndexPath != "" {
		if err := s.openIndex(ctx, opts.IndexPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) openIndex(ctx context.Context, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: create index dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("store: ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS transcripts (
    uuid TEXT PRIMARY KEY,
    filename TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    language TEXT,
    media_path TEXT,
    preview TEXT
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return fmt.Errorf("store: init schema: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the index.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// Save writes rec to Dir/rec.RecordFilename atomically and returns the full
// path. Index failures are logged; the record file is what makes the save
// durable.
func (s *Store) Save(ctx context.Context, rec *transcript.Record) (string, error) {
	if rec.RecordFilename == "" || rec.RecordFilename != filepath.Base(rec.RecordFilename) {
		return "", fmt.Errorf("store: invalid record filename %q", rec.RecordFilename)
	}
	data, err := transcript.Marshal(rec)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, rec.RecordFilename)
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store: save %s: %w", rec.RecordFilename, err)
	}

	if err := s.index(ctx, rec); err != nil {
		s.log.Warn("store: index update failed", "file", rec.RecordFilename, "error", err)
	}
	return path, nil
}

// Load reads the record stored under filename.
func (s *Store) Load(_ context.Context, filename string) (*transcript.Record, error) {
	if filename != filepath.Base(filename) {
		return nil, fmt.Errorf("store: invalid filename %q", filename)
	}
	return transcript.Load(filepath.Join(s.dir, filename), s.log)
}

// List returns stored records, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if s.db != nil {
		return s.listIndexed(ctx)
	}
	recs, err := s.scan()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, entryFor(rec))
	}
	sortEntries(entries)
	return entries, nil
}

func (s *Store) listIndexed(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, filename, created_at, language, media_path, preview
		FROM transcripts
		ORDER BY created_at DESC, filename DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		var language, media, preview sql.NullString
		if err := rows.Scan(&e.ID, &e.Filename, &created, &language, &media, &preview); err != nil {
			return nil, fmt.Errorf("store: scan index row: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		e.Language, e.MediaPath, e.Preview = language.String, media.String, preview.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reindex rebuilds the index from the record files. It is a no-op without
// an index.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	recs, err := s.scan()
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcripts`); err != nil {
		return 0, fmt.Errorf("store: clear index: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := upsert(ctx, tx, rec); err != nil {
			s.log.Warn("store: skipping record during reindex", "file", rec.RecordFilename, "error", err)
			continue
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit reindex: %w", err)
	}
	return n, nil
}

// Import copies the record at path into the store, applying the collision
// policy when its UUID is already present. It returns the stored record.
func (s *Store) Import(ctx context.Context, path string) (*transcript.Record, error) {
	rec, err := transcript.Load(path, s.log)
	if err != nil {
		return nil, err
	}

	existing, found, err := s.lookup(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	if found {
		switch s.policy {
		case CollisionSkip:
			return nil, fmt.Errorf("%w: uuid %s already stored as %s", ErrDuplicate, rec.ID, existing)
		case CollisionReplace:
			rec.RecordFilename = existing
		default:
			s.log.Info("store: uuid collision on import, keeping both", "uuid", rec.ID, "existing", existing)
			rec.ID = uuid.NewString()
			rec.RecordFilename = s.freeName(transcript.FilenameFor(s.clock(), rec.MediaSourcePath))
		}
	} else {
		rec.RecordFilename = s.freeName(rec.RecordFilename)
	}

	if _, err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// lookup finds the filename holding id.
func (s *Store) lookup(ctx context.Context, id string) (string, bool, error) {
	if s.db != nil {
		var filename string
		err := s.db.QueryRowContext(ctx, `SELECT filename FROM transcripts WHERE uuid = ?`, id).Scan(&filename)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return "", false, nil
		case err != nil:
			return "", false, fmt.Errorf("store: lookup %s: %w", id, err)
		}
		if _, statErr := os.Stat(filepath.Join(s.dir, filename)); statErr == nil {
			return filename, true, nil
		}
		// Stale row; fall through to a directory scan.
	}

	recs, err := s.scan()
	if err != nil {
		return "", false, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			return rec.RecordFilename, true, nil
		}
	}
	return "", false, nil
}

// freeName returns name, or name with a numeric suffix if a file by that
// name already exists.
func (s *Store) freeName(name string) string {
	if _, err := os.Stat(filepath.Join(s.dir, name)); os.IsNotExist(err) {
		return name
	}
	stem := strings.TrimSuffix(name, ".json")
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d.json", stem, i)
		if _, err := os.Stat(filepath.Join(s.dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// scan loads every valid record in the directory. Invalid files are logged
// and skipped.
func (s *Store) scan() ([]*transcript.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir: %w", err)
	}
	var recs []*transcript.Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rec, err := transcript.Load(filepath.Join(s.dir, e.Name()), s.log)
		if err != nil {
			s.log.Warn("store: skipping unreadable record", "file", e.Name(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) index(ctx context.Context, rec *transcript.Record) error {
	if s.db == nil {
		return nil
	}
	return upsert(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, rec *transcript.Record) error {
	e := entryFor(rec)
	// A replaced filename may belong to a different uuid row.
	if _, err := db.ExecContext(ctx, `DELETE FROM transcripts WHERE filename = ? AND uuid <> ?`, e.Filename, e.ID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO transcripts(uuid, filename, created_at, language, media_path, preview)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			filename=excluded.filename,
			created_at=excluded.created_at,
			language=excluded.language,
			media_path=excluded.media_path,
			preview=excluded.preview`,
		e.ID, e.Filename, e.CreatedAt.Unix(), e.Language, e.MediaPath, e.Preview)
	return err
}

func entryFor(rec *transcript.Record) Entry {
	return Entry{
		ID:        rec.ID,
		Filename:  rec.RecordFilename,
		CreatedAt: rec.CreatedAt,
		Language:  rec.Language,
		MediaPath: rec.MediaSourcePath,
		Preview:   preview(rec.FullText, 80),
	}
}

func preview(text string, n int) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Filename > entries[j].Filename
	})
}
