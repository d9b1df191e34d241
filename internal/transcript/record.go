// Package transcript defines the durable transcript record and its on-disk
// JSON form.
package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the canonical on-disk timestamp form (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

// ErrInvalidRecord is wrapped by every validation failure in Load and Decode.
var ErrInvalidRecord = errors.New("transcript: invalid record")

// Segment is one recognized span of speech. Times are in seconds.
type Segment struct {
	Start   float64
	End     float64
	Text    string
	Speaker string
}

// Record is a completed transcription of one media file.
type Record struct {
	ID              string
	CreatedAt       time.Time
	FullText        string
	Segments        []Segment
	Language        string
	MediaSourcePath string
	// SourcePath mirrors MediaSourcePath on write. Older records may carry
	// only one of the two.
	SourcePath     string
	RecordFilename string
}

// New builds a record for mediaPath with a fresh UUID. The record filename
// is derived from createdAt and the media basename.
func New(createdAt time.Time, segments []Segment, language, mediaPath string) *Record {
	return &Record{
		ID:              uuid.NewString(),
		CreatedAt:       createdAt,
		FullText:        JoinText(segments),
		Segments:        segments,
		Language:        language,
		MediaSourcePath: mediaPath,
		SourcePath:      mediaPath,
		RecordFilename:  FilenameFor(createdAt, mediaPath),
	}
}

// FilenameFor returns "{timestamp}_{basename without extension}.json".
func FilenameFor(createdAt time.Time, mediaPath string) string {
	base := filepath.Base(mediaPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return createdAt.Format(TimestampLayout) + "_" + base + ".json"
}

// JoinText concatenates segment texts into the record's full text.
func JoinText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// NewSegment returns a segment with whitespace-trimmed text.
func NewSegment(start, end float64, text, speaker string) Segment {
	return Segment{Start: start, End: end, Text: strings.TrimSpace(text), Speaker: speaker}
}

// seconds encodes with exactly three decimal places.
type seconds float64

func (s seconds) MarshalJSON() ([]byte, error) {
	v := math.Round(float64(s)*1000) / 1000
	return []byte(strconv.FormatFloat(v, 'f', 3, 64)), nil
}

type segmentJSON struct {
	Start   seconds `json:"start"`
	End     seconds `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

type recordJSON struct {
	UUID            string        `json:"uuid"`
	Timestamp       string        `json:"timestamp"`
	Text            string        `json:"text"`
	Segments        []segmentJSON `json:"segments"`
	Language        string        `json:"language"`
	SourcePath      string        `json:"source_path"`
	AudioSourcePath string        `json:"audio_source_path"`
	OutputFilename  string        `json:"output_filename"`
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		UUID:            r.ID,
		Timestamp:       r.CreatedAt.Format(TimestampLayout),
		Text:            r.FullText,
		Segments:        make([]segmentJSON, len(r.Segments)),
		Language:        r.Language,
		SourcePath:      r.SourcePath,
		AudioSourcePath: r.MediaSourcePath,
		OutputFilename:  r.RecordFilename,
	}
	if out.SourcePath == "" {
		out.SourcePath = r.MediaSourcePath
	}
	if out.AudioSourcePath == "" {
		out.AudioSourcePath = r.SourcePath
	}
	for i, s := range r.Segments {
		out.Segments[i] = segmentJSON{Start: seconds(s.Start), End: seconds(s.End), Text: s.Text, Speaker: s.Speaker}
	}
	return json.Marshal(out)
}

// Marshal encodes r in its on-disk form, indented.
func Marshal(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("transcript: encode %s: %w", r.RecordFilename, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("transcript: indent %s: %w", r.RecordFilename, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

var mandatoryKeys = []string{"uuid", "timestamp", "text", "segments", "language", "output_filename"}

// Decode parses and validates the on-disk form. Missing mandatory keys,
// a malformed uuid or timestamp, and malformed segments are errors
// wrapping ErrInvalidRecord.
func Decode(data []byte) (*Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	for _, key := range mandatoryKeys {
		if v, ok := raw[key]; !ok || isNull(v) {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidRecord, key)
		}
	}
	_, hasSource := raw["source_path"]
	_, hasAudio := raw["audio_source_path"]
	if !hasSource && !hasAudio {
		return nil, fmt.Errorf("%w: missing source_path and audio_source_path", ErrInvalidRecord)
	}

	var in struct {
		UUID            string            `json:"uuid"`
		Timestamp       string            `json:"timestamp"`
		Text            string            `json:"text"`
		Segments        []json.RawMessage `json:"segments"`
		Language        string            `json:"language"`
		SourcePath      *string           `json:"source_path"`
		AudioSourcePath *string           `json:"audio_source_path"`
		OutputFilename  string            `json:"output_filename"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if _, err := uuid.Parse(in.UUID); err != nil {
		return nil, fmt.Errorf("%w: uuid %q: %v", ErrInvalidRecord, in.UUID, err)
	}
	createdAt, err := time.ParseInLocation(TimestampLayout, in.Timestamp, time.Local)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidRecord, in.Timestamp, err)
	}

	rec := &Record{
		ID:             in.UUID,
		CreatedAt:      createdAt,
		FullText:       in.Text,
		Segments:       make([]Segment, 0, len(in.Segments)),
		Language:       in.Language,
		RecordFilename: in.OutputFilename,
	}
	if in.SourcePath != nil {
		rec.SourcePath = *in.SourcePath
	}
	if in.AudioSourcePath != nil {
		rec.MediaSourcePath = *in.AudioSourcePath
	}
	if rec.MediaSourcePath == "" {
		rec.MediaSourcePath = rec.SourcePath
	}
	if rec.SourcePath == "" {
		rec.SourcePath = rec.MediaSourcePath
	}

	for i, msg := range in.Segments {
		seg, err := decodeSegment(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrInvalidRecord, i, err)
		}
		rec.Segments = append(rec.Segments, seg)
	}
	return rec, nil
}

func decodeSegment(msg json.RawMessage) (Segment, error) {
	var s struct {
		Start   *float64 `json:"start"`
		End     *float64 `json:"end"`
		Text    *string  `json:"text"`
		Speaker string   `json:"speaker"`
	}
	if err := json.Unmarshal(msg, &s); err != nil {
		return Segment{}, err
	}
	if s.Start == nil || s.End == nil {
		return Segment{}, errors.New("missing start or end")
	}
	if s.Text == nil {
		return Segment{}, errors.New("missing text")
	}
	if *s.Start < 0 || *s.End < *s.Start {
		return Segment{}, fmt.Errorf("bad time range %.3f..%.3f", *s.Start, *s.End)
	}
	return NewSegment(*s.Start, *s.End, *s.Text, s.Speaker), nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Load reads and validates the record at path. The actual basename of path
// always becomes RecordFilename; a differing embedded output_filename is
// logged and ignored.
func Load(path string, logger *slog.Logger) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: read %s: %w", path, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("transcript: load %s: %w", filepath.Base(path), err)
	}

	actual := filepath.Base(path)
	if rec.RecordFilename != actual {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("transcript filename mismatch, using actual filename",
			"embedded", rec.RecordFilename,
			"actual", actual,
		)
		rec.RecordFilename = actual
	}
	return rec, nil
}
